package correvent

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/randalmurphal/correlator/pkg/correlator/model"
)

// desaggregate splits an aggregate whose cause has recovered.
//
// Every member except the cause is redistributed: a member still
// covered by another live aggregate keeps that membership and gets
// nothing new; a member with remaining problematic ancestors joins the
// aggregates of the nearest ones (all of them when equidistant),
// creating an aggregate rooted at an ancestor that has none; a member
// with no remaining upstream problem becomes the root of a fresh
// aggregate of its own. The recovered aggregate keeps only its cause
// and persists as the record of the recovery.
func (m *Manager) desaggregate(tx *sqlx.Tx, id int64, info model.EventInfo, pending map[int64]int64) (*Outcome, error) {
	cv, err := model.GetCorrevent(tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			pending[info.IDSupItem] = 0
			return &Outcome{Action: ActionNone}, nil
		}
		return nil, err
	}

	members, err := model.Members(tx, id)
	if err != nil {
		return nil, err
	}

	for _, idevent := range members {
		if idevent == cv.IDCause {
			continue
		}
		if err := model.RemoveMember(tx, id, idevent); err != nil {
			return nil, err
		}

		// Still covered by another problematic root: nothing to create.
		others, err := model.CorreventsContaining(tx, idevent, id)
		if err != nil {
			return nil, err
		}
		if len(others) > 0 {
			continue
		}

		ev, err := model.GetRawEvent(tx, idevent)
		if err != nil {
			return nil, err
		}
		state, err := model.ValueToState(tx, ev.CurrentState)
		if err != nil {
			return nil, err
		}
		if model.IsNominal(state) {
			// The member recovered in the meantime; it drops out.
			continue
		}

		ancestors, err := model.ProblematicAncestors(tx, ev.IDSupItem)
		if err != nil {
			return nil, err
		}

		if len(ancestors) == 0 {
			// No upstream problem left: the member roots itself.
			if _, err := m.ensureAggregate(tx, ev, cv.Priority, info.Timestamp, pending); err != nil {
				return nil, err
			}
			continue
		}

		// Join the nearest ancestors; equidistant roots all get it.
		nearest := ancestors[0].Distance
		for _, anc := range ancestors {
			if anc.Distance != nearest {
				break
			}
			ancEv, err := model.RawEventForSupItem(tx, anc.IDSupItem)
			if err != nil {
				return nil, err
			}
			target, err := m.ensureAggregate(tx, ancEv, cv.Priority, info.Timestamp, pending)
			if err != nil {
				return nil, err
			}
			if err := model.AddMember(tx, target, idevent); err != nil {
				return nil, err
			}
		}
	}

	return m.outcomeFor(tx, ActionDesaggregate, id)
}

// ensureAggregate returns the aggregate rooted at the raw event's
// item, creating one when none exists.
func (m *Manager) ensureAggregate(tx *sqlx.Tx, ev model.RawEvent, priority int64, timestamp int64, pending map[int64]int64) (int64, error) {
	id, err := model.CorreventForCause(tx, ev.IDSupItem)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	id, err = model.CreateCorrevent(tx, ev.ID, priority, timestamp)
	if err != nil {
		return 0, err
	}
	pending[ev.IDSupItem] = id
	return id, nil
}
