// Package correvent maintains the aggregated events.
//
// After the rule DAG has run for an event, the manager reads the
// correlation context and performs one aggregate transition: create a
// new aggregate, attach the raw event to known upstream aggregates,
// merge freshly discovered downstream aggregates into a new root, bump
// an already-open aggregate, or desaggregate when the root recovers.
// The whole transition executes inside a single gateway transaction;
// shared open-aggregate markers are written once the transaction has
// committed.
package correvent

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/model"
	"github.com/randalmurphal/correlator/pkg/correlator/observability"
)

// Action names an aggregate transition.
type Action string

const (
	// ActionNone means the event changed no aggregate.
	ActionNone Action = "none"
	// ActionCreate means a new aggregate was opened.
	ActionCreate Action = "create"
	// ActionAggregate means the raw event joined existing aggregates.
	ActionAggregate Action = "aggregate"
	// ActionUpdate means an open aggregate was refreshed.
	ActionUpdate Action = "update"
	// ActionDesaggregate means a recovered root was split apart.
	ActionDesaggregate Action = "desaggregate"
)

// Outcome describes the transition for the outbound notification.
type Outcome struct {
	Action Action

	// ID is the subject aggregate, zero when the event was absorbed
	// into predecessor aggregates only.
	ID int64

	// Cause is the raw event id of the subject aggregate's cause.
	Cause int64

	// Members is the membership of the subject aggregate after the
	// transition. For ActionAggregate it holds instead the ids of the
	// predecessor aggregates the raw event joined.
	Members []int64

	Priority   int64
	Occurrence int64

	// Cause identity for the outbound notification.
	CauseHost    string
	CauseService string
	CauseState   string
}

// Manager drives aggregate transitions.
type Manager struct {
	store           ctxstore.Store
	gateway         *database.Gateway
	logger          *slog.Logger
	defaultPriority int64
}

// NewManager creates a Manager.
func NewManager(store ctxstore.Store, gateway *database.Gateway, logger *slog.Logger, defaultPriority int64) *Manager {
	return &Manager{
		store:           store,
		gateway:         gateway,
		logger:          logger,
		defaultPriority: defaultPriority,
	}
}

// Process performs the aggregate transition for one processed event.
//
// Returns a nil outcome when the event produced no raw event (HLS
// events never aggregate).
func (m *Manager) Process(ctx context.Context, msgID string, info model.EventInfo) (*Outcome, error) {
	var rawEventID int64
	if err := m.store.Get(ctx, msgID, ctxstore.KeyRawEventID, &rawEventID); err != nil {
		if errors.Is(err, ctxstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var preds, succs []int64
	if err := m.ctxList(ctx, msgID, ctxstore.KeyPredecessors, &preds); err != nil {
		return nil, err
	}
	if err := m.ctxList(ctx, msgID, ctxstore.KeySuccessors, &succs); err != nil {
		return nil, err
	}

	priority := m.defaultPriority
	var ctxPriority int64
	switch err := m.store.Get(ctx, msgID, ctxstore.KeyPriority, &ctxPriority); {
	case err == nil:
		priority = ctxPriority
	case !errors.Is(err, ctxstore.ErrNotFound):
		return nil, err
	}

	open, err := m.openAggr(ctx, info.IDSupItem)
	if err != nil {
		return nil, err
	}

	var outcome *Outcome
	pending := make(map[int64]int64) // open_aggr updates applied post-commit

	err = m.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		outcome, txErr = m.transition(tx, info, rawEventID, preds, succs, open, priority, pending)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	for idsupitem, id := range pending {
		if err := m.store.SetShared(ctx, ctxstore.OpenAggrKey(idsupitem), id); err != nil {
			return nil, err
		}
	}
	if outcome != nil && outcome.Action != ActionNone {
		observability.LogAggregate(m.logger, string(outcome.Action), outcome.ID, info.IDSupItem)
	}
	return outcome, nil
}

// ctxList reads an id list, treating a missing key as empty.
func (m *Manager) ctxList(ctx context.Context, msgID, key string, dest *[]int64) error {
	err := m.store.Get(ctx, msgID, key, dest)
	if errors.Is(err, ctxstore.ErrNotFound) {
		return nil
	}
	return err
}

// openAggr resolves the open aggregate for an item: shared key first,
// database as fallback when the key has expired.
func (m *Manager) openAggr(ctx context.Context, idsupitem int64) (int64, error) {
	var open int64
	err := m.store.GetShared(ctx, ctxstore.OpenAggrKey(idsupitem), &open)
	if err == nil {
		return open, nil
	}
	if !errors.Is(err, ctxstore.ErrNotFound) {
		return 0, err
	}

	err = m.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		open, txErr = model.CorreventForCause(tx, idsupitem)
		return txErr
	})
	return open, err
}

// transition applies the decision table inside one transaction.
// pending collects open_aggr updates for the shared store.
func (m *Manager) transition(tx *sqlx.Tx, info model.EventInfo, rawEventID int64, preds, succs []int64, open, priority int64, pending map[int64]int64) (*Outcome, error) {
	if model.IsNominal(info.State) {
		if open == 0 {
			return &Outcome{Action: ActionNone}, nil
		}
		return m.desaggregate(tx, open, info, pending)
	}

	// An open aggregate for this cause absorbs the repeat occurrence.
	if open != 0 {
		if err := model.BumpOccurrence(tx, open, info.Timestamp); err != nil {
			return nil, err
		}
		return m.outcomeFor(tx, ActionUpdate, open)
	}

	for _, pred := range preds {
		if err := model.AddMember(tx, pred, rawEventID); err != nil {
			return nil, err
		}
	}
	if len(preds) > 0 && len(succs) == 0 {
		// Symptomatic of known root causes only: no aggregate of its own.
		return &Outcome{Action: ActionAggregate, Members: preds}, nil
	}

	id, err := model.CreateCorrevent(tx, rawEventID, priority, info.Timestamp)
	if err != nil {
		return nil, err
	}
	pending[info.IDSupItem] = id

	for _, succ := range succs {
		if err := m.merge(tx, succ, id, pending); err != nil {
			return nil, err
		}
	}
	return m.outcomeFor(tx, ActionCreate, id)
}

// merge moves every member of src into dst and deletes src. The moved
// raw events keep set semantics in dst. dst keeps the more urgent
// (lower) of the two priorities; the priority is not recomputed from
// the members. The ids of the moved raw events are not returned.
func (m *Manager) merge(tx *sqlx.Tx, src, dst int64, pending map[int64]int64) error {
	srcCv, err := model.GetCorrevent(tx, src)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already merged away by an earlier successor.
			return nil
		}
		return err
	}
	dstCv, err := model.GetCorrevent(tx, dst)
	if err != nil {
		return err
	}

	moved, err := model.Members(tx, src)
	if err != nil {
		return err
	}
	for _, idevent := range moved {
		if err := model.AddMember(tx, dst, idevent); err != nil {
			return err
		}
	}

	// The merged root keeps the most urgent priority of the pair.
	if srcCv.Priority < dstCv.Priority {
		if err := model.SetPriority(tx, dst, srcCv.Priority); err != nil {
			return err
		}
	}

	causeEv, err := model.GetRawEvent(tx, srcCv.IDCause)
	if err != nil {
		return err
	}
	if err := model.DeleteCorrevent(tx, src); err != nil {
		return err
	}
	pending[causeEv.IDSupItem] = 0
	return nil
}

// outcomeFor loads the notification fields for an aggregate.
func (m *Manager) outcomeFor(tx *sqlx.Tx, action Action, id int64) (*Outcome, error) {
	cv, err := model.GetCorrevent(tx, id)
	if err != nil {
		return nil, err
	}
	members, err := model.Members(tx, id)
	if err != nil {
		return nil, err
	}
	causeEv, err := model.GetRawEvent(tx, cv.IDCause)
	if err != nil {
		return nil, err
	}
	var item model.SupItem
	if err := tx.Get(&item, tx.Rebind(
		"SELECT idsupitem, hostname, servicename FROM supitem WHERE idsupitem = ?"),
		causeEv.IDSupItem); err != nil {
		return nil, err
	}
	state, err := model.ValueToState(tx, causeEv.CurrentState)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Action:       action,
		ID:           id,
		Cause:        cv.IDCause,
		Members:      members,
		Priority:     cv.Priority,
		Occurrence:   cv.Occurrence,
		CauseHost:    item.Hostname,
		CauseService: item.Servicename,
		CauseState:   state,
	}, nil
}

// Snapshot loads the current notification fields for an aggregate,
// outside any transition.
func (m *Manager) Snapshot(ctx context.Context, id int64) (*Outcome, error) {
	var out *Outcome
	err := m.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		out, txErr = m.outcomeFor(tx, ActionAggregate, id)
		return txErr
	})
	return out, err
}
