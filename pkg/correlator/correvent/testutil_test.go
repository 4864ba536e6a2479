package correvent

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/model"
)

// harness drives the manager against an in-memory database, playing
// the role of the ingest pipeline and the topology rules.
type harness struct {
	t       *testing.T
	gateway *database.Gateway
	store   *ctxstore.MemoryStore
	manager *Manager
	ts      int64
	seq     int
	hosts   map[string]int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite databases are per-connection.
	db.SetMaxOpenConns(1)
	require.NoError(t, model.InitSchema(db))

	gateway := database.New(db)
	t.Cleanup(func() { _ = gateway.Close() })

	store := ctxstore.NewMemoryStore(0, 0)
	logger := slog.New(slog.DiscardHandler)

	return &harness{
		t:       t,
		gateway: gateway,
		store:   store,
		manager: NewManager(store, gateway, logger, 4),
		ts:      1000,
		hosts:   make(map[string]int64),
	}
}

// inTx runs fn through the gateway and fails the test on error.
func (h *harness) inTx(fn func(tx *sqlx.Tx) error) {
	h.t.Helper()
	require.NoError(h.t, h.gateway.Run(context.Background(), fn))
}

// addHost provisions a host-only supervised item.
func (h *harness) addHost(name string) int64 {
	h.t.Helper()
	var id int64
	h.inTx(func(tx *sqlx.Tx) error {
		var err error
		id, err = model.AddSupItem(tx, name, "")
		return err
	})
	h.hosts[name] = id
	return id
}

// depend declares closure edges: dependent -> each (ancestor, distance).
func (h *harness) depend(dependent string, edges map[string]int64) {
	h.t.Helper()
	h.inTx(func(tx *sqlx.Tx) error {
		grp, err := model.AddDependencyGroup(tx, h.hosts[dependent])
		if err != nil {
			return err
		}
		for name, distance := range edges {
			if err := model.AddDependency(tx, grp, h.hosts[name], distance); err != nil {
				return err
			}
		}
		return nil
	})
}

// handleAlert simulates one event for a host reaching the manager:
// the raw event is upserted, the context seeded (including the
// predecessor/successor aggregates a topology rule would compute) and
// the transition applied.
func (h *harness) handleAlert(host, state string, preds, succs []int64) *Outcome {
	h.t.Helper()
	ctx := context.Background()

	h.ts++
	h.seq++
	msgID := fmt.Sprintf("msg-%d", h.seq)
	info := model.EventInfo{
		Host:      host,
		State:     state,
		Timestamp: h.ts,
		Message:   state,
		IDSupItem: h.hosts[host],
	}

	var rawEventID int64
	h.inTx(func(tx *sqlx.Tx) error {
		prev, err := model.InsertState(tx, info)
		if err != nil {
			return err
		}
		rawEventID = prev.RawEventID
		return nil
	})

	require.NoError(h.t, h.store.Set(ctx, msgID, ctxstore.KeyRawEventID, rawEventID))
	require.NoError(h.t, h.store.Set(ctx, msgID, ctxstore.KeyStatename, state))
	if preds != nil {
		require.NoError(h.t, h.store.Set(ctx, msgID, ctxstore.KeyPredecessors, preds))
	}
	if succs != nil {
		require.NoError(h.t, h.store.Set(ctx, msgID, ctxstore.KeySuccessors, succs))
	}

	outcome, err := h.manager.Process(ctx, msgID, info)
	require.NoError(h.t, err)
	require.NotNil(h.t, outcome)
	return outcome
}

// rawEvent returns the raw event id for a host.
func (h *harness) rawEvent(host string) int64 {
	h.t.Helper()
	var id int64
	h.inTx(func(tx *sqlx.Tx) error {
		ev, err := model.RawEventForSupItem(tx, h.hosts[host])
		if err != nil {
			return err
		}
		id = ev.ID
		return nil
	})
	return id
}

// correventFor returns the aggregate rooted at a host, or 0.
func (h *harness) correventFor(host string) int64 {
	h.t.Helper()
	var id int64
	h.inTx(func(tx *sqlx.Tx) error {
		var err error
		id, err = model.CorreventForCause(tx, h.hosts[host])
		return err
	})
	return id
}

// members returns the membership of an aggregate.
func (h *harness) members(idcorrevent int64) []int64 {
	h.t.Helper()
	var ids []int64
	h.inTx(func(tx *sqlx.Tx) error {
		var err error
		ids, err = model.Members(tx, idcorrevent)
		return err
	})
	return ids
}

// correventCount returns the number of aggregates in the database.
func (h *harness) correventCount() int {
	h.t.Helper()
	var n int
	h.inTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM correvent`)
	})
	return n
}

// assertInvariants checks the structural aggregate invariants:
// at most one live aggregate per cause item, the cause is always a
// member, and every member either is the cause or depends on it.
func (h *harness) assertInvariants() {
	h.t.Helper()
	h.inTx(func(tx *sqlx.Tx) error {
		for _, idsupitem := range h.hosts {
			live, err := model.LiveCorreventsForCause(tx, idsupitem)
			require.NoError(h.t, err)
			require.LessOrEqual(h.t, len(live), 1, "more than one live aggregate for supitem %d", idsupitem)
		}

		var ids []int64
		if err := tx.Select(&ids, `SELECT idcorrevent FROM correvent`); err != nil {
			return err
		}
		for _, id := range ids {
			cv, err := model.GetCorrevent(tx, id)
			require.NoError(h.t, err)
			members, err := model.Members(tx, id)
			require.NoError(h.t, err)
			require.Contains(h.t, members, cv.IDCause, "cause not a member of aggregate %d", id)

			cause, err := model.GetRawEvent(tx, cv.IDCause)
			require.NoError(h.t, err)
			for _, m := range members {
				if m == cv.IDCause {
					continue
				}
				ev, err := model.GetRawEvent(tx, m)
				require.NoError(h.t, err)
				ok, err := model.DependsOn(tx, ev.IDSupItem, cause.IDSupItem)
				require.NoError(h.t, err)
				require.True(h.t, ok, "member %d has no dependency path to cause of aggregate %d", m, id)
			}
		}
		return nil
	})
}
