package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/randalmurphal/correlator/pkg/correlator/bus"
	"github.com/randalmurphal/correlator/pkg/correlator/config"
	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/model"
	"github.com/randalmurphal/correlator/pkg/correlator/rule"
	"github.com/randalmurphal/correlator/pkg/correlator/wire"
)

const testHLSHost = "__HLS__"

// testEnv wires an engine over in-memory backends.
type testEnv struct {
	engine  *Engine
	bus     *bus.LocalBus
	store   *ctxstore.MemoryStore
	gateway *database.Gateway
	ts      int64
	seq     int
}

// testSettings returns settings tuned for fast tests.
func testSettings() config.Settings {
	return config.Settings{
		RulesTimeout:       time.Second,
		MinRuleRunners:     1,
		MaxRuleRunners:     2,
		RuleRunnersMaxIdle: 20,
		HLSHost:            testHLSHost,
		SubjectIn:          "correlator.in",
		SubjectState:       "correlator.state",
		SubjectCorrevent:   "correlator.correvent",
		DefaultPriority:    4,
	}
}

// newTestEnv builds the engine with the given rules and settings.
func newTestEnv(t *testing.T, settings config.Settings, rules ...rule.Rule) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite databases are per-connection.
	db.SetMaxOpenConns(1)
	require.NoError(t, model.InitSchema(db))

	gateway := database.New(db)
	t.Cleanup(func() { _ = gateway.Close() })

	store := ctxstore.NewMemoryStore(0, 0)
	transport := bus.NewLocalBus()

	registry := rule.NewRegistry()
	for _, rl := range rules {
		registry.Register(rl)
	}

	engine, err := NewEngine(settings, Options{
		Registry: registry,
		Gateway:  gateway,
		Store:    store,
		Bus:      transport,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	return &testEnv{
		engine:  engine,
		bus:     transport,
		store:   store,
		gateway: gateway,
		ts:      1000,
	}
}

// addHost provisions a host-only supervised item.
func (env *testEnv) addHost(t *testing.T, name string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		id, err = model.AddSupItem(tx, name, "")
		return err
	}))
	return id
}

// eventXML frames an event payload as a bus item.
func (env *testEnv) eventXML(host, service, state string) []byte {
	env.ts++
	env.seq++
	return []byte(fmt.Sprintf(`<item id="msg-%d">
<event xmlns=%q>
	<timestamp>%d</timestamp>
	<host>%s</host>
	<service>%s</service>
	<state>%s</state>
	<message>%s</message>
</event>
</item>`, env.seq, wire.NSEvent, env.ts, host, service, state, state))
}

// correventCount counts aggregates in the database.
func (env *testEnv) correventCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM correvent`)
	}))
	return n
}

// noopTopology is a stand-in for the topology rules: it stores empty
// predecessor/successor lists.
var noopTopology = rule.Func{
	RuleName: "topology",
	Body: func(ctx context.Context, api rule.API, msgID string, _ []byte) error {
		if err := api.Context().Set(ctx, msgID, ctxstore.KeyPredecessors, []int64{}); err != nil {
			return err
		}
		return api.Context().Set(ctx, msgID, ctxstore.KeySuccessors, []int64{})
	},
}

// TestEngine_SingleHostLifecycle runs a host DOWN then UP through the
// whole pipeline and checks the published messages.
func TestEngine_SingleHostLifecycle(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))

	assert.Equal(t, 1, env.correventCount(t))
	states := env.bus.Messages("correlator.state")
	require.Len(t, states, 1)
	assert.Contains(t, string(states[0].Data), "<state>DOWN</state>")

	notifications := env.bus.Messages("correlator.correvent")
	require.Len(t, notifications, 1)
	assert.Contains(t, string(notifications[0].Data), "<host>host1</host>")

	env.engine.Forward(env.eventXML("host1", "", "UP"))

	// The aggregate is resolved, not deleted.
	assert.Equal(t, 1, env.correventCount(t))
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		var live []int64
		id, err := model.GetSupItem(tx, "host1", "")
		if err != nil {
			return err
		}
		live, err = model.LiveCorreventsForCause(tx, id)
		require.NoError(t, err)
		assert.Empty(t, live)
		return nil
	}))
	assert.Len(t, env.bus.Messages("correlator.state"), 2)
	assert.Len(t, env.bus.Messages("correlator.correvent"), 2)
}

// TestEngine_OldState tests that a stale timestamp ends the pipeline
// silently and changes nothing.
func TestEngine_OldState(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))
	require.Equal(t, 1, env.correventCount(t))

	// Hand-craft a message older than the stored state.
	old := []byte(fmt.Sprintf(`<item id="msg-old">
<event xmlns=%q><timestamp>1</timestamp><host>host1</host><service></service><state>UP</state><message>UP</message></event>
</item>`, wire.NSEvent))
	env.engine.Forward(old)

	// The aggregate and the raw state are untouched, nothing published.
	assert.Equal(t, 1, env.correventCount(t))
	assert.Len(t, env.bus.Messages("correlator.state"), 1)
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		id, err := model.GetSupItem(tx, "host1", "")
		if err != nil {
			return err
		}
		live, err := model.LiveCorreventsForCause(tx, id)
		require.NoError(t, err)
		assert.Len(t, live, 1)
		return nil
	}))
	assert.Zero(t, env.engine.QueueDepth())
}

// TestEngine_NoProblem tests the nominal short-circuit: no rules run,
// nothing is published, no aggregate appears.
func TestEngine_NoProblem(t *testing.T) {
	ran := false
	probe := rule.Func{
		RuleName: "probe",
		Body: func(context.Context, rule.API, string, []byte) error {
			ran = true
			return nil
		},
	}
	env := newTestEnv(t, testSettings(), probe)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "UP"))

	assert.Equal(t, 0, env.correventCount(t))
	assert.Empty(t, env.bus.Messages("correlator.state"))
	assert.False(t, ran)
}

// TestEngine_RuleTimeout tests that an overrunning rule does not stop
// the pipeline: the aggregate is still produced from the partial
// context.
func TestEngine_RuleTimeout(t *testing.T) {
	settings := testSettings()
	settings.RulesTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := rule.Func{
		RuleName: "stuck",
		Body: func(context.Context, rule.API, string, []byte) error {
			<-release
			return nil
		},
	}

	env := newTestEnv(t, settings, noopTopology, stuck)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))

	assert.Equal(t, 1, env.correventCount(t))
	assert.Len(t, env.bus.Messages("correlator.correvent"), 1)
}

// TestEngine_MandatoryRuleFailure tests that a failing mandatory rule
// aborts the correlation without requeueing the message.
func TestEngine_MandatoryRuleFailure(t *testing.T) {
	mandatory := rule.Func{
		RuleName:    "gatekeeper",
		IsMandatory: true,
		Body: func(context.Context, rule.API, string, []byte) error {
			return fmt.Errorf("broken invariant")
		},
	}
	env := newTestEnv(t, testSettings(), mandatory)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))

	assert.Equal(t, 0, env.correventCount(t))
	assert.Empty(t, env.bus.Messages("correlator.correvent"))
	assert.Zero(t, env.engine.QueueDepth())
}

// TestEngine_UnknownHost tests that events for unprovisioned items are
// dropped without error or retry.
func TestEngine_UnknownHost(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)

	env.engine.Forward(env.eventXML("ghost", "", "DOWN"))

	assert.Equal(t, 0, env.correventCount(t))
	assert.Zero(t, env.engine.QueueDepth())
}

// TestEngine_InvalidMessage tests that an item without id is dropped.
func TestEngine_InvalidMessage(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)

	env.engine.Forward([]byte(fmt.Sprintf(
		`<item><event xmlns=%q><host>host1</host></event></item>`, wire.NSEvent)))

	assert.Zero(t, env.engine.QueueDepth())
}

// TestEngine_HLS tests the sentinel host: history goes to the HLS
// table, the state is republished, but no correvent notification is
// emitted.
func TestEngine_HLS(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)

	// The HLS is provisioned with a null host.
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		_, err := model.AddSupItem(tx, "", "mail")
		return err
	}))

	env.engine.Forward(env.eventXML(testHLSHost, "mail", "CRITICAL"))

	assert.Len(t, env.bus.Messages("correlator.state"), 1)
	assert.Empty(t, env.bus.Messages("correlator.correvent"))
	assert.Equal(t, 0, env.correventCount(t))

	var n int
	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM hls_history`)
	}))
	assert.Equal(t, 1, n)
}

// TestEngine_Ticket tests the ticket path: no rules, ack updated.
func TestEngine_Ticket(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))

	ticket := []byte(fmt.Sprintf(`<item id="msg-ticket">
<ticket xmlns=%q>
	<host>host1</host>
	<service></service>
	<ticket_id>azerty1234</ticket_id>
	<acknowledgement_status>CLOSED</acknowledgement_status>
</ticket>
</item>`, wire.NSTicket))
	env.engine.Forward(ticket)

	require.NoError(t, env.gateway.Run(context.Background(), func(tx *sqlx.Tx) error {
		id, err := model.GetSupItem(tx, "host1", "")
		if err != nil {
			return err
		}
		cvID, err := model.CorreventForCause(tx, id)
		if err != nil {
			return err
		}
		cv, err := model.GetCorrevent(tx, cvID)
		require.NoError(t, err)
		assert.Equal(t, "azerty1234", cv.TroubleTicket.String)
		assert.Equal(t, model.AckClosed, cv.Ack)
		return nil
	}))
}

// TestEngine_ComputationOrder tests direct dispatch to the HLS
// dependency rule with a deduplicated service list.
func TestEngine_ComputationOrder(t *testing.T) {
	got := make(chan []string, 1)
	hlsRule := rule.Func{
		RuleName: rule.HLSDepsRuleName,
		Body: func(ctx context.Context, api rule.API, msgID string, _ []byte) error {
			var names []string
			if err := api.Context().Get(ctx, msgID, ctxstore.KeyImpactedHLS, &names); err != nil {
				return err
			}
			got <- names
			return nil
		},
	}
	env := newTestEnv(t, testSettings(), hlsRule)

	order := []byte(fmt.Sprintf(`<item id="msg-order">
<computation_order xmlns=%q><hls>web</hls><hls>mail</hls><hls>web</hls></computation_order>
</item>`, wire.NSComputationOrder))
	env.engine.Forward(order)

	select {
	case names := <-got:
		assert.Equal(t, []string{"mail", "web"}, names)
	case <-time.After(time.Second):
		t.Fatal("HLS dependency rule was never invoked")
	}
}

// TestEngine_ComputationOrder_MissingRule tests that the order is
// skipped with a warning when the rule is not loaded.
func TestEngine_ComputationOrder_MissingRule(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)

	order := []byte(fmt.Sprintf(`<item id="msg-order">
<computation_order xmlns=%q><hls>web</hls></computation_order>
</item>`, wire.NSComputationOrder))
	env.engine.Forward(order)

	assert.Zero(t, env.engine.QueueDepth())
}

// TestEngine_ConnectionLifecycle tests that losing the bus stops the
// pool, queues incoming work, and that reconnecting drains the queue.
func TestEngine_ConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)
	env.addHost(t, "host1")

	env.bus.SetConnected(false)
	raw := env.eventXML("host1", "", "DOWN")
	env.engine.Forward(raw)

	// The pool is stopped, so the message went to the retry queue.
	assert.Equal(t, 1, env.engine.QueueDepth())
	assert.Equal(t, 0, env.correventCount(t))

	env.bus.SetConnected(true)
	require.Eventually(t, func() bool {
		return env.engine.QueueDepth() == 0 && env.correventCount(t) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

// TestEngine_Stats tests the statistics snapshot and its reset.
func TestEngine_Stats(t *testing.T) {
	env := newTestEnv(t, testSettings(), noopTopology)
	env.addHost(t, "host1")

	env.engine.Forward(env.eventXML("host1", "", "DOWN"))

	stats := env.engine.GetStats()
	assert.Contains(t, stats.RuleAverages, "topology")
	assert.GreaterOrEqual(t, stats.TotalAverage, 0.0)
	assert.Zero(t, stats.QueueDepth)

	// The windows reset on read.
	stats = env.engine.GetStats()
	assert.Empty(t, stats.RuleAverages)
	assert.Zero(t, stats.TotalAverage)
}
