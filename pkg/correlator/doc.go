// Package correlator is the alert-correlation engine of the
// supervision platform.
//
// The engine consumes state-change events from a pub/sub bus, runs a
// dependency-ordered DAG of correlation rules over each event in the
// context of the platform's topology, and emits aggregated events
// (correvents) that group related raw events under a single causal
// root, plus derived state updates back onto the bus.
//
// # Architecture
//
// One Engine value owns every moving part; there are no globals:
//
//   - the rule Registry is compiled once into an immutable DAG
//     (pkg/correlator/rule)
//   - rule bodies execute in a worker pool with per-invocation
//     timeouts and crash isolation (pkg/correlator/runner)
//   - per-message state flows through the context store, never
//     through shared closures (pkg/correlator/ctxstore)
//   - all relational access is serialized through a single-writer
//     gateway (pkg/correlator/database)
//   - aggregate transitions are applied atomically by the correvent
//     manager (pkg/correlator/correvent)
//
// # Pipeline
//
// Per incoming event: parse and classify the item, resolve the
// supervised item, seed the context, upsert the raw state (stale
// timestamps end the pipeline silently), record history (a nominal
// state with no open aggregate short-circuits), run the rule DAG,
// apply the aggregate transition, republish the state and the
// correvent notification.
//
// # Failure model
//
// Transient failures (context-store timeout, database connectivity,
// bus down, stopped pool) re-enqueue the raw message on an in-memory
// FIFO drained while the connection is up. Permanent failures are
// logged against the message id and the message is acknowledged, so a
// poison message can never wedge the queue. Rule failures are soft by
// default: descendants run with the partial context, and only rules
// declared mandatory abort the DAG.
package correlator
