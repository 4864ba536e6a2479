// Package rule defines the correlation-rule contract and the registry
// that turns declared rules into a dependency-ordered execution DAG.
//
// The engine is rule-agnostic: a rule is a black box that reads and
// writes the correlation context and the database through the API it
// is handed. Rules never receive each other's results; every piece of
// inter-rule data goes through named context keys.
package rule

import (
	"context"

	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
)

// API is the engine surface a rule body may touch. The payload and the
// message id are passed explicitly so the whole invocation stays
// marshalable across the worker boundary.
type API interface {
	// Context is the correlation context store.
	Context() ctxstore.Store

	// Database is the serialized gateway to the supervision model.
	Database() *database.Gateway

	// Publish emits a message on the bus (e.g. commands for the
	// supervision backend).
	Publish(ctx context.Context, subject string, data []byte) error
}

// Rule is one correlation rule.
type Rule interface {
	// Name is the stable rule identifier used in dependency
	// declarations and in timing statistics.
	Name() string

	// DependsOn lists the rules that must have completed before this
	// one runs.
	DependsOn() []string

	// Mandatory reports whether a failure of this rule aborts the
	// remainder of the DAG. Non-mandatory rules fail soft: their error
	// is logged and descendants run with the partial context.
	Mandatory() bool

	// Run executes the rule body for one message. Results flow through
	// the context store; the return value only signals failure.
	Run(ctx context.Context, api API, msgID string, payload []byte) error
}

// Func adapts a function into a Rule for tests and simple rules.
type Func struct {
	RuleName     string
	Dependencies []string
	IsMandatory  bool
	Body         func(ctx context.Context, api API, msgID string, payload []byte) error
}

// Name implements Rule.
func (f Func) Name() string { return f.RuleName }

// DependsOn implements Rule.
func (f Func) DependsOn() []string { return f.Dependencies }

// Mandatory implements Rule.
func (f Func) Mandatory() bool { return f.IsMandatory }

// Run implements Rule.
func (f Func) Run(ctx context.Context, api API, msgID string, payload []byte) error {
	if f.Body == nil {
		return nil
	}
	return f.Body(ctx, api, msgID, payload)
}

// HLSDepsRuleName is the rule that computation orders are dispatched
// to. It must be registered for computation orders to be handled.
const HLSDepsRuleName = "hls-deps"
