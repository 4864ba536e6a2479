package correlator

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/correlator/pkg/correlator/bus"
	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/runner"
)

// Transient reports whether an error warrants re-enqueueing the raw
// message: the context store timed out, the database lost connectivity
// or hit a serialization conflict, the bus is down, or the rule runner
// pool is stopped (it restarts with the connection).
//
// Everything else is permanent for this message: it is logged against
// the message id and the message is acknowledged, so a poison message
// can never wedge the queue.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var ctxTimeout *ctxstore.TimeoutError
	if errors.As(err, &ctxTimeout) {
		return true
	}
	if database.IsTransient(err) {
		return true
	}
	return errors.Is(err, bus.ErrNotConnected) ||
		errors.Is(err, runner.ErrPoolStopped)
}

// MandatoryRuleError reports a mandatory rule failing; the rest of the
// DAG was short-circuited and no correlation was produced.
type MandatoryRuleError struct {
	Rule string
	Err  error
}

// Error implements the error interface.
func (e *MandatoryRuleError) Error() string {
	return fmt.Sprintf("correlator: mandatory rule %s failed: %s", e.Rule, e.Err)
}

// Unwrap returns the underlying error.
func (e *MandatoryRuleError) Unwrap() error { return e.Err }
