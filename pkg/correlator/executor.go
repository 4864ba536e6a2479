package correlator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/correlator/pkg/correlator/observability"
	"github.com/randalmurphal/correlator/pkg/correlator/rule"
	"github.com/randalmurphal/correlator/pkg/correlator/runner"
)

// executor materializes the compiled rule DAG into a per-message run.
//
// Each rule becomes a deferred task that fires once all of its parents
// have completed; parents' results are never passed, rules communicate
// through the context store. The run completes only after every rule
// has either completed or failed (the virtual end node), except when a
// mandatory rule fails: its descendants are then skipped and the run
// errors out.
type executor struct {
	dag  *rule.DAG
	pool *runner.Pool

	// onRule receives the timing of every completed invocation.
	onRule func(name string, d time.Duration, err error)
}

// run drives the DAG for one message. The returned error is either a
// *MandatoryRuleError or a retryable pool failure; ordinary rule
// failures are reported through onRule and the DAG keeps going with
// the partial context.
func (e *executor) run(ctx context.Context, logger *slog.Logger, msgID string, payload []byte) error {
	names := e.dag.Names()
	if len(names) == 0 {
		return nil
	}

	done := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		done[name] = make(chan struct{})
	}

	var (
		wg       sync.WaitGroup
		abortMu  sync.Mutex
		abortErr error
	)
	aborted := func() error {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortErr
	}
	abort := func(err error) {
		abortMu.Lock()
		defer abortMu.Unlock()
		if abortErr == nil {
			abortErr = err
		}
	}

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(done[name])

			// Wait for every parent to complete or fail.
			for _, parent := range e.dag.Predecessors(name) {
				select {
				case <-done[parent]:
				case <-ctx.Done():
					return
				}
			}
			if aborted() != nil || ctx.Err() != nil {
				return
			}

			rl, _ := e.dag.Rule(name)
			observability.LogRuleStart(logger, name, msgID)

			start := time.Now()
			err := e.dispatch(ctx, name, msgID, payload)
			duration := time.Since(start)

			if e.onRule != nil {
				e.onRule(name, duration, err)
			}

			switch {
			case err == nil:
				observability.LogRuleComplete(logger, name, msgID, float64(duration.Milliseconds()))
			case errors.Is(err, runner.ErrPoolStopped):
				abort(err)
			case rl.Mandatory():
				observability.LogRuleError(logger, name, msgID, err)
				abort(&MandatoryRuleError{Rule: name, Err: err})
			default:
				// Fail soft: descendants run with the partial context.
				observability.LogRuleError(logger, name, msgID, err)
			}
		}(name)
	}

	wg.Wait()
	if err := aborted(); err != nil {
		return err
	}
	return ctx.Err()
}

// dispatch sends one invocation to the pool and waits for its future.
func (e *executor) dispatch(ctx context.Context, name, msgID string, payload []byte) error {
	f, err := e.pool.Dispatch(runner.Request{
		RuleName:  name,
		MessageID: msgID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}
