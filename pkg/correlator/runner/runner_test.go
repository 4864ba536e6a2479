package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/correlator/pkg/correlator/rule"
)

// buildDAG compiles a DAG from the given rules.
func buildDAG(t *testing.T, rules ...rule.Rule) *rule.DAG {
	t.Helper()
	r := rule.NewRegistry()
	for _, rl := range rules {
		r.Register(rl)
	}
	dag, err := r.Compile()
	require.NoError(t, err)
	return dag
}

// TestPool_Dispatch tests a successful invocation.
func TestPool_Dispatch(t *testing.T) {
	var ran atomic.Bool
	dag := buildDAG(t, rule.Func{
		RuleName: "ok",
		Body: func(_ context.Context, _ rule.API, msgID string, payload []byte) error {
			assert.Equal(t, "msg-1", msgID)
			assert.Equal(t, []byte("<payload/>"), payload)
			ran.Store(true)
			return nil
		},
	})

	pool := NewPool(Config{Min: 1, Max: 2}, dag, nil)
	pool.Start()
	defer pool.Stop()

	f, err := pool.Dispatch(Request{RuleName: "ok", MessageID: "msg-1", Payload: []byte("<payload/>")})
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
	assert.True(t, ran.Load())
}

// TestPool_Timeout tests that an overrunning rule resolves with
// *TimeoutError and the pool keeps serving with a replacement worker.
func TestPool_Timeout(t *testing.T) {
	release := make(chan struct{})
	dag := buildDAG(t,
		rule.Func{
			RuleName: "stuck",
			Body: func(_ context.Context, _ rule.API, _ string, _ []byte) error {
				<-release
				return nil
			},
		},
		rule.Func{RuleName: "quick"},
	)

	pool := NewPool(Config{Min: 1, Max: 1, Timeout: 50 * time.Millisecond}, dag, nil)
	pool.Start()
	defer pool.Stop()
	defer close(release)

	f, err := pool.Dispatch(Request{RuleName: "stuck", MessageID: "msg-1"})
	require.NoError(t, err)

	err = f.Wait(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "stuck", timeout.Rule)

	// The written-off worker was replaced; new work still runs.
	f, err = pool.Dispatch(Request{RuleName: "quick", MessageID: "msg-2"})
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
}

// TestPool_Crash tests that a panicking rule resolves with
// *CrashedError without taking down the pool.
func TestPool_Crash(t *testing.T) {
	dag := buildDAG(t,
		rule.Func{
			RuleName: "boom",
			Body: func(_ context.Context, _ rule.API, _ string, _ []byte) error {
				panic("kaboom")
			},
		},
		rule.Func{RuleName: "quick"},
	)

	pool := NewPool(Config{Min: 1, Max: 1}, dag, nil)
	pool.Start()
	defer pool.Stop()

	f, err := pool.Dispatch(Request{RuleName: "boom", MessageID: "msg-1"})
	require.NoError(t, err)

	err = f.Wait(context.Background())
	var crashed *CrashedError
	require.ErrorAs(t, err, &crashed)
	assert.Equal(t, "boom", crashed.Rule)
	assert.Equal(t, "kaboom", crashed.Value)
	assert.NotEmpty(t, crashed.Stack)

	f, err = pool.Dispatch(Request{RuleName: "quick", MessageID: "msg-2"})
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
}

// TestPool_UnknownRule tests dispatching a rule the DAG does not know.
func TestPool_UnknownRule(t *testing.T) {
	dag := buildDAG(t, rule.Func{RuleName: "known"})

	pool := NewPool(Config{Min: 1, Max: 1}, dag, nil)
	pool.Start()
	defer pool.Stop()

	f, err := pool.Dispatch(Request{RuleName: "ghost", MessageID: "msg-1"})
	require.NoError(t, err)
	assert.Error(t, f.Wait(context.Background()))
}

// TestPool_Stopped tests that a stopped pool refuses work.
func TestPool_Stopped(t *testing.T) {
	dag := buildDAG(t, rule.Func{RuleName: "quick"})
	pool := NewPool(Config{Min: 1, Max: 1}, dag, nil)

	_, err := pool.Dispatch(Request{RuleName: "quick"})
	assert.ErrorIs(t, err, ErrPoolStopped)

	pool.Start()
	assert.True(t, pool.Running())
	pool.Stop()
	assert.False(t, pool.Running())

	_, err = pool.Dispatch(Request{RuleName: "quick"})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

// TestPool_Restart tests the stop/start cycle around connection loss.
func TestPool_Restart(t *testing.T) {
	dag := buildDAG(t, rule.Func{RuleName: "quick"})
	pool := NewPool(Config{Min: 2, Max: 4}, dag, nil)

	pool.Start()
	assert.Equal(t, 2, pool.WorkerCount())
	pool.Stop()
	pool.Start()
	defer pool.Stop()

	f, err := pool.Dispatch(Request{RuleName: "quick", MessageID: "msg-1"})
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))
}

// TestPool_ContextCancel tests that waiting on a future honors the
// caller's context.
func TestPool_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	dag := buildDAG(t, rule.Func{
		RuleName: "stuck",
		Body: func(_ context.Context, _ rule.API, _ string, _ []byte) error {
			<-release
			return nil
		},
	})

	pool := NewPool(Config{Min: 1, Max: 1}, dag, nil)
	pool.Start()
	defer pool.Stop()
	defer close(release)

	f, err := pool.Dispatch(Request{RuleName: "stuck"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)
}
