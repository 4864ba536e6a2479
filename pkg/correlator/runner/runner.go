// Package runner executes rule bodies outside the orchestration loop.
//
// A pool of workers consumes marshalable invocation requests; each
// invocation runs behind panic recovery with a hard per-invocation
// timeout. A worker whose rule overruns the timeout is written off and
// replaced immediately: the future resolves with *TimeoutError while
// the stuck body keeps the abandoned goroutine until it returns. A
// panicking rule resolves the future with *CrashedError and never
// touches the orchestrator's memory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/correlator/pkg/correlator/rule"
)

// Request is one rule invocation. All fields are marshalable so the
// request can cross a process boundary unchanged.
type Request struct {
	RuleName  string `json:"rule_name"`
	MessageID string `json:"idxmpp"`
	Payload   []byte `json:"xml"`
}

// ErrPoolStopped is returned when work is dispatched while the pool is
// not running. The dispatcher treats it as retryable.
var ErrPoolStopped = errors.New("runner: pool is stopped")

// TimeoutError reports a rule invocation exceeding the configured
// timeout. The worker that ran it has been replaced.
type TimeoutError struct {
	Rule    string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("runner: rule %s timed out after %s", e.Rule, e.Timeout)
}

// CrashedError reports a rule invocation that panicked.
type CrashedError struct {
	Rule  string
	Value any
	Stack string
}

// Error implements the error interface.
func (e *CrashedError) Error() string {
	return fmt.Sprintf("runner: rule %s crashed: %v", e.Rule, e.Value)
}

// Future resolves when the invocation completes, times out or crashes.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the invocation resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config bounds the pool.
type Config struct {
	// Min and Max bound the worker count.
	Min int
	Max int

	// MaxIdle is the number of idle workers kept above Min before
	// extra workers are reaped. Default: 20.
	MaxIdle int

	// Timeout bounds one invocation. Zero or negative disables it.
	Timeout time.Duration
}

// invocation pairs a request with its future.
type invocation struct {
	req    Request
	future *Future
}

// Pool executes rule invocations against a compiled DAG.
type Pool struct {
	cfg Config
	dag *rule.DAG
	api rule.API

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	jobs    chan *invocation
	workers int
	idle    int
	busy    int64 // atomic, read for utilization
}

// NewPool creates a stopped pool. Call Start once the bus connection
// is ready.
func NewPool(cfg Config, dag *rule.DAG, api rule.API) *Pool {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 20
	}
	return &Pool{
		cfg: cfg,
		dag: dag,
		api: api,
	}
}

// Start launches the minimum worker set. Safe to call after Stop.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.jobs = make(chan *invocation, p.cfg.Max)
	for i := 0; i < p.cfg.Min; i++ {
		p.spawnLocked()
	}
}

// Stop halts the pool. Queued invocations resolve ErrPoolStopped;
// invocations already running finish and resolve with their own
// result. The pool can be restarted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	jobs := p.jobs
	p.jobs = nil
	p.workers = 0
	p.idle = 0
	p.mu.Unlock()

	// Fail whatever is still queued so callers can re-enqueue.
	for {
		select {
		case inv := <-jobs:
			inv.future.complete(ErrPoolStopped)
		default:
			return
		}
	}
}

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Dispatch queues one invocation and returns its future.
func (p *Pool) Dispatch(req Request) (*Future, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	jobs, quit := p.jobs, p.quit
	// Grow toward Max when every worker is occupied.
	if p.idle == 0 && p.workers < p.cfg.Max {
		p.spawnLocked()
	}
	p.mu.Unlock()

	f := newFuture()
	select {
	case jobs <- &invocation{req: req, future: f}:
		return f, nil
	case <-quit:
		return nil, ErrPoolStopped
	}
}

// Utilization returns the busy fraction of the pool, 0 when stopped.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	if workers == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&p.busy)) / float64(workers)
}

// WorkerCount returns the current number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	p.workers++
	p.idle++
	go p.worker(p.quit, p.jobs)
}

// worker consumes invocations until the pool stops, the worker is
// reaped as excess idle capacity, or its rule overruns the timeout.
func (p *Pool) worker(quit chan struct{}, jobs chan *invocation) {
	for {
		select {
		case <-quit:
			return
		case inv := <-jobs:
			if !p.execute(quit, inv) {
				// Timed out: this worker is written off. A
				// replacement has already been spawned.
				return
			}
			if p.reapExcess() {
				return
			}
		}
	}
}

// execute runs one invocation. Returns false when the worker timed out
// and must exit once the stuck body returns.
func (p *Pool) execute(quit chan struct{}, inv *invocation) bool {
	p.mu.Lock()
	p.idle--
	p.mu.Unlock()
	atomic.AddInt64(&p.busy, 1)
	defer atomic.AddInt64(&p.busy, -1)

	ctx := context.Background()
	var cancel context.CancelFunc
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if p.cfg.Timeout > 0 {
		timer = time.AfterFunc(p.cfg.Timeout, func() {
			if timedOut.CompareAndSwap(false, true) {
				inv.future.complete(&TimeoutError{Rule: inv.req.RuleName, Timeout: p.cfg.Timeout})
				p.replaceWorker(quit)
			}
		})
	}

	err := p.invoke(ctx, inv.req)

	if timer != nil {
		timer.Stop()
	}
	if timedOut.Load() {
		return false
	}
	inv.future.complete(err)

	p.mu.Lock()
	p.idle++
	p.mu.Unlock()
	return true
}

// replaceWorker accounts for a written-off worker and spawns a
// replacement to stay at or above the minimum.
func (p *Pool) replaceWorker(quit chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.quit != quit {
		return
	}
	// The dead worker already left the idle count when it picked up
	// the invocation; the replacement starts idle.
	p.workers--
	p.spawnLocked()
}

// reapExcess exits this worker when idle capacity exceeds MaxIdle
// above the minimum.
func (p *Pool) reapExcess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers > p.cfg.Min && p.idle > p.cfg.MaxIdle {
		p.workers--
		p.idle--
		return true
	}
	return false
}

// invoke resolves and runs the rule behind panic recovery.
func (p *Pool) invoke(ctx context.Context, req Request) (err error) {
	rl, ok := p.dag.Rule(req.RuleName)
	if !ok {
		return fmt.Errorf("runner: unknown rule %s", req.RuleName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &CrashedError{
				Rule:  req.RuleName,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()

	return rl.Run(ctx, p.api, req.MessageID, req.Payload)
}
