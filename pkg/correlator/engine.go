package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/correlator/pkg/correlator/bus"
	"github.com/randalmurphal/correlator/pkg/correlator/config"
	"github.com/randalmurphal/correlator/pkg/correlator/correvent"
	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/observability"
	"github.com/randalmurphal/correlator/pkg/correlator/rule"
	"github.com/randalmurphal/correlator/pkg/correlator/runner"
)

// Engine is the top-level dispatcher. One Engine value owns the rule
// DAG, the runner pool, the gateway, the context store, the bus and
// the retry queue; there are no package-level globals.
type Engine struct {
	settings config.Settings
	dag      *rule.DAG
	pool     *runner.Pool
	gateway  *database.Gateway
	store    ctxstore.Store
	bus      bus.Bus
	manager  *correvent.Manager
	exec     *executor

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	// Retry queue: raw messages that failed transiently, FIFO.
	queueMu sync.Mutex
	queue   [][]byte

	// Timing windows for Stats, reset on read.
	statsMu     sync.Mutex
	ruleTimes   map[string][]float64
	correlTimes []float64

	drainQuit chan struct{}
	drainOnce sync.Once
}

// Options carries the engine's collaborators.
type Options struct {
	Registry *rule.Registry
	Gateway  *database.Gateway
	Store    ctxstore.Store
	Bus      bus.Bus
	Logger   *slog.Logger
	Metrics  observability.MetricsRecorder
	Spans    observability.SpanManager
}

// NewEngine compiles the rule DAG and assembles the engine.
// The pool is created stopped; Start wires the connection lifecycle.
func NewEngine(settings config.Settings, opts Options) (*Engine, error) {
	dag, err := opts.Registry.Compile()
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	if opts.Spans == nil {
		opts.Spans = observability.NoopSpanManager{}
	}

	e := &Engine{
		settings:  settings,
		dag:       dag,
		gateway:   opts.Gateway,
		store:     opts.Store,
		bus:       opts.Bus,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		spans:     opts.Spans,
		ruleTimes: make(map[string][]float64),
		drainQuit: make(chan struct{}),
	}
	e.pool = runner.NewPool(runner.Config{
		Min:     settings.MinRuleRunners,
		Max:     settings.MaxRuleRunners,
		MaxIdle: settings.RuleRunnersMaxIdle,
		Timeout: settings.RulesTimeout,
	}, dag, e)
	e.manager = correvent.NewManager(opts.Store, opts.Gateway, opts.Logger, int64(settings.DefaultPriority))
	e.exec = &executor{
		dag:    dag,
		pool:   e.pool,
		onRule: e.recordRuleTime,
	}
	return e, nil
}

// Context implements rule.API.
func (e *Engine) Context() ctxstore.Store { return e.store }

// Database implements rule.API.
func (e *Engine) Database() *database.Gateway { return e.gateway }

// Publish implements rule.API.
func (e *Engine) Publish(ctx context.Context, subject string, data []byte) error {
	return e.bus.Publish(ctx, subject, data)
}

// Start probes the database, wires the connection lifecycle and
// subscribes to the inbound subject. The startup probe failing is
// fatal: the caller must abort instead of looping on a dead database.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.gateway.Probe(ctx); err != nil {
		return err
	}

	e.bus.OnConnectionUp(e.connectionUp)
	e.bus.OnConnectionDown(e.connectionDown)
	if e.bus.Connected() {
		e.pool.Start()
	}

	if err := e.bus.Subscribe(e.settings.SubjectIn, func(data []byte) {
		e.Forward(data)
	}); err != nil {
		return err
	}

	go e.drainLoop()
	return nil
}

// Stop halts the pool and the drain loop. Queued retries stay in
// memory; the bus is the durable source of truth across restarts.
func (e *Engine) Stop() {
	e.drainOnce.Do(func() { close(e.drainQuit) })
	e.pool.Stop()
}

// connectionUp restarts the pool; draining resumes on its own since
// the drain loop checks connectivity every tick.
func (e *Engine) connectionUp() {
	e.logger.Info("bus connection ready, starting rule runners")
	e.pool.Start()
}

// connectionDown stops the pool; in-flight work resolves with
// retryable errors and lands back on the queue.
func (e *Engine) connectionDown() {
	e.logger.Info("bus connection lost, stopping rule runners")
	e.pool.Stop()
}

// Forward is the external entry point: process one raw bus item.
// Transient failures re-enqueue the raw message; permanent failures
// are logged against the message and swallowed so the message is
// acknowledged and can never poison the queue.
func (e *Engine) Forward(raw []byte) {
	ctx := context.Background()
	if err := e.process(ctx, raw); err != nil {
		if Transient(err) {
			observability.LogRequeue(e.logger, "", err)
			e.enqueue(raw)
			return
		}
		e.logger.Error("message processing failed",
			slog.String("error", err.Error()))
	}
}

// enqueue appends a raw message to the retry queue.
func (e *Engine) enqueue(raw []byte) {
	e.queueMu.Lock()
	e.queue = append(e.queue, raw)
	depth := len(e.queue)
	e.queueMu.Unlock()
	e.metrics.RecordQueueDepth(context.Background(), int64(depth))
}

// dequeue pops the oldest queued message.
func (e *Engine) dequeue() ([]byte, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	raw := e.queue[0]
	e.queue = e.queue[1:]
	return raw, true
}

// QueueDepth returns the current retry queue depth.
func (e *Engine) QueueDepth() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// drainLoop replays queued messages while the bus is connected.
// A message failing transiently again goes back to the tail and the
// loop waits for the next tick.
func (e *Engine) drainLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.drainQuit:
			return
		case <-ticker.C:
			for e.bus.Connected() && e.pool.Running() {
				raw, ok := e.dequeue()
				if !ok {
					break
				}
				if err := e.process(context.Background(), raw); err != nil {
					if Transient(err) {
						e.enqueue(raw)
					} else {
						e.logger.Error("queued message processing failed",
							slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

// recordRuleTime feeds the per-rule timing window and metrics.
func (e *Engine) recordRuleTime(name string, d time.Duration, err error) {
	e.metrics.RecordRuleExecution(context.Background(), name, d, err)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.ruleTimes[name] = append(e.ruleTimes[name], d.Seconds())
}

// recordCorrelTime feeds the total correlation timing window.
func (e *Engine) recordCorrelTime(d time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.correlTimes = append(e.correlTimes, d.Seconds())
}

// Stats is one metrics snapshot.
type Stats struct {
	// RuleAverages maps rule name to its average execution time in
	// seconds over the window since the previous snapshot.
	RuleAverages map[string]float64

	// TotalAverage is the average total correlation time in seconds
	// over the same window.
	TotalAverage float64

	// QueueDepth is the retry queue depth.
	QueueDepth int

	// PoolUtilization is the busy fraction of the rule runner pool.
	PoolUtilization float64
}

// GetStats returns a snapshot and resets the timing windows.
func (e *Engine) GetStats() Stats {
	e.statsMu.Lock()
	averages := make(map[string]float64, len(e.ruleTimes))
	for name, times := range e.ruleTimes {
		if len(times) == 0 {
			continue
		}
		var sum float64
		for _, t := range times {
			sum += t
		}
		averages[name] = round5(sum / float64(len(times)))
	}
	var total float64
	if len(e.correlTimes) > 0 {
		var sum float64
		for _, t := range e.correlTimes {
			sum += t
		}
		total = round5(sum / float64(len(e.correlTimes)))
	}
	e.ruleTimes = make(map[string][]float64)
	e.correlTimes = nil
	e.statsMu.Unlock()

	util := e.pool.Utilization()
	e.metrics.RecordPoolUtilization(context.Background(), util)

	return Stats{
		RuleAverages:    averages,
		TotalAverage:    total,
		QueueDepth:      e.QueueDepth(),
		PoolUtilization: util,
	}
}

// round5 rounds to 5 decimal places, enough for second-granularity
// averages in the stats endpoint.
func round5(v float64) float64 {
	return float64(int64(v*1e5+0.5)) / 1e5
}
