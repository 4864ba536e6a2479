package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records correlator metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRuleExecution records a rule invocation with its duration and error status.
	RecordRuleExecution(ctx context.Context, ruleName string, duration time.Duration, err error)

	// RecordMessage records a message pipeline completion.
	RecordMessage(ctx context.Context, kind string, success bool, duration time.Duration)

	// RecordQueueDepth records the retry queue depth.
	RecordQueueDepth(ctx context.Context, depth int64)

	// RecordPoolUtilization records the busy fraction of the rule runner pool.
	RecordPoolUtilization(ctx context.Context, utilization float64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ruleExecutions  metric.Int64Counter
	ruleLatency     metric.Float64Histogram
	ruleErrors      metric.Int64Counter
	messages        metric.Int64Counter
	messageLatency  metric.Float64Histogram
	queueDepth      metric.Int64Gauge
	poolUtilization metric.Float64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("correlator")

	ruleExecutions, err := meter.Int64Counter("correlator.rule.executions",
		metric.WithDescription("Number of rule invocations"),
	)
	if err != nil {
		return nil, err
	}

	ruleLatency, err := meter.Float64Histogram("correlator.rule.latency_ms",
		metric.WithDescription("Rule invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	ruleErrors, err := meter.Int64Counter("correlator.rule.errors",
		metric.WithDescription("Number of rule failures (timeouts and crashes included)"),
	)
	if err != nil {
		return nil, err
	}

	messages, err := meter.Int64Counter("correlator.messages",
		metric.WithDescription("Number of processed messages"),
	)
	if err != nil {
		return nil, err
	}

	messageLatency, err := meter.Float64Histogram("correlator.message.latency_ms",
		metric.WithDescription("End-to-end message latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("correlator.queue.depth",
		metric.WithDescription("Retry queue depth"),
	)
	if err != nil {
		return nil, err
	}

	poolUtilization, err := meter.Float64Gauge("correlator.pool.utilization",
		metric.WithDescription("Busy fraction of the rule runner pool"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ruleExecutions:  ruleExecutions,
		ruleLatency:     ruleLatency,
		ruleErrors:      ruleErrors,
		messages:        messages,
		messageLatency:  messageLatency,
		queueDepth:      queueDepth,
		poolUtilization: poolUtilization,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordRuleExecution records a rule invocation.
func (m *otelMetrics) RecordRuleExecution(ctx context.Context, ruleName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("rule", ruleName),
	}

	m.ruleExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ruleLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.ruleErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordMessage records a message pipeline completion.
func (m *otelMetrics) RecordMessage(ctx context.Context, kind string, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.messageLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordQueueDepth records the retry queue depth.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

// RecordPoolUtilization records the busy fraction of the rule runner pool.
func (m *otelMetrics) RecordPoolUtilization(ctx context.Context, utilization float64) {
	m.poolUtilization.Record(ctx, utilization)
}
