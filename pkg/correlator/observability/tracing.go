package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the correlator tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("correlator")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartMessageSpan starts a span for one message pipeline.
	// Returns the context with span and the span itself.
	StartMessageSpan(ctx context.Context, msgID, kind string) (context.Context, trace.Span)

	// StartRuleSpan starts a span for a rule invocation.
	// The rule span should be a child of the message span.
	StartRuleSpan(ctx context.Context, ruleName string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartMessageSpan starts a span for one message pipeline.
func (m *otelSpanManager) StartMessageSpan(ctx context.Context, msgID, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "correlator.message",
		trace.WithAttributes(
			attribute.String("msg.id", msgID),
			attribute.String("msg.kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartRuleSpan starts a span for a rule invocation.
func (m *otelSpanManager) StartRuleSpan(ctx context.Context, ruleName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "correlator.rule."+ruleName,
		trace.WithAttributes(
			attribute.String("rule.name", ruleName),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
