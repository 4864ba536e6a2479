// Package observability provides structured logging and metrics for the
// correlator: slog-based log helpers and OpenTelemetry instruments.
//
// All helpers are nil-safe: passing a nil logger turns them into no-ops,
// and a no-op metrics recorder is returned when initialization fails.
package observability

import (
	"log/slog"
)

// EnrichLogger adds correlation context to a logger.
// Returns a new logger with msg_id and supitem fields.
func EnrichLogger(logger *slog.Logger, msgID string, idsupitem int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("msg_id", msgID),
		slog.Int64("supitem", idsupitem),
	)
}

// LogMessageStart logs the start of a message pipeline.
func LogMessageStart(logger *slog.Logger, msgID string, kind string) {
	if logger == nil {
		return
	}
	logger.Debug("message pipeline starting",
		slog.String("msg_id", msgID),
		slog.String("kind", kind),
	)
}

// LogMessageComplete logs successful pipeline completion.
func LogMessageComplete(logger *slog.Logger, msgID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("message pipeline completed",
		slog.String("msg_id", msgID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogMessageDropped logs an invalid message being discarded.
func LogMessageDropped(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Error("dropping invalid message",
		slog.String("reason", reason),
	)
}

// LogRequeue logs a message going back to the retry queue.
func LogRequeue(logger *slog.Logger, msgID string, cause error) {
	if logger == nil {
		return
	}
	logger.Info("transient failure, message will be handled once more",
		slog.String("msg_id", msgID),
		slog.String("error", cause.Error()),
	)
}

// LogRuleStart logs a rule invocation.
func LogRuleStart(logger *slog.Logger, ruleName, msgID string) {
	if logger == nil {
		return
	}
	logger.Debug("rule starting",
		slog.String("rule", ruleName),
		slog.String("msg_id", msgID),
	)
}

// LogRuleComplete logs successful rule completion.
func LogRuleComplete(logger *slog.Logger, ruleName, msgID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("rule completed",
		slog.String("rule", ruleName),
		slog.String("msg_id", msgID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRuleError logs a rule failure. The DAG keeps running afterwards
// unless the rule is mandatory, so this is an ERROR without propagation.
func LogRuleError(logger *slog.Logger, ruleName, msgID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("rule failed",
		slog.String("rule", ruleName),
		slog.String("msg_id", msgID),
		slog.String("error", err.Error()),
	)
}

// LogOldState logs a stale state being ignored.
func LogOldState(logger *slog.Logger, host, service string, current, received int64) {
	if logger == nil {
		return
	}
	logger.Debug("ignoring old state",
		slog.String("host", host),
		slog.String("service", service),
		slog.Int64("current", current),
		slog.Int64("received", received),
	)
}

// LogAggregate logs a correvent transition.
func LogAggregate(logger *slog.Logger, action string, idcorrevent int64, idsupitem int64) {
	if logger == nil {
		return
	}
	logger.Info("correvent transition",
		slog.String("action", action),
		slog.Int64("correvent", idcorrevent),
		slog.Int64("supitem", idsupitem),
	)
}
