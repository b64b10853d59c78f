// Package observability provides structured logging, metrics, and tracing
// for convoflow: slog for logs, OpenTelemetry for metrics and traces.
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id, node_id, and conversation_id fields.
func EnrichLogger(logger *slog.Logger, runID, nodeID, conversationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("conversation_id", conversationID),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, runID, workflowID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("run_id", runID),
		slog.String("workflow_id", workflowID),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, nodeCount int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", nodeCount),
	)
}

// LogRunHalted logs a clean halt awaiting more input. Not an error.
func LogRunHalted(logger *slog.Logger, runID, nodeID, awaitingKey string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run halted awaiting input",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("awaiting", awaitingKey),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID, nodeType string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.String("node_type", nodeType),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogBuildComplete logs a finished prompt build.
func LogBuildComplete(logger *slog.Logger, modelID string, totalTokens int, truncated bool, cacheHit bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("prompt build completed",
		slog.String("model_id", modelID),
		slog.Int("total_tokens", totalTokens),
		slog.Bool("truncated", truncated),
		slog.Bool("cache_hit", cacheHit),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogBreakerTrip logs a circuit breaker trip.
func LogBreakerTrip(logger *slog.Logger, modelID, reason string, errorRate float64) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker tripped",
		slog.String("model_id", modelID),
		slog.String("reason", reason),
		slog.Float64("error_rate", errorRate),
	)
}

// LogBudgetRejection logs a rejected build due to budget limits.
func LogBudgetRejection(logger *slog.Logger, modelID, limit string, requested int) {
	if logger == nil {
		return
	}
	logger.Warn("budget limit exceeded",
		slog.String("model_id", modelID),
		slog.String("limit", limit),
		slog.Int("requested", requested),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
