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

// MetricsRecorder records convoflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records a node execution with its duration and error status.
	RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error)

	// RecordRun records a workflow run completion.
	// status is "completed", "halted", or "failed".
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordBuild records a prompt build.
	RecordBuild(ctx context.Context, modelID string, duration time.Duration, totalTokens int64, err error)

	// RecordTruncation records dropped conversation turns.
	RecordTruncation(ctx context.Context, droppedTurns int64)

	// RecordBudgetRejection records a build rejected by the budget enforcer.
	RecordBudgetRejection(ctx context.Context, modelID, limit string)

	// RecordBreakerTrip records a circuit breaker trip.
	RecordBreakerTrip(ctx context.Context, modelID string, manual bool)

	// RecordCacheLookup records a pointer cache hit or miss.
	RecordCacheLookup(ctx context.Context, hit bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	nodeExecutions   metric.Int64Counter
	nodeLatency      metric.Float64Histogram
	nodeErrors       metric.Int64Counter
	runs             metric.Int64Counter
	runLatency       metric.Float64Histogram
	builds           metric.Int64Counter
	buildLatency     metric.Float64Histogram
	buildTokens      metric.Int64Histogram
	truncatedTurns   metric.Int64Counter
	budgetRejections metric.Int64Counter
	breakerTrips     metric.Int64Counter
	cacheLookups     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("convoflow")

	nodeExecutions, err := meter.Int64Counter("convoflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeLatency, err := meter.Float64Histogram("convoflow.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("convoflow.node.errors",
		metric.WithDescription("Number of node execution errors"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("convoflow.run.total",
		metric.WithDescription("Number of workflow runs by status"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("convoflow.run.latency_ms",
		metric.WithDescription("Workflow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	builds, err := meter.Int64Counter("convoflow.build.total",
		metric.WithDescription("Number of prompt builds"),
	)
	if err != nil {
		return nil, err
	}

	buildLatency, err := meter.Float64Histogram("convoflow.build.latency_ms",
		metric.WithDescription("Prompt build latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	buildTokens, err := meter.Int64Histogram("convoflow.build.tokens",
		metric.WithDescription("Total tokens per built prompt"),
	)
	if err != nil {
		return nil, err
	}

	truncatedTurns, err := meter.Int64Counter("convoflow.truncation.dropped_turns",
		metric.WithDescription("Conversation turns dropped by truncation"),
	)
	if err != nil {
		return nil, err
	}

	budgetRejections, err := meter.Int64Counter("convoflow.budget.rejections",
		metric.WithDescription("Prompt builds rejected by budget limits"),
	)
	if err != nil {
		return nil, err
	}

	breakerTrips, err := meter.Int64Counter("convoflow.breaker.trips",
		metric.WithDescription("Circuit breaker trips"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter("convoflow.pointer.cache_lookups",
		metric.WithDescription("Pointer cache lookups by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		nodeExecutions:   nodeExecutions,
		nodeLatency:      nodeLatency,
		nodeErrors:       nodeErrors,
		runs:             runs,
		runLatency:       runLatency,
		builds:           builds,
		buildLatency:     buildLatency,
		buildTokens:      buildTokens,
		truncatedTurns:   truncatedTurns,
		budgetRejections: budgetRejections,
		breakerTrips:     breakerTrips,
		cacheLookups:     cacheLookups,
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

// RecordNodeExecution records a node execution.
func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("node_id", nodeID),
	}

	m.nodeExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.nodeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRun records a workflow run.
func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordBuild records a prompt build.
func (m *otelMetrics) RecordBuild(ctx context.Context, modelID string, duration time.Duration, totalTokens int64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("model_id", modelID),
		attribute.Bool("success", err == nil),
	}
	m.builds.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.buildLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err == nil {
		m.buildTokens.Record(ctx, totalTokens, metric.WithAttributes(attribute.String("model_id", modelID)))
	}
}

// RecordTruncation records dropped turns.
func (m *otelMetrics) RecordTruncation(ctx context.Context, droppedTurns int64) {
	m.truncatedTurns.Add(ctx, droppedTurns)
}

// RecordBudgetRejection records a budget rejection.
func (m *otelMetrics) RecordBudgetRejection(ctx context.Context, modelID, limit string) {
	m.budgetRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model_id", modelID),
		attribute.String("limit", limit),
	))
}

// RecordBreakerTrip records a breaker trip.
func (m *otelMetrics) RecordBreakerTrip(ctx context.Context, modelID string, manual bool) {
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model_id", modelID),
		attribute.Bool("manual", manual),
	))
}

// RecordCacheLookup records a pointer cache lookup.
func (m *otelMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("hit", hit),
	))
}
