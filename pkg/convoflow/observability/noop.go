package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordNodeExecution does nothing.
func (NoopMetrics) RecordNodeExecution(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordRun does nothing.
func (NoopMetrics) RecordRun(_ context.Context, _ string, _ time.Duration) {}

// RecordBuild does nothing.
func (NoopMetrics) RecordBuild(_ context.Context, _ string, _ time.Duration, _ int64, _ error) {}

// RecordTruncation does nothing.
func (NoopMetrics) RecordTruncation(_ context.Context, _ int64) {}

// RecordBudgetRejection does nothing.
func (NoopMetrics) RecordBudgetRejection(_ context.Context, _, _ string) {}

// RecordBreakerTrip does nothing.
func (NoopMetrics) RecordBreakerTrip(_ context.Context, _ string, _ bool) {}

// RecordCacheLookup does nothing.
func (NoopMetrics) RecordCacheLookup(_ context.Context, _ bool) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartRunSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartNodeSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartNodeSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartBuildSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartBuildSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
