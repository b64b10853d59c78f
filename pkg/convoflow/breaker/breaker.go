// Package breaker gates model calls on per-model health.
//
// A model is either closed (healthy) or open (disabled). Automatic
// trips require both an error rate over the threshold and a minimum
// request count in the window; once tripped the model stays disabled
// until a manual reset. Store failures never block model calls: the
// breaker fails open.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

// Defaults for lazily created breaker state.
const (
	DefaultErrorThreshold = 0.5
	DefaultTimeWindow     = 5 * time.Minute
	DefaultMinRequests    = 10
)

// Audit actions recorded by the breaker.
const (
	ActionTrip   = "breaker_trip"
	ActionReset  = "breaker_reset"
	ActionManual = "breaker_manual_trip"
)

// Health is the result of a health check.
type Health struct {
	Healthy      bool
	Reason       string
	ErrorRate    float64
	RequestCount int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithMetrics sets the metrics recorder for trip counters.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithDefaults overrides the lazily created state defaults.
func WithDefaults(errorThreshold float64, window time.Duration, minRequests int) Option {
	return func(b *Breaker) {
		b.errorThreshold = errorThreshold
		b.window = window
		b.minRequests = minRequests
	}
}

// Breaker evaluates and mutates per-model health state. The persisted
// state is shared across process instances; last-write-wins on
// concurrent updates is acceptable.
type Breaker struct {
	records        store.Client
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	now            func() time.Time
	errorThreshold float64
	window         time.Duration
	minRequests    int
}

// New creates a Breaker over the given record store.
func New(records store.Client, opts ...Option) *Breaker {
	b := &Breaker{
		records:        records,
		logger:         slog.Default(),
		metrics:        observability.NoopMetrics{},
		now:            time.Now,
		errorThreshold: DefaultErrorThreshold,
		window:         DefaultTimeWindow,
		minRequests:    DefaultMinRequests,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CheckHealth reports whether a model may be called. The manual
// disabled flag is checked before automatic evaluation. Any store
// error fails open: the model is reported healthy and the error is
// logged.
func (b *Breaker) CheckHealth(ctx context.Context, modelID string) Health {
	state, err := b.loadOrCreate(ctx, modelID)
	if err != nil {
		b.logger.Warn("breaker state unavailable, failing open",
			"model_id", modelID,
			"error", err)
		return Health{Healthy: true}
	}

	if state.Disabled {
		return Health{Healthy: false, Reason: state.Reason}
	}

	stats, err := b.records.ModelCallStats(ctx, modelID, b.now().Add(-state.TimeWindow))
	if err != nil {
		b.logger.Warn("model call stats unavailable, failing open",
			"model_id", modelID,
			"error", err)
		return Health{Healthy: true}
	}

	rate := stats.ErrorRate()
	if stats.Requests >= state.MinRequests && rate > state.ErrorThreshold {
		reason := fmt.Sprintf("error rate %.2f over %s (%d requests)",
			rate, state.TimeWindow, stats.Requests)
		b.trip(ctx, state, reason, "auto", false)
		return Health{Healthy: false, Reason: reason, ErrorRate: rate, RequestCount: stats.Requests}
	}

	return Health{Healthy: true, ErrorRate: rate, RequestCount: stats.Requests}
}

// loadOrCreate fetches the breaker state, creating it with defaults
// on first use. State is never deleted once created.
func (b *Breaker) loadOrCreate(ctx context.Context, modelID string) (*store.BreakerState, error) {
	state, err := b.records.GetBreakerState(ctx, modelID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	state = &store.BreakerState{
		ModelID:        modelID,
		ErrorThreshold: b.errorThreshold,
		TimeWindow:     b.window,
		MinRequests:    b.minRequests,
	}
	if err := b.records.PutBreakerState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// trip persists the open state and records an audit entry. Audit
// failures are logged, never escalated.
func (b *Breaker) trip(ctx context.Context, state *store.BreakerState, reason, actor string, manual bool) {
	now := b.now().UTC()
	state.Disabled = true
	state.Reason = reason
	state.LastTripped = &now
	state.UpdatedBy = actor

	if err := b.records.PutBreakerState(ctx, state); err != nil {
		b.logger.Error("failed to persist breaker trip",
			"model_id", state.ModelID,
			"error", err)
		return
	}

	observability.LogBreakerTrip(b.logger, state.ModelID, reason, 0)
	b.metrics.RecordBreakerTrip(ctx, state.ModelID, manual)
	action := ActionTrip
	if manual {
		action = ActionManual
	}
	b.audit(ctx, action, state.ModelID, reason, actor)
}

// Trip manually disables a model.
func (b *Breaker) Trip(ctx context.Context, modelID, reason, actor string) error {
	state, err := b.loadOrCreate(ctx, modelID)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}
	b.trip(ctx, state, reason, actor, true)
	return nil
}

// Reset re-enables a model. This is the only recovery path after an
// automatic trip.
func (b *Breaker) Reset(ctx context.Context, modelID, actor string) error {
	state, err := b.loadOrCreate(ctx, modelID)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}

	state.Disabled = false
	state.Reason = ""
	state.UpdatedBy = actor
	if err := b.records.PutBreakerState(ctx, state); err != nil {
		return fmt.Errorf("persist breaker reset: %w", err)
	}

	b.logger.Info("circuit breaker reset",
		"model_id", modelID,
		"actor", actor)
	b.audit(ctx, ActionReset, modelID, "", actor)
	return nil
}

// RecordCall records one model call outcome best-effort; a failed
// write is logged and never propagated.
func (b *Breaker) RecordCall(ctx context.Context, modelID string, success bool) {
	if err := b.records.RecordModelCall(ctx, modelID, success, b.now()); err != nil {
		b.logger.Warn("failed to record model call outcome",
			"model_id", modelID,
			"error", err)
	}
}

func (b *Breaker) audit(ctx context.Context, action, modelID, detail, actor string) {
	err := b.records.AppendAudit(ctx, store.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		ModelID:   modelID,
		Detail:    detail,
		Actor:     actor,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		b.logger.Warn("failed to record audit entry",
			"action", action,
			"model_id", modelID,
			"error", err)
	}
}
