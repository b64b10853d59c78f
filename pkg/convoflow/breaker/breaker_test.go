package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

func TestCheckHealth_LazyDefaultState(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	b := New(records)

	h := b.CheckHealth(ctx, "claude-sonnet")
	assert.True(t, h.Healthy)

	state, err := records.GetBreakerState(ctx, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, DefaultErrorThreshold, state.ErrorThreshold)
	assert.Equal(t, DefaultTimeWindow, state.TimeWindow)
	assert.Equal(t, DefaultMinRequests, state.MinRequests)
	assert.False(t, state.Disabled)
}

// wrappingClient decorates missing-state errors the way a remote
// backend would, wrapping the sentinel instead of returning it bare.
type wrappingClient struct {
	store.Client
}

func (c *wrappingClient) GetBreakerState(ctx context.Context, modelID string) (*store.BreakerState, error) {
	state, err := c.Client.GetBreakerState(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("breaker state %s: %w", modelID, err)
	}
	return state, nil
}

func TestCheckHealth_WrappedNotFoundStillCreatesDefaults(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	b := New(&wrappingClient{Client: records})

	h := b.CheckHealth(ctx, "claude-sonnet")
	assert.True(t, h.Healthy)

	state, err := records.GetBreakerState(ctx, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, DefaultErrorThreshold, state.ErrorThreshold)
}

func TestCheckHealth_ManualOverrideFirst(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	require.NoError(t, records.PutBreakerState(ctx, &store.BreakerState{
		ModelID:        "claude-sonnet",
		Disabled:       true,
		Reason:         "maintenance window",
		ErrorThreshold: DefaultErrorThreshold,
		TimeWindow:     DefaultTimeWindow,
		MinRequests:    DefaultMinRequests,
	}))

	b := New(records)
	h := b.CheckHealth(ctx, "claude-sonnet")
	assert.False(t, h.Healthy)
	assert.Equal(t, "maintenance window", h.Reason)
}

func TestCheckHealth_AutoTrip(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	now := time.Unix(10_000, 0)
	b := New(records, WithClock(func() time.Time { return now }))

	// 10 requests in the window, 8 failures: rate 0.8 > 0.5.
	for i := 0; i < 10; i++ {
		success := i >= 8
		require.NoError(t, records.RecordModelCall(ctx, "m", success, now.Add(-time.Minute)))
	}

	h := b.CheckHealth(ctx, "m")
	assert.False(t, h.Healthy)
	assert.InDelta(t, 0.8, h.ErrorRate, 1e-9)
	assert.Equal(t, 10, h.RequestCount)
	assert.NotEmpty(t, h.Reason)

	// Trip is persisted with reason and timestamp.
	state, err := records.GetBreakerState(ctx, "m")
	require.NoError(t, err)
	assert.True(t, state.Disabled)
	require.NotNil(t, state.LastTripped)

	// And audited.
	entries, err := records.ListAudit(ctx, "m", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionTrip, entries[0].Action)
}

func TestCheckHealth_MinRequestsGuards(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	now := time.Unix(10_000, 0)
	b := New(records, WithClock(func() time.Time { return now }))

	// A single failure in a near-empty window must not trip.
	require.NoError(t, records.RecordModelCall(ctx, "m", false, now.Add(-time.Minute)))

	h := b.CheckHealth(ctx, "m")
	assert.True(t, h.Healthy)
	assert.InDelta(t, 1.0, h.ErrorRate, 1e-9)
	assert.Equal(t, 1, h.RequestCount)
}

func TestCheckHealth_OldCallsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	now := time.Unix(100_000, 0)
	b := New(records, WithClock(func() time.Time { return now }))

	// Plenty of failures, all older than the window.
	for i := 0; i < 20; i++ {
		require.NoError(t, records.RecordModelCall(ctx, "m", false, now.Add(-time.Hour)))
	}

	h := b.CheckHealth(ctx, "m")
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.RequestCount)
}

func TestCheckHealth_FailsOpenOnStoreError(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	records.Fail = errors.New("store down")

	b := New(records)
	h := b.CheckHealth(ctx, "m")
	assert.True(t, h.Healthy, "store outage must not block model calls")
}

func TestCheckHealth_NoAutoRecovery(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	now := time.Unix(10_000, 0)
	b := New(records, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		require.NoError(t, records.RecordModelCall(ctx, "m", false, now.Add(-time.Minute)))
	}
	assert.False(t, b.CheckHealth(ctx, "m").Healthy)

	// Long after the bad window has aged out, the model stays open.
	now = now.Add(24 * time.Hour)
	assert.False(t, b.CheckHealth(ctx, "m").Healthy)
}

func TestTripAndReset(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	b := New(records)

	require.NoError(t, b.Trip(ctx, "m", "known bad deploy", "ops"))
	h := b.CheckHealth(ctx, "m")
	assert.False(t, h.Healthy)
	assert.Equal(t, "known bad deploy", h.Reason)

	require.NoError(t, b.Reset(ctx, "m", "ops"))
	assert.True(t, b.CheckHealth(ctx, "m").Healthy)

	entries, err := records.ListAudit(ctx, "m", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionManual, entries[0].Action)
	assert.Equal(t, ActionReset, entries[1].Action)
}

func TestRecordCall_BestEffort(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	b := New(records)

	b.RecordCall(ctx, "m", true)
	b.RecordCall(ctx, "m", false)

	stats, err := records.ModelCallStats(ctx, "m", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Requests)
	assert.Equal(t, 1, stats.Failures)

	// Write failures are swallowed.
	records.Fail = errors.New("down")
	b.RecordCall(ctx, "m", true)
}
