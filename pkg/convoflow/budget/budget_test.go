package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
)

func testConfig() ModelConfig {
	return ModelConfig{
		MaxTotalTokens:    10_000,
		ContextWindow:     8_000,
		MaxCostPerRequest: 1.00,
		PricePerUnit:      0.10,
		Unit:              PerThousandTokens,
	}
}

func TestEnforce_WithinLimits(t *testing.T) {
	e := New(WithModel("claude-sonnet", testConfig()))

	res, err := e.Enforce(context.Background(), "claude-sonnet", 1000, 2000)
	require.NoError(t, err)
	assert.True(t, res.WithinLimits)
	assert.Equal(t, 1000, res.EffectiveOutputTokens)
	// min(maxTotal, contextWindow) - requested output.
	assert.Equal(t, 7000, res.AvailableInputTokens)
	assert.InDelta(t, 0.30, res.EstimatedCost, 1e-9)
}

func TestEnforce_TokenCeilingFirst(t *testing.T) {
	e := New(WithModel("m", testConfig()))

	// Over every cap at once: the token error must win.
	_, err := e.Enforce(context.Background(), "m", 6000, 6000)
	var terr *TokenLimitError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 12000, terr.Requested)
	assert.Equal(t, cferrors.CategoryBudget, cferrors.Categorize(err))
}

func TestEnforce_CostCeilingIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCostPerRequest = 0.50 // 5000 tokens at 0.10/1K
	e := New(WithModel("m", cfg))

	// Under the token cap, over the cost cap.
	_, err := e.Enforce(context.Background(), "m", 3000, 3000)
	var cerr *CostLimitError
	require.ErrorAs(t, err, &cerr)
	assert.InDelta(t, 0.60, cerr.EstimatedCost, 1e-9)
}

func TestEnforce_ContextWindowLast(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCostPerRequest = 100 // keep cost from firing first
	e := New(WithModel("m", cfg))

	// Under token cap (10k), over context window (8k).
	_, err := e.Enforce(context.Background(), "m", 4000, 5000)
	var werr *ContextWindowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 9000, werr.Requested)
}

func TestEnforce_IndependentTriggers(t *testing.T) {
	cfg := ModelConfig{
		MaxTotalTokens:    1000,
		ContextWindow:     100_000,
		MaxCostPerRequest: 0.05,
		PricePerUnit:      0.10,
		Unit:              PerThousandTokens,
	}
	e := New(WithModel("m", cfg))

	// Past the token cap: always the token error.
	_, err := e.Enforce(context.Background(), "m", 600, 600)
	var terr *TokenLimitError
	assert.ErrorAs(t, err, &terr)

	// Under the token cap but past the cost cap: always the cost error.
	_, err = e.Enforce(context.Background(), "m", 400, 400)
	var cerr *CostLimitError
	assert.ErrorAs(t, err, &cerr)
}

func TestEnforce_UnknownModelUsesDefault(t *testing.T) {
	e := New()

	// Default cap is 4096 total tokens.
	_, err := e.Enforce(context.Background(), "mystery-model", 3000, 2000)
	var terr *TokenLimitError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, DefaultModelConfig.MaxTotalTokens, terr.Limit)
}

func TestConfigFor_SubstringPatternBeforeDefault(t *testing.T) {
	sonnet := testConfig()
	e := New(
		WithModel("claude-sonnet-4", sonnet),
		WithPattern("sonnet", ModelConfig{MaxTotalTokens: 5555, ContextWindow: 5555, MaxCostPerRequest: 1, PricePerUnit: 0.01}),
	)

	// Exact match wins over pattern.
	assert.Equal(t, sonnet.MaxTotalTokens, e.ConfigFor("claude-sonnet-4").MaxTotalTokens)
	// Pattern wins over default.
	assert.Equal(t, 5555, e.ConfigFor("claude-sonnet-5").MaxTotalTokens)
	// Otherwise the default.
	assert.Equal(t, DefaultModelConfig.MaxTotalTokens, e.ConfigFor("gpt-x").MaxTotalTokens)
}

func TestEnforce_AlertNotifiesWithoutBlocking(t *testing.T) {
	cfg := testConfig()
	cfg.AlertCostThreshold = 0.20
	var alerted []float64
	e := New(
		WithModel("m", cfg),
		WithAlertFunc(func(_ string, cost float64) { alerted = append(alerted, cost) }),
	)

	// Cost 0.30 crosses the alert threshold but not the 1.00 cap.
	res, err := e.Enforce(context.Background(), "m", 1000, 2000)
	require.NoError(t, err)
	assert.True(t, res.WithinLimits)
	require.Len(t, alerted, 1)
	assert.InDelta(t, 0.30, alerted[0], 1e-9)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name   string
		cfg    ModelConfig
		tokens int
		want   float64
	}{
		{"per 1k tokens", ModelConfig{PricePerUnit: 0.02, Unit: PerThousandTokens}, 5000, 0.10},
		{"per call flat", ModelConfig{PricePerUnit: 0.25, Unit: PerCall}, 99999, 0.25},
		{"per minute rounds up", ModelConfig{PricePerUnit: 0.40, Unit: PerMinute}, 4001, 0.80},
		{"per minute floor of one", ModelConfig{PricePerUnit: 0.40, Unit: PerMinute}, 10, 0.40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateCost(tt.cfg, tt.tokens), 1e-9)
		})
	}
}
