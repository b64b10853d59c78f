package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
)

func TestFromConfig(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
default:
  max_total_tokens: 2048
  context_window: 4096
models:
  claude-sonnet:
    max_total_tokens: 100000
    context_window: 100000
    max_cost_per_request: 100
    price_per_unit: 0.01
  transcriber:
    unit: per_minute
    price_per_unit: 0.25
patterns:
  haiku:
    max_total_tokens: 8192
`))
	require.NoError(t, err)

	e := New(FromConfig(cfg)...)

	sonnet := e.ConfigFor("claude-sonnet")
	assert.Equal(t, 100000, sonnet.MaxTotalTokens)
	assert.Equal(t, 100000, sonnet.ContextWindow)
	assert.Equal(t, PerThousandTokens, sonnet.Unit)

	transcriber := e.ConfigFor("transcriber")
	assert.Equal(t, PerMinute, transcriber.Unit)
	assert.Equal(t, 0.25, transcriber.PricePerUnit)

	haiku := e.ConfigFor("claude-haiku-latest")
	assert.Equal(t, 8192, haiku.MaxTotalTokens)

	unknown := e.ConfigFor("mystery-model")
	assert.Equal(t, 2048, unknown.MaxTotalTokens)
	assert.Equal(t, 4096, unknown.ContextWindow)
}

func TestFromConfig_OmittedFieldsKeepDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
models:
  claude-sonnet:
    max_total_tokens: 50000
`))
	require.NoError(t, err)

	e := New(FromConfig(cfg)...)
	mc := e.ConfigFor("claude-sonnet")
	assert.Equal(t, 50000, mc.MaxTotalTokens)
	assert.Equal(t, DefaultModelConfig.ContextWindow, mc.ContextWindow)
	assert.Equal(t, DefaultModelConfig.MaxCostPerRequest, mc.MaxCostPerRequest)

	// Still enforces with the loaded caps.
	_, enforceErr := e.Enforce(context.Background(), "claude-sonnet", 60000, 0)
	var terr *TokenLimitError
	assert.ErrorAs(t, enforceErr, &terr)
}

func TestFromConfig_EmptySettings(t *testing.T) {
	e := New(FromConfig(config.New(nil))...)
	assert.Equal(t, DefaultModelConfig, e.ConfigFor("anything"))
}
