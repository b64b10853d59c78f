package budget

import (
	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
)

// FromConfig builds enforcer options from a settings map, typically
// loaded with config.FromFile. Layout:
//
//	default:
//	  max_total_tokens: 4096
//	  context_window: 8192
//	  max_cost_per_request: 0.5
//	models:
//	  claude-sonnet:
//	    max_total_tokens: 100000
//	    context_window: 100000
//	    price_per_unit: 0.01
//	    unit: per_thousand_tokens
//	patterns:
//	  haiku:
//	    max_total_tokens: 8192
//
// Omitted fields keep the conservative defaults; an unknown unit name
// keeps per-thousand-tokens pricing.
func FromConfig(cfg config.Config) []Option {
	var opts []Option
	if cfg.Has("default") {
		opts = append(opts, WithDefault(modelConfigFrom(cfg.Map("default"))))
	}
	for modelID, raw := range cfg.Map("models").Raw() {
		if m, ok := raw.(map[string]any); ok {
			opts = append(opts, WithModel(modelID, modelConfigFrom(config.New(m))))
		}
	}
	for substring, raw := range cfg.Map("patterns").Raw() {
		if m, ok := raw.(map[string]any); ok {
			opts = append(opts, WithPattern(substring, modelConfigFrom(config.New(m))))
		}
	}
	return opts
}

func modelConfigFrom(c config.Config) ModelConfig {
	mc := DefaultModelConfig
	mc.MaxTotalTokens = c.Int("max_total_tokens", mc.MaxTotalTokens)
	mc.ContextWindow = c.Int("context_window", mc.ContextWindow)
	mc.MaxCostPerRequest = c.Float("max_cost_per_request", mc.MaxCostPerRequest)
	mc.PricePerUnit = c.Float("price_per_unit", mc.PricePerUnit)
	mc.AlertCostThreshold = c.Float("alert_cost_threshold", mc.AlertCostThreshold)
	switch c.String("unit", "") {
	case "per_minute":
		mc.Unit = PerMinute
	case "per_call":
		mc.Unit = PerCall
	}
	return mc
}
