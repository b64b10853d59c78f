// Package budget enforces per-model token, cost, and context-window
// caps before a prompt is sent to a model.
//
// Checks run in a fixed order and the first violation determines the
// error kind: token ceiling, then cost ceiling, then context window.
// All violations are typed and classify as budget errors.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
)

// PricingUnit is how a model's per-unit price is applied.
type PricingUnit int

const (
	// PerThousandTokens prices by (input+output tokens)/1000.
	PerThousandTokens PricingUnit = iota
	// PerMinute prices by estimated processing minutes.
	PerMinute
	// PerCall prices a flat rate per request.
	PerCall
)

// approxTokensPerMinute converts token volume to processing minutes
// for per-minute pricing. Deliberately low so cost is overestimated.
const approxTokensPerMinute = 4000

// ModelConfig is the budget configuration for one model.
type ModelConfig struct {
	MaxTotalTokens    int
	ContextWindow     int
	MaxCostPerRequest float64
	PricePerUnit      float64
	Unit              PricingUnit
	// AlertCostThreshold, when above zero, triggers an operator
	// notification without blocking the request.
	AlertCostThreshold float64
}

// DefaultModelConfig is the conservative cap applied to unknown models.
var DefaultModelConfig = ModelConfig{
	MaxTotalTokens:    4096,
	ContextWindow:     8192,
	MaxCostPerRequest: 0.50,
	PricePerUnit:      0.01,
	Unit:              PerThousandTokens,
}

// Result is the outcome of a passing budget check. It is derived
// every call and never persisted.
type Result struct {
	EffectiveOutputTokens int
	AvailableInputTokens  int
	EstimatedCost         float64
	WithinLimits          bool
}

// TokenLimitError reports a request over the absolute token ceiling.
type TokenLimitError struct {
	ModelID   string
	Requested int
	Limit     int
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("model %s: requested %d tokens exceeds limit %d", e.ModelID, e.Requested, e.Limit)
}

// ErrorCategory implements errors.Classifier.
func (e *TokenLimitError) ErrorCategory() cferrors.Category { return cferrors.CategoryBudget }

// CostLimitError reports a request over the per-request cost ceiling.
type CostLimitError struct {
	ModelID       string
	EstimatedCost float64
	Limit         float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("model %s: estimated cost %.4f exceeds limit %.4f", e.ModelID, e.EstimatedCost, e.Limit)
}

// ErrorCategory implements errors.Classifier.
func (e *CostLimitError) ErrorCategory() cferrors.Category { return cferrors.CategoryBudget }

// ContextWindowError reports a request over the model context window.
type ContextWindowError struct {
	ModelID   string
	Requested int
	Window    int
}

func (e *ContextWindowError) Error() string {
	return fmt.Sprintf("model %s: requested %d tokens exceeds context window %d", e.ModelID, e.Requested, e.Window)
}

// ErrorCategory implements errors.Classifier.
func (e *ContextWindowError) ErrorCategory() cferrors.Category { return cferrors.CategoryBudget }

// PatternConfig applies a ModelConfig to any model id containing the
// substring. Patterns are a secondary lookup after exact model ids.
type PatternConfig struct {
	Substring string
	Config    ModelConfig
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger used for alert notifications.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger }
}

// WithMetrics sets the metrics recorder for rejection counters.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithModel registers an exact model id configuration.
func WithModel(modelID string, cfg ModelConfig) Option {
	return func(e *Enforcer) { e.models[modelID] = cfg }
}

// WithPattern registers a substring pattern configuration.
func WithPattern(substring string, cfg ModelConfig) Option {
	return func(e *Enforcer) {
		e.patterns = append(e.patterns, PatternConfig{Substring: substring, Config: cfg})
	}
}

// WithDefault overrides the conservative default configuration.
func WithDefault(cfg ModelConfig) Option {
	return func(e *Enforcer) { e.fallback = cfg }
}

// WithAlertFunc sets the operator notification hook for the emergency
// cost threshold. Notification never blocks enforcement.
func WithAlertFunc(fn func(modelID string, estimatedCost float64)) Option {
	return func(e *Enforcer) { e.alert = fn }
}

// Enforcer checks requests against per-model budgets. Safe for
// concurrent use after construction.
type Enforcer struct {
	models   map[string]ModelConfig
	patterns []PatternConfig
	fallback ModelConfig
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	alert    func(modelID string, estimatedCost float64)
}

// New creates an Enforcer with the given options.
func New(opts ...Option) *Enforcer {
	e := &Enforcer{
		models:   make(map[string]ModelConfig),
		fallback: DefaultModelConfig,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConfigFor returns the effective configuration for a model id:
// exact match, then first substring pattern, then the default.
func (e *Enforcer) ConfigFor(modelID string) ModelConfig {
	if cfg, ok := e.models[modelID]; ok {
		return cfg
	}
	for _, p := range e.patterns {
		if strings.Contains(modelID, p.Substring) {
			return p.Config
		}
	}
	return e.fallback
}

// Enforce checks a request against the model's caps. The first
// violated check determines the returned error.
func (e *Enforcer) Enforce(ctx context.Context, modelID string, requestedOutputTokens, inputTokens int) (*Result, error) {
	cfg := e.ConfigFor(modelID)
	total := inputTokens + requestedOutputTokens
	cost := EstimateCost(cfg, total)

	if cfg.AlertCostThreshold > 0 && cost >= cfg.AlertCostThreshold {
		e.logger.Warn("estimated cost crossed emergency alert threshold",
			"model_id", modelID,
			"estimated_cost", cost,
			"threshold", cfg.AlertCostThreshold)
		if e.alert != nil {
			e.alert(modelID, cost)
		}
	}

	if total > cfg.MaxTotalTokens {
		e.reject(ctx, modelID, "tokens", total)
		return nil, &TokenLimitError{ModelID: modelID, Requested: total, Limit: cfg.MaxTotalTokens}
	}
	if cost > cfg.MaxCostPerRequest {
		e.reject(ctx, modelID, "cost", total)
		return nil, &CostLimitError{ModelID: modelID, EstimatedCost: cost, Limit: cfg.MaxCostPerRequest}
	}
	if total > cfg.ContextWindow {
		e.reject(ctx, modelID, "context_window", total)
		return nil, &ContextWindowError{ModelID: modelID, Requested: total, Window: cfg.ContextWindow}
	}

	available := min(cfg.MaxTotalTokens, cfg.ContextWindow) - requestedOutputTokens
	if available < 0 {
		available = 0
	}
	return &Result{
		EffectiveOutputTokens: requestedOutputTokens,
		AvailableInputTokens:  available,
		EstimatedCost:         cost,
		WithinLimits:          true,
	}, nil
}

func (e *Enforcer) reject(ctx context.Context, modelID, limit string, requested int) {
	observability.LogBudgetRejection(e.logger, modelID, limit, requested)
	e.metrics.RecordBudgetRejection(ctx, modelID, limit)
}

// EstimateCost computes the request cost for a config and token total.
func EstimateCost(cfg ModelConfig, totalTokens int) float64 {
	switch cfg.Unit {
	case PerMinute:
		minutes := math.Ceil(float64(totalTokens) / approxTokensPerMinute)
		if minutes < 1 {
			minutes = 1
		}
		return cfg.PricePerUnit * minutes
	case PerCall:
		return cfg.PricePerUnit
	default:
		return cfg.PricePerUnit * float64(totalTokens) / 1000
	}
}
