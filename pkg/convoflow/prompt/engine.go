// Package prompt composes pointer resolution, content retrieval,
// interpolation, PII scrubbing, budget enforcement, and truncation
// into a single BuildPrompt operation producing provider-agnostic
// messages plus build metadata.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/breaker"
	"github.com/randalmurphal/convoflow/pkg/convoflow/budget"
	"github.com/randalmurphal/convoflow/pkg/convoflow/content"
	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
	"github.com/randalmurphal/convoflow/pkg/convoflow/interp"
	"github.com/randalmurphal/convoflow/pkg/convoflow/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"github.com/randalmurphal/convoflow/pkg/convoflow/pii"
	"github.com/randalmurphal/convoflow/pkg/convoflow/pointer"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
	"github.com/randalmurphal/convoflow/pkg/convoflow/telemetry"
	"github.com/randalmurphal/convoflow/pkg/convoflow/tokens"
)

// Output formats.
const (
	FormatJSON     = "json"
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// Gate paths recorded in build metadata.
const (
	GateVersionedBase  = "versioned_base"
	GateStepPrompt     = "step_prompt"
	GateMinimalDefault = "minimal_default"
)

// MinimalSystemPrompt is used when no step prompt or base prompt is
// available on the plain-text path.
const MinimalSystemPrompt = "You are a helpful assistant."

// DefaultOutputTokens is the output reservation when the build config
// does not specify one.
const DefaultOutputTokens = 1024

// ModelDisabledError reports a build aborted by the circuit breaker.
type ModelDisabledError struct {
	ModelID string
	Reason  string
}

func (e *ModelDisabledError) Error() string {
	return fmt.Sprintf("model %s is disabled: %s", e.ModelID, e.Reason)
}

// ErrorCategory implements errors.Classifier. A disabled model may be
// reset at any time, so callers may retry later.
func (e *ModelDisabledError) ErrorCategory() cferrors.Category {
	return cferrors.CategoryTransient
}

// BuildConfig is the input to one prompt build.
type BuildConfig struct {
	ConversationID string
	TenantID       string
	WorkflowID     string
	ModelID        string

	// OutputFormat selects the gate path: FormatJSON consults the
	// versioned base prompt, anything else skips pointer resolution.
	OutputFormat string

	// StepPrompt is the node-supplied prompt, if any.
	StepPrompt string

	// UserInput is the current user turn, appended last.
	UserInput string

	// Variables feed template interpolation.
	Variables map[string]any

	// RequestedOutputTokens reserves output room; zero means
	// DefaultOutputTokens.
	RequestedOutputTokens int
}

// BuildMetadata describes everything needed to audit one build.
type BuildMetadata struct {
	TotalTokens        int
	ContextUtilization float64 // percent of the model context window
	Truncated          bool
	DroppedTurns       int
	PromptVersionID    string // "none" when no versioned prompt was used
	CacheHit           bool
	PIIDetected        bool
	IntegrityVerified  bool
	EstimatedCost      float64
	GatePath           string
}

// BuildResult is the output of BuildPrompt.
type BuildResult struct {
	Messages []llm.Message
	Metadata BuildMetadata
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTelemetry sets the fire-and-forget event sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithSpans enables distributed tracing for builds.
func WithSpans(m observability.SpanManager) Option {
	return func(e *Engine) { e.spans = m }
}

// WithInterpolator overrides the template interpolator.
func WithInterpolator(i *interp.Interpolator) Option {
	return func(e *Engine) { e.interp = i }
}

// WithClock sets the time source for build timing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine builds prompts. Safe for concurrent use after construction.
type Engine struct {
	records  store.Client
	resolver *pointer.Resolver
	contents *content.Store
	enforcer *budget.Enforcer
	health   *breaker.Breaker
	interp   *interp.Interpolator
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	sink     telemetry.Sink
	now      func() time.Time
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(
	records store.Client,
	resolver *pointer.Resolver,
	contents *content.Store,
	enforcer *budget.Enforcer,
	health *breaker.Breaker,
	opts ...Option,
) *Engine {
	e := &Engine{
		records:  records,
		resolver: resolver,
		contents: contents,
		enforcer: enforcer,
		health:   health,
		interp:   interp.New(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		sink:     telemetry.NoopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildPrompt runs the full build pipeline: breaker check, output
// format gate, pointer resolution, integrity verification, content
// retrieval, interpolation, PII scrubbing, memory load, segment
// assembly, budget enforcement, truncation, and message formatting.
func (e *Engine) BuildPrompt(ctx context.Context, cfg BuildConfig) (*BuildResult, error) {
	ctx, span := e.spans.StartBuildSpan(ctx, cfg.ModelID)
	start := e.now()
	result, err := e.build(ctx, cfg)
	duration := e.now().Sub(start)
	e.spans.EndSpanWithError(span, err)

	totalTokens := int64(0)
	if result != nil {
		totalTokens = int64(result.Metadata.TotalTokens)
	}
	e.metrics.RecordBuild(ctx, cfg.ModelID, duration, totalTokens, err)
	if err == nil {
		observability.LogBuildComplete(e.logger, cfg.ModelID,
			result.Metadata.TotalTokens, result.Metadata.Truncated,
			result.Metadata.CacheHit, float64(duration.Milliseconds()))
		e.sink.Record(telemetry.NewEvent("prompt.build", map[string]any{
			"model_id":     cfg.ModelID,
			"total_tokens": result.Metadata.TotalTokens,
			"gate_path":    result.Metadata.GatePath,
			"truncated":    result.Metadata.Truncated,
		}))
	}
	return result, err
}

func (e *Engine) build(ctx context.Context, cfg BuildConfig) (*BuildResult, error) {
	if cfg.ModelID == "" {
		return nil, cferrors.Validation(fmt.Errorf("model id is required"), "build prompt")
	}
	if cfg.RequestedOutputTokens <= 0 {
		cfg.RequestedOutputTokens = DefaultOutputTokens
	}

	// Circuit breaker gates the whole build.
	if h := e.health.CheckHealth(ctx, cfg.ModelID); !h.Healthy {
		return nil, &ModelDisabledError{ModelID: cfg.ModelID, Reason: h.Reason}
	}

	meta := BuildMetadata{PromptVersionID: "none"}

	// Output format gate: only the structured format consults the
	// versioned base prompt.
	var system string
	if cfg.OutputFormat == FormatJSON {
		base, err := e.resolveBase(ctx, cfg, &meta)
		if err != nil {
			return nil, err
		}
		system = base
		if cfg.StepPrompt != "" {
			step, err := e.interpolateSegment(cfg, cfg.StepPrompt, &meta)
			if err != nil {
				return nil, err
			}
			system = system + "\n\n" + step
		}
		meta.GatePath = GateVersionedBase
	} else {
		switch {
		case cfg.StepPrompt != "":
			step, err := e.interpolateSegment(cfg, cfg.StepPrompt, &meta)
			if err != nil {
				return nil, err
			}
			system = step
			meta.GatePath = GateStepPrompt
		default:
			system = MinimalSystemPrompt
			meta.GatePath = GateMinimalDefault
		}
	}

	// Scrub the fixed segments.
	if pii.Detect(system) {
		meta.PIIDetected = true
	}
	system = pii.Scrub(system)
	userInput := cfg.UserInput
	if pii.Detect(userInput) {
		meta.PIIDetected = true
	}
	userInput = pii.Scrub(userInput)

	// Memory load is recovered locally: a failed read means an empty
	// history, not a failed build.
	memory := e.loadMemory(ctx, cfg.ConversationID)
	memTurns := make([]tokens.Turn, 0, len(memory))
	for _, turn := range memory {
		if pii.Detect(turn.Content) {
			meta.PIIDetected = true
		}
		memTurns = append(memTurns, tokens.Turn{Role: turn.Role, Content: pii.Scrub(turn.Content)})
	}

	// Budget enforcement on the fixed segments, then truncation fits
	// the memory into what remains.
	fixedTokens := tokens.Estimate(system) + tokens.TurnOverhead
	if userInput != "" {
		fixedTokens += tokens.Estimate(userInput) + tokens.TurnOverhead
	}
	budgetRes, err := e.enforcer.Enforce(ctx, cfg.ModelID, cfg.RequestedOutputTokens, fixedTokens)
	if err != nil {
		return nil, err
	}

	memoryBudget := budgetRes.AvailableInputTokens - fixedTokens
	trunc := tokens.TruncateTurns(memTurns, memoryBudget)
	if len(trunc.Preserved) == 0 && len(memTurns) > 0 && memoryBudget > tokens.TurnOverhead {
		// The newest turn alone overflows the budget. Keep it, cut its
		// content down to what fits rather than dropping all history.
		newest := memTurns[len(memTurns)-1]
		newest.Content = tokens.TruncateString(newest.Content, memoryBudget-tokens.TurnOverhead)
		trunc = tokens.TruncationResult{
			Preserved:       []tokens.Turn{newest},
			Dropped:         len(memTurns) - 1,
			FinalTokenCount: tokens.EstimateTurn(newest),
			Truncated:       true,
		}
	}
	if trunc.Truncated {
		meta.Truncated = true
		meta.DroppedTurns = trunc.Dropped
		e.metrics.RecordTruncation(ctx, int64(trunc.Dropped))
	}

	meta.TotalTokens = fixedTokens + trunc.FinalTokenCount
	meta.EstimatedCost = budget.EstimateCost(e.enforcer.ConfigFor(cfg.ModelID), meta.TotalTokens+cfg.RequestedOutputTokens)
	if window := e.enforcer.ConfigFor(cfg.ModelID).ContextWindow; window > 0 {
		meta.ContextUtilization = float64(meta.TotalTokens) / float64(window) * 100
	}

	// Assembly order is fixed: one system message, memory oldest to
	// newest, then the current user input.
	messages := make([]llm.Message, 0, len(trunc.Preserved)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range trunc.Preserved {
		messages = append(messages, llm.Message{Role: llm.Role(turn.Role), Content: turn.Content})
	}
	if userInput != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userInput})
	}

	return &BuildResult{Messages: messages, Metadata: meta}, nil
}

// resolveBase resolves, verifies, retrieves, and interpolates the
// versioned base prompt.
func (e *Engine) resolveBase(ctx context.Context, cfg BuildConfig, meta *BuildMetadata) (string, error) {
	version, res := e.resolver.Resolve(ctx, cfg.WorkflowID, cfg.ModelID, cfg.TenantID)
	meta.CacheHit = res.CacheHit
	if !res.Emergency {
		meta.PromptVersionID = version.ID
		if err := e.contents.VerifyIntegrity(ctx, version); err != nil {
			return "", err
		}
		meta.IntegrityVerified = true
	}

	body, err := e.contents.GetContent(ctx, version)
	if err != nil {
		return "", err
	}
	return e.interpolateSegment(cfg, body, meta)
}

// interpolateSegment runs one template through the interpolator.
func (e *Engine) interpolateSegment(cfg BuildConfig, template string, meta *BuildMetadata) (string, error) {
	res, err := e.interp.Interpolate(template, cfg.Variables)
	if err != nil {
		return "", err
	}
	if res.InjectionDetected {
		e.logger.Warn("injection content removed during interpolation",
			"model_id", cfg.ModelID,
			"workflow_id", cfg.WorkflowID)
	}
	return res.Text, nil
}

// loadMemory reads conversation memory, treating any failure as an
// empty history.
func (e *Engine) loadMemory(ctx context.Context, conversationID string) []store.Turn {
	if conversationID == "" {
		return nil
	}
	conv, err := e.records.GetConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("conversation memory unavailable, building without history",
				"conversation_id", conversationID,
				"error", err)
		}
		return nil
	}
	return conv.Memory
}
