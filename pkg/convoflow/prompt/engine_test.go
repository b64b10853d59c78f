package prompt

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/pkg/convoflow/blob"
	"github.com/randalmurphal/convoflow/pkg/convoflow/breaker"
	"github.com/randalmurphal/convoflow/pkg/convoflow/budget"
	"github.com/randalmurphal/convoflow/pkg/convoflow/content"
	"github.com/randalmurphal/convoflow/pkg/convoflow/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow/pointer"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
	"github.com/randalmurphal/convoflow/pkg/convoflow/tokens"
)

// countingClient counts pointer lookups so tests can prove the
// resolver was never consulted.
type countingClient struct {
	store.Client
	pointerLookups atomic.Int64
}

func (c *countingClient) GetPointer(ctx context.Context, tenantID, scope, modelID string) (*store.Pointer, error) {
	c.pointerLookups.Add(1)
	return c.Client.GetPointer(ctx, tenantID, scope, modelID)
}

type testEnv struct {
	engine  *Engine
	records *countingClient
	memory  *store.MemoryClient
	blobs   *blob.MemoryStore
	content *content.Store
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	memory := store.NewMemoryClient()
	records := &countingClient{Client: memory}
	blobs := blob.NewMemoryStore()
	contents := content.NewStore(records, blobs)

	enforcer := budget.New(WithGenerousModel("claude-sonnet"))
	engine := NewEngine(
		records,
		pointer.NewResolver(records, pointer.NewCache()),
		contents,
		enforcer,
		breaker.New(records),
	)
	return &testEnv{engine: engine, records: records, memory: memory, blobs: blobs, content: contents}
}

// WithGenerousModel registers caps high enough that only tests that
// want a violation hit one.
func WithGenerousModel(modelID string) budget.Option {
	return budget.WithModel(modelID, budget.ModelConfig{
		MaxTotalTokens:    100_000,
		ContextWindow:     100_000,
		MaxCostPerRequest: 100,
		PricePerUnit:      0.01,
		Unit:              budget.PerThousandTokens,
	})
}

func (e *testEnv) seedActiveVersion(t *testing.T, body string) *store.PromptVersion {
	t.Helper()
	ctx := context.Background()
	v, err := e.content.CreateVersion(ctx, body, "claude-sonnet", content.Metadata{})
	require.NoError(t, err)
	require.NoError(t, e.memory.PutPointer(ctx, &store.Pointer{
		Scope:           store.GlobalScope,
		ModelID:         "claude-sonnet",
		ActiveVersionID: v.ID,
	}))
	return v
}

func TestBuildPrompt_TextWithStepPromptSkipsResolver(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	env.seedActiveVersion(t, "versioned base prompt")

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatText,
		StepPrompt:   "You handle refunds.",
		UserInput:    "I want my money back",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), env.records.pointerLookups.Load(),
		"text format must never consult the pointer resolver")
	assert.Equal(t, GateStepPrompt, res.Metadata.GatePath)
	assert.Equal(t, "none", res.Metadata.PromptVersionID)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, llm.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "You handle refunds.", res.Messages[0].Content)
	assert.Equal(t, llm.RoleUser, res.Messages[1].Role)
}

func TestBuildPrompt_TextWithoutStepPromptUsesMinimalDefault(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatMarkdown,
		UserInput:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, GateMinimalDefault, res.Metadata.GatePath)
	assert.Equal(t, MinimalSystemPrompt, res.Messages[0].Content)
}

func TestBuildPrompt_JSONUsesVersionedBase(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	v := env.seedActiveVersion(t, "Respond as JSON for {{task}}.")

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatJSON,
		UserInput:    "go",
		Variables:    map[string]any{"task": "triage"},
	})
	require.NoError(t, err)

	assert.Equal(t, GateVersionedBase, res.Metadata.GatePath)
	assert.Equal(t, v.ID, res.Metadata.PromptVersionID)
	assert.True(t, res.Metadata.IntegrityVerified)
	assert.Equal(t, "Respond as JSON for triage.", res.Messages[0].Content)
}

func TestBuildPrompt_JSONConcatenatesStepAfterBase(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	env.seedActiveVersion(t, "Base rules.")

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatJSON,
		StepPrompt:   "Step rules.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Base rules.\n\nStep rules.", res.Messages[0].Content)

	// Still exactly one system message.
	systems := 0
	for _, m := range res.Messages {
		if m.Role == llm.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
}

func TestBuildPrompt_JSONFallsBackToEmergency(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, "none", res.Metadata.PromptVersionID)
	assert.False(t, res.Metadata.IntegrityVerified)
	assert.Equal(t, pointer.EmergencyPrompt, res.Messages[0].Content)
}

func TestBuildPrompt_BreakerAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	health := breaker.New(env.records)
	require.NoError(t, health.Trip(ctx, "claude-sonnet", "bad deploy", "ops"))

	_, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatText,
	})
	var derr *ModelDisabledError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bad deploy", derr.Reason)
}

func TestBuildPrompt_AssemblyOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	require.NoError(t, env.memory.AppendTurns(ctx, "conv-1",
		store.Turn{Role: "user", Content: "first question"},
		store.Turn{Role: "assistant", Content: "first answer"},
		store.Turn{Role: "user", Content: "second question"},
	))

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ConversationID: "conv-1",
		ModelID:        "claude-sonnet",
		OutputFormat:   FormatText,
		StepPrompt:     "system prompt",
		UserInput:      "third question",
	})
	require.NoError(t, err)

	require.Len(t, res.Messages, 5)
	assert.Equal(t, llm.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "first question", res.Messages[1].Content)
	assert.Equal(t, "first answer", res.Messages[2].Content)
	assert.Equal(t, "second question", res.Messages[3].Content)
	assert.Equal(t, "third question", res.Messages[4].Content)
}

func TestBuildPrompt_ScrubsPII(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	require.NoError(t, env.memory.AppendTurns(ctx, "conv-1",
		store.Turn{Role: "user", Content: "my email is jane@example.com"},
	))

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ConversationID: "conv-1",
		ModelID:        "claude-sonnet",
		OutputFormat:   FormatText,
		StepPrompt:     "help the user",
		UserInput:      "call me at 415-555-0134",
	})
	require.NoError(t, err)
	assert.True(t, res.Metadata.PIIDetected)
	assert.Equal(t, "my email is [EMAIL]", res.Messages[1].Content)
	assert.Equal(t, "call me at [PHONE]", res.Messages[2].Content)
}

func TestBuildPrompt_TruncatesOldestMemory(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	turns := make([]store.Turn, 0, 50)
	for i := 0; i < 50; i++ {
		turns = append(turns, store.Turn{Role: "user", Content: strings.Repeat("filler ", 40)})
	}
	turns = append(turns, store.Turn{Role: "user", Content: "the newest turn"})
	require.NoError(t, env.memory.AppendTurns(ctx, "conv-1", turns...))

	enforcer := budget.New(budget.WithModel("claude-sonnet", budget.ModelConfig{
		MaxTotalTokens:    2000,
		ContextWindow:     2000,
		MaxCostPerRequest: 100,
		PricePerUnit:      0.01,
	}))
	engine := NewEngine(
		env.records,
		pointer.NewResolver(env.records, pointer.NewCache()),
		env.content,
		enforcer,
		breaker.New(env.records),
	)

	res, err := engine.BuildPrompt(ctx, BuildConfig{
		ConversationID: "conv-1",
		ModelID:        "claude-sonnet",
		OutputFormat:   FormatText,
		StepPrompt:     "sys",
		UserInput:      "now",
	})
	require.NoError(t, err)
	assert.True(t, res.Metadata.Truncated)
	assert.Greater(t, res.Metadata.DroppedTurns, 0)

	// The newest memory turn survives; it sits just before the user input.
	assert.Equal(t, "the newest turn", res.Messages[len(res.Messages)-2].Content)
}

func TestBuildPrompt_ShortensOversizedNewestTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	require.NoError(t, env.memory.AppendTurns(ctx, "conv-1",
		store.Turn{Role: "user", Content: "an old short turn"},
		store.Turn{Role: "user", Content: strings.Repeat("sentence of history. ", 200)},
	))

	enforcer := budget.New(budget.WithModel("claude-sonnet", budget.ModelConfig{
		MaxTotalTokens:    200,
		ContextWindow:     200,
		MaxCostPerRequest: 100,
		PricePerUnit:      0.01,
	}))
	engine := NewEngine(
		env.records,
		pointer.NewResolver(env.records, pointer.NewCache()),
		env.content,
		enforcer,
		breaker.New(env.records),
	)

	res, err := engine.BuildPrompt(ctx, BuildConfig{
		ConversationID: "conv-1",
		ModelID:        "claude-sonnet",
		OutputFormat:   FormatText,
		StepPrompt:     "sys",
		UserInput:      "now",
	})
	require.NoError(t, err)
	assert.True(t, res.Metadata.Truncated)
	assert.Equal(t, 1, res.Metadata.DroppedTurns)

	// System, shortened newest memory turn, user input.
	require.Len(t, res.Messages, 3)
	memTurn := res.Messages[1].Content
	assert.True(t, strings.HasSuffix(memTurn, tokens.TruncationMarker))
	assert.LessOrEqual(t, tokens.EstimateTurn(tokens.Turn{Role: "user", Content: memTurn}), 200)
}

func TestBuildPrompt_BudgetViolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	enforcer := budget.New(budget.WithModel("claude-sonnet", budget.ModelConfig{
		MaxTotalTokens:    50,
		ContextWindow:     50,
		MaxCostPerRequest: 100,
		PricePerUnit:      0.01,
	}))
	engine := NewEngine(
		env.records,
		pointer.NewResolver(env.records, pointer.NewCache()),
		env.content,
		enforcer,
		breaker.New(env.records),
	)

	_, err := engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatText,
		StepPrompt:   strings.Repeat("long system prompt ", 50),
	})
	var terr *budget.TokenLimitError
	assert.ErrorAs(t, err, &terr)
}

func TestBuildPrompt_IntegrityFailureAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	v := env.seedActiveVersion(t, "trusted base")

	// Corrupt the stored record out-of-band.
	tampered := *v
	tampered.Content = "tampered base"
	env.memory.Close()
	fresh := store.NewMemoryClient()
	require.NoError(t, fresh.CreatePromptVersion(ctx, &tampered))
	require.NoError(t, fresh.PutPointer(ctx, &store.Pointer{
		Scope:           store.GlobalScope,
		ModelID:         "claude-sonnet",
		ActiveVersionID: tampered.ID,
	}))

	engine := NewEngine(
		fresh,
		pointer.NewResolver(fresh, pointer.NewCache()),
		content.NewStore(fresh, env.blobs),
		budget.New(WithGenerousModel("claude-sonnet")),
		breaker.New(fresh),
	)

	_, err := engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatJSON,
	})
	var ierr *content.IntegrityError
	assert.ErrorAs(t, err, &ierr)
}

func TestBuildPrompt_CacheHitOnSecondBuild(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	env.seedActiveVersion(t, "cached base")

	cfg := BuildConfig{ModelID: "claude-sonnet", OutputFormat: FormatJSON}
	res, err := env.engine.BuildPrompt(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, res.Metadata.CacheHit)

	res, err = env.engine.BuildPrompt(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Metadata.CacheHit)
}

func TestBuildPrompt_MetadataComplete(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	env.seedActiveVersion(t, "base prompt body")

	res, err := env.engine.BuildPrompt(ctx, BuildConfig{
		ModelID:      "claude-sonnet",
		OutputFormat: FormatJSON,
		UserInput:    "question",
	})
	require.NoError(t, err)

	m := res.Metadata
	assert.Greater(t, m.TotalTokens, 0)
	assert.Greater(t, m.ContextUtilization, 0.0)
	assert.Greater(t, m.EstimatedCost, 0.0)
	assert.NotEmpty(t, m.GatePath)
	assert.NotEqual(t, "none", m.PromptVersionID)
}
