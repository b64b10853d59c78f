package convoflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/breaker"
	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
	"github.com/randalmurphal/convoflow/pkg/convoflow/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow/prompt"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
	"github.com/randalmurphal/convoflow/pkg/convoflow/telemetry"
)

// Services bundles the collaborators the built-in handlers need.
// Prompts and LLM are required for model_invoke; the rest are
// optional and default to no-ops.
type Services struct {
	LLM       llm.Client
	Prompts   *prompt.Engine
	Store     store.Client
	Health    *breaker.Breaker
	Telemetry telemetry.Sink
}

func (s *Services) sink() telemetry.Sink {
	if s.Telemetry != nil {
		return s.Telemetry
	}
	return telemetry.NoopSink{}
}

// RegisterBuiltins registers the four built-in node types against the
// given services. Custom handlers may be registered before or after.
func RegisterBuiltins(reg *Registry, svc *Services) {
	reg.RegisterMany(map[string]Handler{
		TypeModelInvoke: svc.ModelInvoke,
		TypeRouter:      svc.Router,
		TypeSlotTracker: svc.SlotTracker,
		TypeRespond:     svc.Respond,
	})
}

// ModelInvoke builds a governed prompt for the node's configured model
// and invokes it, appending both sides of the exchange to memory.
//
// Node config keys: model (required), output_format, step_prompt,
// max_tokens, temperature, stream.
func (s *Services) ModelInvoke(ctx Context, state RunState, node NodeInfo) (Delta, Outcome) {
	modelID := node.Config.String("model", "")
	if modelID == "" {
		return Delta{}, Fail(&ConfigError{NodeID: node.ID, Err: errors.New("model not set")})
	}
	if s.Prompts == nil || s.LLM == nil {
		return Delta{}, Fail(&ConfigError{NodeID: node.ID, Err: errors.New("model invocation not wired")})
	}

	built, err := s.Prompts.BuildPrompt(ctx, prompt.BuildConfig{
		ConversationID:        state.ConversationID,
		TenantID:              state.TenantID,
		WorkflowID:            node.WorkflowID,
		ModelID:               modelID,
		OutputFormat:          node.Config.String("output_format", prompt.FormatText),
		StepPrompt:            node.Config.String("step_prompt", ""),
		UserInput:             state.UserInput,
		Variables:             state.Input,
		RequestedOutputTokens: node.Config.Int("max_tokens", 0),
	})
	if err != nil {
		return Delta{}, Fail(fmt.Errorf("build prompt: %w", err))
	}

	req := llm.Request{
		ModelID:     modelID,
		Messages:    built.Messages,
		MaxTokens:   node.Config.Int("max_tokens", 0),
		Temperature: node.Config.Float("temperature", 0),
		Stream:      node.Config.Bool("stream", false),
	}

	var content string
	if req.Stream {
		// Streaming never retries: a partial stream cannot be resumed.
		content, err = s.stream(ctx, node, req)
	} else {
		retry := cferrors.NoRetry
		if attempts := node.Config.Int("retries", 1); attempts > 1 {
			retry = cferrors.DefaultRetry
			retry.MaxAttempts = attempts
		}
		res := cferrors.WithRetryContext(ctx, retry, func(c context.Context) (*llm.Response, error) {
			return s.LLM.Invoke(c, req)
		})
		err = res.Err
		if res.Value != nil {
			content = res.Value.Content
		}
	}

	if s.Health != nil {
		s.Health.RecordCall(ctx, modelID, err == nil)
	}
	if err != nil {
		return Delta{}, Fail(fmt.Errorf("invoke %s: %w", modelID, err))
	}

	turns := make([]store.Turn, 0, 2)
	if state.UserInput != "" {
		turns = append(turns, store.Turn{Role: "user", Content: state.UserInput, Timestamp: time.Now().UTC()})
	}
	turns = append(turns, store.Turn{Role: "assistant", Content: content, Timestamp: time.Now().UTC()})
	if s.Store != nil && state.ConversationID != "" {
		if err := s.Store.AppendTurns(ctx, state.ConversationID, turns...); err != nil {
			ctx.Logger().Warn("appending turns failed", "error", err)
		}
	}

	return Delta{
		Response:    String(content),
		AppendTurns: turns,
	}, Continue()
}

// stream drains a streaming call, emitting best-effort progress events
// per chunk. A cancelled or failed stream discards the partial output.
func (s *Services) stream(ctx Context, node NodeInfo, req llm.Request) (string, error) {
	ch, err := s.LLM.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sink := s.sink()
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Content)
		sink.Record(telemetry.NewEvent("model.stream.chunk", map[string]any{
			"model_id": req.ModelID,
			"chars":    sb.Len(),
		}).WithRun(ctx.RunID(), node.ID))
	}
	if cause := ctx.Err(); cause != nil {
		return "", cause
	}
	return sb.String(), nil
}

// Router evaluates the routes parsed at build time and records the
// chosen target. It never parses condition strings itself.
func (s *Services) Router(ctx Context, state RunState, node NodeInfo) (Delta, Outcome) {
	target := selectRoute(node.Routes, node.DefaultRoute, node.RouteMode, state)
	ctx.Logger().Debug("route selected", "target", target)
	return Delta{RouteChosen: String(target)}, Continue()
}

// slotDef is one slot declared in a slot tracker's config.
type slotDef struct {
	key         string
	prompt      string
	maxAttempts int
}

func slotDefs(node NodeInfo) []slotDef {
	var defs []slotDef
	for _, sc := range node.Config.Slice("slots") {
		key := sc.String("key", "")
		if key == "" {
			continue
		}
		defs = append(defs, slotDef{
			key:         key,
			prompt:      sc.String("prompt", "Please provide "+key+"."),
			maxAttempts: sc.Int("max_attempts", 3),
		})
	}
	return defs
}

// SlotTracker captures the current user input into the slot being
// collected, then either halts asking for the next missing slot or
// continues once every slot is filled.
func (s *Services) SlotTracker(ctx Context, state RunState, node NodeInfo) (Delta, Outcome) {
	defs := slotDefs(node)
	if len(defs) == 0 {
		return Delta{}, Fail(&ConfigError{NodeID: node.ID, Err: errors.New("no slots configured")})
	}

	delta := Delta{
		SlotValues:   map[string]string{},
		SlotAttempts: map[string]int{},
	}
	filled := func(key string) bool {
		if _, ok := delta.SlotValues[key]; ok {
			return true
		}
		_, ok := state.SlotValues[key]
		return ok
	}

	// A pending slot consumes the current input verbatim. Validation
	// beyond non-emptiness belongs to a downstream node.
	if state.CurrentSlotKey != "" && strings.TrimSpace(state.UserInput) != "" && !filled(state.CurrentSlotKey) {
		delta.SlotValues[state.CurrentSlotKey] = strings.TrimSpace(state.UserInput)
	}

	for _, def := range defs {
		if filled(def.key) {
			continue
		}
		attempts := state.SlotAttempts[def.key] + 1
		if attempts > def.maxAttempts {
			return delta, Fail(fmt.Errorf("slot %s unfilled after %d attempts", def.key, def.maxAttempts))
		}
		delta.SlotAttempts[def.key] = attempts
		delta.CurrentSlotKey = String(def.key)
		delta.Response = String(def.prompt)
		ctx.Logger().Debug("awaiting slot", "slot", def.key, "attempt", attempts)
		return delta, Halt(def.key)
	}

	delta.CurrentSlotKey = String("")
	delta.AllSlotsFilled = Bool(true)
	return delta, Continue()
}

// Respond finalizes the response. A configured template overrides the
// accumulated response; {{response}} inside it expands to the current
// one.
func (s *Services) Respond(ctx Context, state RunState, node NodeInfo) (Delta, Outcome) {
	text := node.Config.String("template", "")
	if text == "" {
		text = state.Response
	} else {
		text = strings.ReplaceAll(text, "{{response}}", state.Response)
	}
	s.sink().Record(telemetry.NewEvent("workflow.respond", map[string]any{
		"chars": len(text),
	}).WithRun(ctx.RunID(), node.ID))
	return Delta{Response: String(text)}, Continue()
}
