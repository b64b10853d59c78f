// Package llm defines the model-invocation collaborator contract.
//
// The engine is provider-agnostic: it builds provider-neutral messages
// and hands them to a Client. Concrete provider adapters (API clients,
// local runtimes) live outside this module and implement Client.
package llm

import (
	"context"
	"time"
)

// Role identifies the message sender.
type Role string

// Standard message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request configures a model call.
type Request struct {
	// ModelID selects the model.
	ModelID string `json:"model_id"`

	// Messages is the full prompt: one system message first, then
	// memory turns oldest to newest, then the current user input.
	Messages []Message `json:"messages"`

	// MaxTokens reserves output tokens.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// Stream requests incremental output.
	Stream bool `json:"stream,omitempty"`
}

// Usage tracks token consumption for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the output of a non-streaming call.
type Response struct {
	Content  string        `json:"content"`
	Usage    Usage         `json:"usage"`
	ModelID  string        `json:"model_id"`
	Duration time.Duration `json:"duration"`
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"` // only set in the final chunk
	Done    bool   `json:"done"`
	Err     error  `json:"-"` // non-nil if streaming failed
}

// Client is the uniform model-invocation contract.
// Implementations must honor context cancellation: a cancelled Invoke
// or Stream returns promptly with ctx.Err() (or a chunk carrying it).
type Client interface {
	// Invoke performs a non-streaming completion.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion. The returned channel is
	// closed after the final chunk (Done or Err set). Callers must
	// drain the channel.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
