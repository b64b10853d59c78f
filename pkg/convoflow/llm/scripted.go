package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedClient is a Client returning canned responses in order.
// It exists for tests and examples; it is not a provider adapter.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	next      int

	// Err, when set, is returned by every call.
	Err error

	// Requests records every request received, for assertions.
	Requests []Request
}

// NewScriptedClient creates a client that replays the given responses.
// After the script is exhausted the last response repeats.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Invoke implements Client.
func (c *ScriptedClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if c.Err != nil {
		return nil, c.Err
	}

	content := c.take()
	return &Response{
		Content: content,
		ModelID: req.ModelID,
		Usage: Usage{
			InputTokens:  estimateWords(req.Messages),
			OutputTokens: len(strings.Fields(content)),
			TotalTokens:  estimateWords(req.Messages) + len(strings.Fields(content)),
		},
	}, nil
}

// Stream implements Client, emitting the scripted response word by word.
func (c *ScriptedClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	err := c.Err
	var content string
	if err == nil {
		content = c.take()
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		words := strings.SplitAfter(content, " ")
		for _, w := range words {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			case out <- StreamChunk{Content: w}:
			}
		}
		out <- StreamChunk{
			Done:  true,
			Usage: &Usage{OutputTokens: len(words), TotalTokens: len(words)},
		}
	}()
	return out, nil
}

// take returns the next scripted response, repeating the last one.
// Caller must hold c.mu.
func (c *ScriptedClient) take() string {
	if len(c.responses) == 0 {
		return ""
	}
	content := c.responses[c.next]
	if c.next < len(c.responses)-1 {
		c.next++
	}
	return content
}

func estimateWords(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	return total
}
