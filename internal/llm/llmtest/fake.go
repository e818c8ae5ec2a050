// Package llmtest provides a scriptable llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/model"
)

// Client replays a fixed script of deltas.
type Client struct {
	Thoughts []string
	Chunks   []string
	Usage    model.RawUsage
	Err      error
	// Block makes CompleteStream wait for ctx after emitting the chunks.
	Block bool
	// Gate, when set, is received from before each chunk is emitted.
	Gate chan struct{}

	mu       sync.Mutex
	Requests []*llm.CompletionRequest
}

// CompleteStream emits the scripted thoughts then chunks.
func (c *Client) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	c.mu.Unlock()

	resp := &llm.CompletionResponse{Model: req.Model, Usage: c.Usage, StopReason: "end_turn"}
	index := 0
	emit := func(text string, thought bool) error {
		if c.Gate != nil {
			select {
			case <-c.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := callback(llm.Delta{Text: text, Thought: thought, Index: index}); err != nil {
			return err
		}
		index++
		return nil
	}
	for _, t := range c.Thoughts {
		if err := emit(t, true); err != nil {
			return nil, err
		}
		resp.Thought += t
	}
	for _, t := range c.Chunks {
		if err := emit(t, false); err != nil {
			return nil, err
		}
		resp.Content += t
	}
	if c.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.Err != nil {
		return nil, c.Err
	}
	return resp, nil
}

// CountTokens approximates.
func (c *Client) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return llm.ApproximateTokens(text), nil
}

// Name returns "fake".
func (c *Client) Name() string { return "fake" }

// Models returns a single fake model.
func (c *Client) Models() []string { return []string{"fake-model"} }

// Calls returns the number of CompleteStream calls.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

// LastRequest returns the most recent request, or nil.
func (c *Client) LastRequest() *llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Requests) == 0 {
		return nil
	}
	return c.Requests[len(c.Requests)-1]
}
