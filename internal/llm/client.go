// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"strings"

	"github.com/capitalize-ai/docchat/internal/model"
)

// Delta is one streamed fragment. Thought fragments belong to the reasoning channel.
type Delta struct {
	Text    string
	Thought bool
	Index   int
}

// StreamCallback is called for each fragment during streaming. Returning an
// error stops the stream.
type StreamCallback func(delta Delta) error

// CompletionRequest represents a streaming completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64

	// EnableSearch lets the provider run live web search.
	EnableSearch bool
	// ThinkingBudget requests a separate reasoning channel when positive.
	ThinkingBudget int
	// CachedContent is a context-cache handle whose text is attached as a cached prefix.
	CachedContent string
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Thought    string
	Model      string
	Usage      model.RawUsage
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// CountTokens returns the input token count of text for model.
	CountTokens(ctx context.Context, modelName, text string) (int, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// ContentResolver loads the text behind a context-cache handle.
type ContentResolver interface {
	ResolveContent(ctx context.Context, handle string) (string, error)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Router dispatches requests to the provider that serves the requested model.
type Router struct {
	clients  map[Provider]Client
	fallback Client
}

// NewRouter creates a router. The first non-nil client is used for unknown models.
func NewRouter(clients ...Client) *Router {
	r := &Router{clients: make(map[Provider]Client)}
	for _, c := range clients {
		if c == nil {
			continue
		}
		r.clients[Provider(c.Name())] = c
		if r.fallback == nil {
			r.fallback = c
		}
	}
	return r
}

// Empty reports whether no provider is configured.
func (r *Router) Empty() bool {
	return r.fallback == nil
}

// ProviderFor returns the provider serving modelName.
func ProviderFor(modelName string) Provider {
	m := strings.ToLower(modelName)
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	default:
		return ""
	}
}

// SupportsWebSearch reports whether requests for modelName carry the live
// web search tool when EnableSearch is set.
func SupportsWebSearch(modelName string) bool {
	return ProviderFor(modelName) == ProviderAnthropic
}

func (r *Router) pick(modelName string) Client {
	if c, ok := r.clients[ProviderFor(modelName)]; ok {
		return c
	}
	return r.fallback
}

// CompleteStream routes to the provider for req.Model.
func (r *Router) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	c := r.pick(req.Model)
	if c == nil {
		return nil, model.NewProviderError("llm", "stream", errNoProvider)
	}
	return c.CompleteStream(ctx, req, callback)
}

// CountTokens routes to the provider for modelName, approximating when none is configured.
func (r *Router) CountTokens(ctx context.Context, modelName, text string) (int, error) {
	c := r.pick(modelName)
	if c == nil {
		return ApproximateTokens(text), nil
	}
	return c.CountTokens(ctx, modelName, text)
}

// Name returns the provider name.
func (r *Router) Name() string {
	return "router"
}

// Models returns the models of all configured providers.
func (r *Router) Models() []string {
	var out []string
	for _, p := range []Provider{ProviderAnthropic, ProviderOpenAI} {
		if c, ok := r.clients[p]; ok {
			out = append(out, c.Models()...)
		}
	}
	return out
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string, resolver ContentResolver) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, resolver)
	default:
		return NewAnthropicClient(apiKey, resolver)
	}
}
