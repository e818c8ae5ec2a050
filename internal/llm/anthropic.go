package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/docchat/internal/model"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
	webSearchMaxUses      = 5
)

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client   anthropic.Client
	resolver ContentResolver
}

// NewAnthropicClient creates a new Anthropic client. resolver may be nil when
// no context cache is configured.
func NewAnthropicClient(apiKey string, resolver ContentResolver, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client:   anthropic.NewClient(opts...),
		resolver: resolver,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
		"claude-3-7-sonnet-latest",
		"claude-3-5-haiku-latest",
	}
}

// CountTokens uses the token counting endpoint and falls back to an estimate.
func (c *AnthropicClient) CountTokens(ctx context.Context, modelName, text string) (int, error) {
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	resp, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(modelName),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return ApproximateTokens(text), nil
	}
	return int(resp.InputTokens), nil
}

func (c *AnthropicClient) buildParams(ctx context.Context, req *CompletionRequest) (anthropic.MessageNewParams, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == string(model.RoleAssistant) {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	var system []anthropic.TextBlockParam
	if req.CachedContent != "" {
		if c.resolver == nil {
			return anthropic.MessageNewParams{}, errors.New("cached content requested without a resolver")
		}
		text, err := c.resolver.ResolveContent(ctx, req.CachedContent)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		system = append(system, anthropic.TextBlockParam{
			Text:         text,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		})
	}
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		System:    system,
	}

	if req.ThinkingBudget > 0 {
		// The thinking budget must stay below max_tokens.
		if int64(req.ThinkingBudget) >= params.MaxTokens {
			params.MaxTokens = int64(req.ThinkingBudget) + defaultMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	} else if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if req.EnableSearch {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(webSearchMaxUses),
			},
		})
	}

	return params, nil
}

// CompleteStream sends a streaming completion request.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	params, err := c.buildParams(ctx, req)
	if err != nil {
		return nil, model.NewProviderError(c.Name(), "prepare", err)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content, thought strings.Builder
	message := anthropic.Message{}
	index := 0

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, model.NewProviderError(c.Name(), "accumulate", err)
		}

		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var d Delta
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			content.WriteString(delta.Text)
			d = Delta{Text: delta.Text, Index: index}
		case anthropic.ThinkingDelta:
			thought.WriteString(delta.Thinking)
			d = Delta{Text: delta.Thinking, Thought: true, Index: index}
		default:
			continue
		}
		if d.Text == "" {
			continue
		}
		if err := callback(d); err != nil {
			return nil, err
		}
		index++
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewProviderError(c.Name(), "stream", err)
	}

	modelName := string(message.Model)
	if modelName == "" {
		modelName = string(params.Model)
	}

	return &CompletionResponse{
		Content: content.String(),
		Thought: thought.String(),
		Model:   modelName,
		Usage: model.RawUsage{
			InputTokens:         int(message.Usage.InputTokens),
			OutputTokens:        int(message.Usage.OutputTokens),
			CacheReadTokens:     int(message.Usage.CacheReadInputTokens),
			CacheCreationTokens: int(message.Usage.CacheCreationInputTokens),
			ThinkingTokens:      ApproximateTokens(thought.String()),
		},
		StopReason: string(message.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
