package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/docchat/internal/model"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client   *openai.Client
	resolver ContentResolver
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string, resolver ContentResolver) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	return &OpenAIClient{
		client:   openai.NewClient(apiKey),
		resolver: resolver,
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	}
}

// CountTokens estimates the token count; the chat API has no counting endpoint.
func (c *OpenAIClient) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return ApproximateTokens(text), nil
}

// CompleteStream sends a streaming completion request. Thinking and search
// options are ignored by this provider.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	modelName := req.Model
	if modelName == "" {
		modelName = defaultOpenAIModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+2)
	if req.CachedContent != "" {
		if c.resolver == nil {
			return nil, model.NewProviderError(c.Name(), "prepare", errors.New("cached content requested without a resolver"))
		}
		text, err := c.resolver.ResolveContent(ctx, req.CachedContent)
		if err != nil {
			return nil, model.NewProviderError(c.Name(), "prepare", err)
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: text})
	}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, model.NewProviderError(c.Name(), "stream", err)
	}
	defer stream.Close()

	var content strings.Builder
	var stopReason string
	index := 0

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, model.NewProviderError(c.Name(), "stream", err)
		}

		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := callback(Delta{Text: delta, Index: index}); err != nil {
				return nil, err
			}
			index++
		}
		if response.Choices[0].FinishReason != "" {
			stopReason = string(response.Choices[0].FinishReason)
		}
	}

	// Streaming responses carry no usage block; estimate from the payload.
	promptTokens := 0
	for _, m := range messages {
		promptTokens += ApproximateTokens(m.Content)
	}

	return &CompletionResponse{
		Content: content.String(),
		Model:   modelName,
		Usage: model.RawUsage{
			InputTokens:  promptTokens,
			OutputTokens: ApproximateTokens(content.String()),
		},
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
