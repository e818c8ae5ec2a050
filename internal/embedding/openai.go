// Package embedding turns text into vectors with the OpenAI embeddings API.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const defaultModel = "text-embedding-3-small"

// OpenAI is an embedding provider backed by go-openai.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAI creates an embedding provider.
func NewOpenAI(apiKey, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required for embeddings")
	}
	if modelName == "" {
		modelName = defaultModel
	}
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), modelName), nil
}

// NewOpenAIWithConfig creates an embedding provider for an OpenAI-compatible endpoint.
func NewOpenAIWithConfig(cfg openai.ClientConfig, modelName string) *OpenAI {
	if modelName == "" {
		modelName = defaultModel
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(modelName),
	}
}

// EmbedQuery embeds a single query text.
func (e *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts, returning vectors in input order.
func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
