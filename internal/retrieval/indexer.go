package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// BatchEmbedder embeds many texts in one call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore persists a document's embedded chunks.
type ChunkStore interface {
	Replace(ctx context.Context, documentID string, chunks []Chunk) error
}

// Indexer chunks, embeds and stores document text.
type Indexer struct {
	embedder  BatchEmbedder
	store     ChunkStore
	size      int
	overlap   int
	batchSize int
	logger    *logger.Logger
}

// NewIndexer creates an indexer with the given chunk window.
func NewIndexer(embedder BatchEmbedder, store ChunkStore, size, overlap int, log *logger.Logger) *Indexer {
	return &Indexer{
		embedder:  embedder,
		store:     store,
		size:      size,
		overlap:   overlap,
		batchSize: 64,
		logger:    log.Named("indexer"),
	}
}

// Index replaces the stored chunks of doc and returns how many were written.
func (ix *Indexer) Index(ctx context.Context, doc *model.Document) (int, error) {
	chunks := Split(doc.ID, doc.Text, ix.size, ix.overlap)
	if len(chunks) == 0 {
		return 0, errors.New("document has no text to index")
	}

	for start := 0; start < len(chunks); start += ix.batchSize {
		end := min(start+ix.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, model.NewProviderError("embedding", "embed_batch", err)
		}
		if len(vectors) != len(texts) {
			return 0, fmt.Errorf("embedding returned %d vectors for %d chunks", len(vectors), len(texts))
		}
		for i := range vectors {
			chunks[start+i].Vector = vectors[i]
		}
	}

	if err := ix.store.Replace(ctx, doc.ID, chunks); err != nil {
		return 0, model.NewProviderError("retrieval", "replace", err)
	}

	ix.logger.Info("document indexed", zap.String("document_id", doc.ID), zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// Remove deletes every stored chunk of documentID.
func (ix *Indexer) Remove(ctx context.Context, documentID string) error {
	if err := ix.store.Replace(ctx, documentID, nil); err != nil {
		return model.NewProviderError("retrieval", "remove", err)
	}
	return nil
}
