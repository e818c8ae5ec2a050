package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type memoryChunkStore struct {
	chunks map[string][]Chunk
}

func (s *memoryChunkStore) Replace(_ context.Context, documentID string, chunks []Chunk) error {
	s.chunks[documentID] = chunks
	return nil
}

func TestIndexer_Remove(t *testing.T) {
	store := &memoryChunkStore{chunks: map[string][]Chunk{"d1": {{DocumentID: "d1"}}}}
	ix := NewIndexer(&countingEmbedder{}, store, 50, 5, logger.NewNop())

	require.NoError(t, ix.Remove(context.Background(), "d1"))
	assert.Empty(t, store.chunks["d1"])
}

func TestIndexer_EmbedsInBatches(t *testing.T) {
	emb := &countingEmbedder{}
	store := &memoryChunkStore{chunks: map[string][]Chunk{}}
	ix := NewIndexer(emb, store, 50, 5, logger.NewNop())
	ix.batchSize = 4

	doc := &model.Document{ID: "d1", Text: strings.Repeat("lorem ipsum dolor sit amet ", 40)}
	n, err := ix.Index(context.Background(), doc)
	require.NoError(t, err)

	stored := store.chunks["d1"]
	assert.Equal(t, n, len(stored))
	assert.Equal(t, (n+3)/4, emb.calls)
	for _, c := range stored {
		require.Len(t, c.Vector, 1)
		assert.Equal(t, float32(len(c.Text)), c.Vector[0])
	}
}

func TestIndexer_EmbeddingFailureIsProviderError(t *testing.T) {
	emb := &countingEmbedder{err: errors.New("quota exceeded")}
	store := &memoryChunkStore{chunks: map[string][]Chunk{}}
	ix := NewIndexer(emb, store, 50, 5, logger.NewNop())

	_, err := ix.Index(context.Background(), &model.Document{ID: "d1", Text: "some text"})
	assert.True(t, model.IsProviderError(err))
	assert.Empty(t, store.chunks)
}

func TestIndexer_EmptyDocument(t *testing.T) {
	ix := NewIndexer(&countingEmbedder{}, &memoryChunkStore{chunks: map[string][]Chunk{}}, 50, 5, logger.NewNop())
	_, err := ix.Index(context.Background(), &model.Document{ID: "d1"})
	assert.Error(t, err)
}

func TestParseScore(t *testing.T) {
	assert.Equal(t, 0.5, parseScore("0.5"))
	assert.Equal(t, 1.0, parseScore("1.7"))
	assert.Equal(t, 0.0, parseScore("nope"))
	assert.Equal(t, 0.0, parseScore("-0.2"))
}
