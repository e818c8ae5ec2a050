// Package retrieval provides hybrid vector and keyword search over document chunks.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// chunkNamespace derives stable object ids from (document, index).
var chunkNamespace = uuid.MustParse("6f1c7a52-93a4-4c1e-9a57-2d3e8b0f4c11")

// Query is one hybrid retrieval request. KeywordWeight in [0,1] shifts the
// ranking from pure vector (0) to pure keyword (1).
type Query struct {
	DocumentID    string
	Text          string
	Vector        []float32
	TopK          int
	KeywordWeight float64
}

// Weaviate stores chunks in one class and queries them with hybrid search.
type Weaviate struct {
	client *weaviate.Client
	class  string
	logger *logger.Logger
}

// NewWeaviate connects to a Weaviate instance. Objects are written with
// explicit vectors, so the class needs no vectorizer.
func NewWeaviate(host, scheme, class string, log *logger.Logger) (*Weaviate, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Weaviate{client: client, class: class, logger: log.Named("weaviate")}, nil
}

// Ready reports whether the Weaviate instance answers.
func (w *Weaviate) Ready(ctx context.Context) error {
	ok, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("weaviate not ready")
	}
	return nil
}

type hybridHit struct {
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
	Additional struct {
		Score string `json:"score"`
	} `json:"_additional"`
}

type getResponse struct {
	Get map[string][]hybridHit `json:"Get"`
}

func (w *Weaviate) documentFilter(documentID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"document_id"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)
}

// HybridSearch returns up to q.TopK chunks of one document, best first.
func (w *Weaviate) HybridSearch(ctx context.Context, q Query) ([]model.RetrievedChunk, error) {
	hybrid := w.client.GraphQL().HybridArgumentBuilder().
		WithQuery(q.Text).
		WithVector(q.Vector).
		WithAlpha(float32(1 - q.KeywordWeight)).
		WithFusionType(graphql.RelativeScore)

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithHybrid(hybrid).
		WithWhere(w.documentFilter(q.DocumentID)).
		WithLimit(q.TopK).
		WithFields(
			graphql.Field{Name: "text"},
			graphql.Field{Name: "chunk_index"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hybrid query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("hybrid query: %s", result.Errors[0].Message)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typed getResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	hits := typed.Get[w.class]
	out := make([]model.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, model.RetrievedChunk{
			Text:  h.Text,
			Index: h.ChunkIndex,
			Score: parseScore(h.Additional.Score),
		})
	}
	return out, nil
}

// parseScore reads Weaviate's string score and clamps it to [0,1].
func parseScore(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Replace deletes the stored chunks of documentID and writes chunks in their place.
func (w *Weaviate) Replace(ctx context.Context, documentID string, chunks []Chunk) error {
	if _, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.class).
		WithWhere(w.documentFilter(documentID)).
		Do(ctx); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	for _, c := range chunks {
		id := uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, c.Index))).String()
		_, err := w.client.Data().Creator().
			WithClassName(w.class).
			WithID(id).
			WithProperties(map[string]interface{}{
				"document_id": documentID,
				"chunk_index": c.Index,
				"text":        c.Text,
			}).
			WithVector(c.Vector).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("write chunk %d: %w", c.Index, err)
		}
	}

	w.logger.Info("document chunks written", zap.String("document_id", documentID), zap.Int("chunks", len(chunks)))
	return nil
}
