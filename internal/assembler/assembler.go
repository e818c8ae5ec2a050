// Package assembler chooses how the context of a turn is built.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/contextcache"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/retrieval"
	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/metrics"
)

// CacheRegistry is the subset of contextcache.Registry the assembler needs.
type CacheRegistry interface {
	Lookup(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	Ensure(ctx context.Context, fingerprint, modelName, text string, ttl time.Duration) (*model.CacheEntry, error)
}

// Embedder turns a query into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever runs hybrid vector and keyword search over a document's chunks.
type Retriever interface {
	HybridSearch(ctx context.Context, q retrieval.Query) ([]model.RetrievedChunk, error)
}

// TokenCounter counts input tokens of a text for a model.
type TokenCounter interface {
	CountTokens(ctx context.Context, modelName, text string) (int, error)
}

// Config holds the assembly thresholds.
type Config struct {
	TopK int
	// CacheMinTokens is the provider minimum for context caching.
	CacheMinTokens int
	// MaxContextTokens bounds the full-text escape hatch.
	MaxContextTokens int
	CacheTTL         time.Duration
}

// Request is the input of one assembly.
type Request struct {
	// Document is nil for free chat.
	Document      *model.Document
	UserText      string
	Model         string
	RAG           bool
	KeywordWeight float64
	Cache         bool
	EnableSearch  bool
}

// Assembly is the prompt context chosen for a turn.
type Assembly struct {
	Mode          model.Mode
	SystemPrompt  string
	Sources       []model.Source
	CachedContent string
}

// Assembler picks one of the context strategies for each turn.
type Assembler struct {
	cache     CacheRegistry
	embedder  Embedder
	retriever Retriever
	counter   TokenCounter
	cfg       Config
	logger    *logger.Logger
}

// New creates an Assembler. cache, embedder and retriever may be nil, which
// disables the corresponding mode.
func New(cache CacheRegistry, embedder Embedder, retriever Retriever, counter TokenCounter, cfg Config, log *logger.Logger) *Assembler {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Assembler{
		cache:     cache,
		embedder:  embedder,
		retriever: retriever,
		counter:   counter,
		cfg:       cfg,
		logger:    log.Named("assembler"),
	}
}

// Assemble builds the context for req. Provider failures demote to a lower
// mode; a ModelMismatchError is returned to the caller.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Assembly, error) {
	doc := req.Document

	if doc != nil && req.Cache {
		out, err := a.fromCache(ctx, req)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}

	if doc != nil && req.RAG && doc.Indexed && a.retrievalConfigured() {
		out, err := a.fromRetrieval(ctx, req)
		switch {
		case err == nil:
			return out, nil
		case model.IsProviderError(err):
			metrics.RecordDemotion("retrieval")
			a.logger.Warn("retrieval unavailable, using plain knowledge",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
		default:
			return nil, err
		}
	}

	return a.plainKnowledge(req), nil
}

func (a *Assembler) retrievalConfigured() bool {
	return a.embedder != nil && a.retriever != nil
}

var errNoChunks = errors.New("retrieval returned no chunks")

// fromCache covers the cached-context and full-text modes. A nil Assembly
// with a nil error means neither applies. When cache creation fails the
// full text is used if it fits; otherwise retrieval is tried next.
func (a *Assembler) fromCache(ctx context.Context, req Request) (*Assembly, error) {
	doc := req.Document
	fingerprint := doc.Fingerprint
	if fingerprint == "" {
		fingerprint = contextcache.Fingerprint(doc.Text)
	}

	if a.cache != nil {
		entry, err := a.cache.Lookup(ctx, fingerprint)
		switch {
		case err != nil:
			metrics.RecordDemotion("cache_probe")
			a.logger.Warn("context cache probe failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		case entry != nil:
			if !entry.BoundTo(req.Model) {
				return nil, &model.ModelMismatchError{Fingerprint: fingerprint, Bound: entry.Model, Requested: req.Model}
			}
			return cachedAssembly(entry), nil
		}
	}

	tokens := a.countTokens(ctx, req.Model, doc.Text)

	if tokens >= a.cfg.CacheMinTokens && a.cache != nil {
		entry, err := a.cache.Ensure(ctx, fingerprint, req.Model, doc.Text, a.cfg.CacheTTL)
		switch {
		case model.IsModelMismatch(err):
			return nil, err
		case err != nil:
			metrics.RecordDemotion("cache_create")
			a.logger.Warn("context cache creation failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		default:
			return cachedAssembly(entry), nil
		}
	}

	if a.cfg.MaxContextTokens > 0 && tokens > a.cfg.MaxContextTokens {
		metrics.RecordDemotion("full_text")
		a.logger.Info("document too large for full text",
			zap.String("document_id", doc.ID),
			zap.Int("tokens", tokens),
		)
		return nil, nil
	}

	// Below the caching minimum, or the cache is unavailable but the text still fits.
	return &Assembly{
		Mode:         model.ModeFullText,
		SystemPrompt: fmt.Sprintf(fullTextPrompt, doc.Title, doc.Text),
		Sources:      []model.Source{{Text: "full text, cache not applicable", Score: 100}},
	}, nil
}

func cachedAssembly(entry *model.CacheEntry) *Assembly {
	return &Assembly{
		Mode:          model.ModeCachedContext,
		SystemPrompt:  cachedPrompt,
		CachedContent: entry.Handle,
		Sources: []model.Source{{
			Text:  fmt.Sprintf("full document from context cache (%d tokens)", entry.TokenCount),
			Score: 100,
		}},
	}
}

func (a *Assembler) fromRetrieval(ctx context.Context, req Request) (*Assembly, error) {
	vector, err := a.embedder.EmbedQuery(ctx, req.UserText)
	if err != nil {
		return nil, model.NewProviderError("embedding", "embed_query", err)
	}

	chunks, err := a.retriever.HybridSearch(ctx, retrieval.Query{
		DocumentID:    req.Document.ID,
		Text:          req.UserText,
		Vector:        vector,
		TopK:          a.cfg.TopK,
		KeywordWeight: req.KeywordWeight,
	})
	if err != nil {
		return nil, model.NewProviderError("retrieval", "hybrid_search", err)
	}
	if len(chunks) == 0 {
		return nil, model.NewProviderError("retrieval", "hybrid_search", errNoChunks)
	}
	if len(chunks) > a.cfg.TopK {
		chunks = chunks[:a.cfg.TopK]
	}

	sources := make([]model.Source, len(chunks))
	for i, c := range chunks {
		sources[i] = model.Source{Text: preview(c.Text), Score: c.Score * 100}
	}

	return &Assembly{
		Mode:         model.ModeRetrieval,
		SystemPrompt: fmt.Sprintf(retrievalPrompt, describeDocument(req.Document), buildRetrievalContext(chunks)),
		Sources:      sources,
	}, nil
}

func (a *Assembler) plainKnowledge(req Request) *Assembly {
	prompt := freeChatPrompt
	if req.Document != nil {
		prompt = fmt.Sprintf(knowledgePrompt, describeDocument(req.Document))
	}
	return &Assembly{
		Mode:         model.ModePlainKnowledge,
		SystemPrompt: prompt,
		Sources:      []model.Source{{Text: EngineLabel(req.EnableSearch && llm.SupportsWebSearch(req.Model)), Score: 100}},
	}
}

func (a *Assembler) countTokens(ctx context.Context, modelName, text string) int {
	if a.counter == nil {
		return llm.ApproximateTokens(text)
	}
	n, err := a.counter.CountTokens(ctx, modelName, text)
	if err != nil {
		return llm.ApproximateTokens(text)
	}
	return n
}
