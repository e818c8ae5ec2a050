// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/assembler"
	"github.com/capitalize-ai/docchat/internal/config"
	"github.com/capitalize-ai/docchat/internal/contextcache"
	"github.com/capitalize-ai/docchat/internal/document"
	"github.com/capitalize-ai/docchat/internal/embedding"
	"github.com/capitalize-ai/docchat/internal/handler"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/memory"
	natsclient "github.com/capitalize-ai/docchat/internal/nats"
	"github.com/capitalize-ai/docchat/internal/retrieval"
	"github.com/capitalize-ai/docchat/internal/service"
	"github.com/capitalize-ai/docchat/internal/session"
	"github.com/capitalize-ai/docchat/internal/usage"
	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")
	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "docchat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	transcript := natsclient.NewTranscript(natsClient)
	if err := transcript.EnsureStream(ctx); err != nil {
		return err
	}
	documents, err := natsclient.NewDocumentStore(ctx, natsClient)
	if err != nil {
		return err
	}
	cacheProvider, err := natsclient.NewCacheProvider(ctx, natsClient, cfg.CacheTTL)
	if err != nil {
		return err
	}

	store, closeStore, err := openConversationStore(ctx, cfg, natsClient)
	if err != nil {
		return err
	}
	defer closeStore()

	router, err := newModelRouter(cfg, cacheProvider)
	if err != nil {
		return err
	}
	cacheProvider.SetCounter(router)
	dispatcher := llm.NewDispatcher(router, log)

	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		return err
	}

	checks := map[string]handler.Check{"nats": natsClient.Ready}

	// Retrieval needs both an embedding provider and the vector store.
	var (
		embedder  assembler.Embedder
		retriever assembler.Retriever
		indexer   document.Indexer
	)
	if cfg.OpenAIAPIKey != "" && cfg.WeaviateHost != "" {
		emb, err := embedding.NewOpenAI(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return err
		}
		wv, err := retrieval.NewWeaviate(cfg.WeaviateHost, cfg.WeaviateScheme, cfg.WeaviateClass, log)
		if err != nil {
			return err
		}
		embedder, retriever = emb, wv
		indexer = retrieval.NewIndexer(emb, wv, cfg.ChunkSize, cfg.ChunkOverlap, log)
		checks["weaviate"] = wv.Ready
	} else {
		log.Warn("retrieval disabled: OPENAI_API_KEY and WEAVIATE_HOST are required")
	}

	cacheRegistry := contextcache.NewRegistry(cacheProvider, cfg.CacheTTL, log)
	asm := assembler.New(cacheRegistry, embedder, retriever, dispatcher, assembler.Config{
		TopK:             cfg.RAGTopK,
		CacheMinTokens:   cfg.CacheMinTokens,
		MaxContextTokens: cfg.MaxContextTokens,
		CacheTTL:         cfg.CacheTTL,
	}, log)

	mem := memory.New(store, dispatcher, memory.Config{
		Threshold: cfg.CompactionThreshold,
		Tail:      cfg.CompactionTail,
		Model:     cfg.SummarizerModel(),
		Timeout:   cfg.CompactionTimeout,
	}, log)

	accountant := usage.NewAccountant(pricing)
	turns := service.NewTurnService(session.Deps{
		Assembler:  asm,
		Memory:     mem,
		Dispatcher: dispatcher,
		Accountant: accountant,
		Recorder:   transcript,
		Logger:     log,
	}, session.Options{
		DefaultModel:    cfg.DefaultModel,
		MaxOutputTokens: cfg.MaxOutputTokens,
		ThinkingBudget:  cfg.ThinkingBudget,
	}, documents, session.NewRegistry(), cfg.MinTurnChars, log)

	docService := document.NewService(documents, indexer, log)

	api := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		TurnRateLimit:     cfg.TurnRateLimit,
		Health:            handler.NewHealthHandler(checks, turns.ActiveSessions),
		Turns:             handler.NewTurnHandler(turns, cfg.CORSOrigins, log),
		Conversations:     handler.NewConversationHandler(service.NewConversationService(mem, transcript), log),
		Documents:         handler.NewDocumentHandler(docService, log),
		Cache:             handler.NewCacheHandler(cacheRegistry),
		Usage:             handler.NewUsageHandler(accountant),
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := mem.Wait(shutdownCtx); err != nil {
		log.Warn("background compactions still running at shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openConversationStore selects the conversation memory backend.
func openConversationStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (memory.Store, func(), error) {
	switch cfg.StoreBackend {
	case "bolt":
		bolt, err := memory.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return bolt, func() { _ = bolt.Close() }, nil
	case "nats", "":
		kv, err := natsclient.NewConversationStore(ctx, nc)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

// newModelRouter configures every provider with a key. DEFAULT_LLM goes first
// and serves models no provider claims.
func newModelRouter(cfg *config.Config, resolver llm.ContentResolver) (*llm.Router, error) {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	order := []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI}
	if llm.Provider(cfg.DefaultLLM) == llm.ProviderOpenAI {
		order = []llm.Provider{llm.ProviderOpenAI, llm.ProviderAnthropic}
	}

	var clients []llm.Client
	for _, p := range order {
		if keys[p] == "" {
			continue
		}
		c, err := llm.NewClient(p, keys[p], resolver)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", p, err)
		}
		clients = append(clients, c)
	}

	router := llm.NewRouter(clients...)
	if router.Empty() {
		return nil, errors.New("no model provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return router, nil
}
