package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/docchat/internal/middleware"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// RouterConfig holds the handlers and limits mounted by NewRouter.
type RouterConfig struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TurnRateLimit     int

	Health        *HealthHandler
	Turns         *TurnHandler
	Conversations *ConversationHandler
	// Documents, Cache and Usage may be nil when their backends are not configured.
	Documents *DocumentHandler
	Cache     *CacheHandler
	Usage     *UsageHandler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", cfg.Conversations.Get)
			r.Get("/messages", cfg.Conversations.Messages)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeChat))
				r.Use(middleware.TurnRateLimit(cfg.TurnRateLimit, time.Minute))
				r.Post("/turns", cfg.Turns.Stream)
				r.Get("/ws", cfg.Turns.WebSocket)
			})
		})

		if cfg.Documents != nil {
			r.Route("/documents", func(r chi.Router) {
				r.Get("/", cfg.Documents.List)
				r.Post("/", cfg.Documents.Create)
				r.Get("/{id}", cfg.Documents.Get)
				r.Delete("/{id}", cfg.Documents.Delete)
				r.Post("/{id}/index", cfg.Documents.Index)
			})
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Handle("/log-level", log.LevelHandler())
			if cfg.Usage != nil {
				r.Get("/usage", cfg.Usage.Get)
			}
		})

		if cfg.Cache != nil {
			r.Route("/cache", func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeAdmin))
				r.Get("/", cfg.Cache.List)
				r.Delete("/{fingerprint}", cfg.Cache.Delete)
			})
		}
	})

	return r
}
