// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Conversation store: "nats" (JetStream KV) or "bolt" (embedded file)
	StoreBackend string
	BoltPath     string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	DefaultModel    string
	SummaryModel    string
	MaxOutputTokens int
	ThinkingBudget  int

	// Retrieval settings
	EmbeddingModel string
	WeaviateHost   string
	WeaviateScheme string
	WeaviateClass  string
	RAGTopK        int
	ChunkSize      int
	ChunkOverlap   int

	// Context cache
	CacheTTL         time.Duration
	CacheMinTokens   int
	MaxContextTokens int

	// Conversation memory
	CompactionThreshold int
	CompactionTail      int
	CompactionTimeout   time.Duration

	// Turn validation
	MinTurnChars int

	// Pricing
	PricingFile string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TurnRateLimit     int

	// Allowed browser origins for CORS and WebSocket upgrades
	CORSOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Store
		StoreBackend: getEnv("STORE_BACKEND", "nats"),
		BoltPath:     getEnv("BOLT_PATH", "data/conversations.bolt"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "claude-sonnet-4-5"),
		SummaryModel:    getEnv("SUMMARY_MODEL", ""),
		MaxOutputTokens: getIntEnv("MAX_OUTPUT_TOKENS", 4096),
		ThinkingBudget:  getIntEnv("THINKING_BUDGET", 0),

		// Retrieval
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		WeaviateHost:   getEnv("WEAVIATE_HOST", "localhost:8081"),
		WeaviateScheme: getEnv("WEAVIATE_SCHEME", "http"),
		WeaviateClass:  getEnv("WEAVIATE_CLASS", "DocumentChunk"),
		RAGTopK:        getIntEnv("RAG_TOP_K", 5),
		ChunkSize:      getIntEnv("CHUNK_SIZE", 1200),
		ChunkOverlap:   getIntEnv("CHUNK_OVERLAP", 200),

		// Context cache
		CacheTTL:         getDurationEnv("CACHE_TTL", time.Hour),
		CacheMinTokens:   getIntEnv("CACHE_MIN_TOKENS", 1024),
		MaxContextTokens: getIntEnv("MAX_CONTEXT_TOKENS", 180000),

		// Conversation memory
		CompactionThreshold: getIntEnv("COMPACTION_THRESHOLD", 20),
		CompactionTail:      getIntEnv("COMPACTION_TAIL", 6),
		CompactionTimeout:   getDurationEnv("COMPACTION_TIMEOUT", 2*time.Minute),

		// Turn validation
		MinTurnChars: getIntEnv("MIN_TURN_CHARS", 2),

		// Pricing
		PricingFile: getEnv("PRICING_FILE", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		TurnRateLimit:     getIntEnv("TURN_RATE_LIMIT", 20),

		CORSOrigins: getListEnv("CORS_ORIGINS"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// SummarizerModel returns the model used for compaction, defaulting to the turn model.
func (c *Config) SummarizerModel() string {
	if c.SummaryModel != "" {
		return c.SummaryModel
	}
	return c.DefaultModel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
