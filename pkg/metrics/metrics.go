// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// LLMCostTotal tracks accumulated model spend.
	LLMCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_cost_usd_total",
			Help: "Total model spend in USD",
		},
		[]string{"model"},
	)

	// LLMCancellationsTotal tracks upstream requests cancelled after the client went away.
	LLMCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_cancellations_total",
			Help: "Upstream model requests cancelled because the client disconnected",
		},
	)

	// StreamSessionsActive tracks turns currently streaming.
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Number of active streaming turns",
		},
	)

	// TurnsTotal tracks finished turns by assembly mode and outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total turns by assembly mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// AssemblyDemotionsTotal tracks best-effort fallbacks during context assembly.
	AssemblyDemotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assembly_demotions_total",
			Help: "Context assembly fallbacks by failed stage",
		},
		[]string{"stage"},
	)

	// ContextCacheOps tracks context cache lookups and creations.
	ContextCacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_cache_operations_total",
			Help: "Context cache operations by result",
		},
		[]string{"op", "result"},
	)

	// CompactionsTotal tracks conversation memory compactions.
	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_compactions_total",
			Help: "Conversation memory compactions by outcome",
		},
		[]string{"outcome"},
	)

	// MessagesTotal tracks messages written to the transcript.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcript_messages_total",
			Help: "Total messages written to the transcript",
		},
		[]string{"tenant_id", "role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordCost adds a turn's cost to the model's running total.
func RecordCost(model string, usd float64) {
	if usd > 0 {
		LLMCostTotal.WithLabelValues(model).Add(usd)
	}
}

// RecordTurn records a finished turn.
func RecordTurn(mode, outcome string) {
	TurnsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordDemotion records an assembly fallback.
func RecordDemotion(stage string) {
	AssemblyDemotionsTotal.WithLabelValues(stage).Inc()
}

// RecordCacheOp records a context cache operation.
func RecordCacheOp(op, result string) {
	ContextCacheOps.WithLabelValues(op, result).Inc()
}

// RecordCompaction records a compaction outcome.
func RecordCompaction(outcome string) {
	CompactionsTotal.WithLabelValues(outcome).Inc()
}

// IncrementStreamSessions increments the active stream session count.
func IncrementStreamSessions() {
	StreamSessionsActive.Inc()
}

// DecrementStreamSessions decrements the active stream session count.
func DecrementStreamSessions() {
	StreamSessionsActive.Dec()
}
