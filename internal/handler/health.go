package handler

import (
	"context"
	"net/http"
	"time"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks   map[string]Check
	sessions func() int
}

// NewHealthHandler creates a health handler. sessions reports the number of
// active turns and may be nil.
func NewHealthHandler(checks map[string]Check, sessions func() int) *HealthHandler {
	return &HealthHandler{checks: checks, sessions: sessions}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	body := map[string]any{"status": "ready"}
	if h.sessions != nil {
		body["active_sessions"] = h.sessions()
	}
	if len(failures) > 0 {
		body["status"] = "not ready"
		body["failures"] = failures
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
