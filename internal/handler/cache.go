package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/docchat/internal/contextcache"
	"github.com/capitalize-ai/docchat/internal/middleware"
)

// CacheHandler exposes context-cache administration.
type CacheHandler struct {
	registry *contextcache.Registry
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(registry *contextcache.Registry) *CacheHandler {
	return &CacheHandler{registry: registry}
}

// List handles GET /api/v1/cache
func (h *CacheHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.registry.List(r.Context())
	if err != nil {
		writeServiceError(w, err, "failed to list cache entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Delete handles DELETE /api/v1/cache/{fingerprint}
func (h *CacheHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := middleware.ValidateFingerprint(fp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Delete(r.Context(), fp); err != nil {
		writeServiceError(w, err, "failed to delete cache entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
