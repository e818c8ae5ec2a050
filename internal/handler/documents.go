package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/document"
	"github.com/capitalize-ai/docchat/internal/middleware"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// maxDocumentBytes bounds registered document text.
const maxDocumentBytes = 32 << 20

// DocumentHandler handles the document library endpoints.
type DocumentHandler struct {
	service *document.Service
	logger  *logger.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(svc *document.Service, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{service: svc, logger: log.Named("documents")}
}

// Create handles POST /api/v1/documents
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateDocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes+4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateDocumentText(req.Text, maxDocumentBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	doc, err := h.service.Create(ctx, middleware.GetTenantID(ctx), &req)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		writeServiceError(w, err, "failed to create document")
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// List handles GET /api/v1/documents
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := h.service.List(ctx, middleware.GetTenantID(ctx))
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		writeServiceError(w, err, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// Get handles GET /api/v1/documents/{id}
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.GetMeta(r.Context(), middleware.GetTenantID(r.Context()), id)
	if err != nil {
		writeServiceError(w, err, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Delete handles DELETE /api/v1/documents/{id}
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), middleware.GetTenantID(r.Context()), id); err != nil {
		writeServiceError(w, err, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Index handles POST /api/v1/documents/{id}/index
func (h *DocumentHandler) Index(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Index(r.Context(), middleware.GetTenantID(r.Context()), id)
	if err != nil {
		writeServiceError(w, err, "failed to index document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateDocumentID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
