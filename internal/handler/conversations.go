package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/middleware"
	"github.com/capitalize-ai/docchat/internal/service"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// ConversationHandler handles conversation read endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{service: svc, logger: log.Named("conversations")}
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.service.Get(ctx, middleware.GetTenantID(ctx), conversationID)
	if err != nil {
		writeServiceError(w, err, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Messages handles GET /api/v1/conversations/{id}/messages
// Supports ?after_sequence=N&limit=M for paging through the transcript.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSequence uint64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = seq
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	resp, err := h.service.Messages(ctx, middleware.GetTenantID(ctx), conversationID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to read transcript", zap.String("conversation_id", conversationID), zap.Error(err))
		writeServiceError(w, err, "failed to read transcript")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
