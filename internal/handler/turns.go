package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/middleware"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/service"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

const maxTurnBody = 1 << 20

// TurnHandler starts streaming turns over SSE or WebSocket.
type TurnHandler struct {
	turns     *service.TurnService
	logger    *logger.Logger
	upgrader  websocket.Upgrader
	keepAlive time.Duration
}

// NewTurnHandler creates a turn handler. allowedOrigins restricts WebSocket
// upgrades; an empty list accepts any origin.
func NewTurnHandler(turns *service.TurnService, allowedOrigins []string, log *logger.Logger) *TurnHandler {
	h := &TurnHandler{
		turns:     turns,
		logger:    log.Named("turns"),
		keepAlive: 15 * time.Second,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// turnRequest is the body of a turn on either transport.
type turnRequest struct {
	DocumentID     string            `json:"document_id,omitempty"`
	Text           string            `json:"text"`
	Options        model.TurnOptions `json:"options"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// connectionID keys the session registry. A client that sends an idempotency
// key gets one live session per key, so a resubmitted turn is rejected while
// the first is still streaming.
func connectionID(tenantID, conversationID, key string) (string, error) {
	if key == "" {
		return uuid.New().String(), nil
	}
	if err := middleware.ValidateIdempotencyKey(key); err != nil {
		return "", err
	}
	return tenantID + "/" + conversationID + "/" + key, nil
}

func (t turnRequest) toModel(tenantID, conversationID string) *model.TurnRequest {
	return &model.TurnRequest{
		ConversationID: conversationID,
		TenantID:       tenantID,
		DocumentID:     t.DocumentID,
		Text:           t.Text,
		Options:        t.Options,
	}
}

// Stream handles POST /api/v1/conversations/{id}/turns and answers with an
// SSE stream of turn events.
func (h *TurnHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		body.IdempotencyKey = key
	}
	tenantID := middleware.GetTenantID(ctx)
	connID, err := connectionID(tenantID, conversationID, body.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, ok := newSSESink(ctx, w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, err := h.turns.Prepare(ctx, connID, body.toModel(tenantID, conversationID), sink)
	if err != nil {
		writeServiceError(w, err, "failed to start turn")
		return
	}

	h.logger.WithContext(middleware.GetCorrelationID(ctx), tenantID, middleware.GetUserID(ctx)).
		Debug("turn started", zap.String("conversation_id", conversationID), zap.String("connection_id", connID))

	sink.keepAlive(h.keepAlive)
	_ = h.turns.Run(ctx, sess)
}

// WebSocket handles GET /api/v1/conversations/{id}/ws. The client sends one
// JSON turn request; events come back as JSON frames and the server closes
// the connection after the terminal event. Closing the socket cancels the turn.
func (h *TurnHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := middleware.GetTenantID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))

	sink := newWSSink(conn)
	var body turnRequest
	if err := conn.ReadJSON(&body); err != nil {
		if isUnexpectedClose(err) {
			_ = sink.Write(model.NewErrorEvent("invalid_request", "expected a JSON turn request"))
		}
		_ = sink.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go watchClose(conn, cancel)

	connID, err := connectionID(tenantID, conversationID, body.IdempotencyKey)
	if err != nil {
		_ = sink.Write(model.NewErrorEvent("invalid_request", err.Error()))
		_ = sink.Close()
		return
	}
	sess, err := h.turns.Prepare(ctx, connID, body.toModel(tenantID, conversationID), sink)
	if err != nil {
		code := "internal_error"
		msg := "failed to start turn"
		if model.IsValidation(err) {
			code, msg = "invalid_request", err.Error()
		} else if errors.Is(err, service.ErrSessionExists) {
			code, msg = "conflict", err.Error()
		}
		_ = sink.Write(model.NewErrorEvent(code, msg))
		_ = sink.Close()
		return
	}

	_ = h.turns.Run(ctx, sess)
}
