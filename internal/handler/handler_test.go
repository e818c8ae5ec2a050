package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/docchat/internal/assembler"
	"github.com/capitalize-ai/docchat/internal/contextcache"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/llm/llmtest"
	"github.com/capitalize-ai/docchat/internal/middleware"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/service"
	"github.com/capitalize-ai/docchat/internal/session"
	"github.com/capitalize-ai/docchat/internal/usage"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

const secret = "handler-secret"

type stubAssembler struct{}

func (stubAssembler) Assemble(context.Context, assembler.Request) (*assembler.Assembly, error) {
	return &assembler.Assembly{
		Mode:         model.ModePlainKnowledge,
		SystemPrompt: "sys",
		Sources:      []model.Source{{Text: "model pretrained knowledge only", Score: 100}},
	}, nil
}

type stubMemory struct {
	mu    sync.Mutex
	state map[string]*model.ConversationState
}

func (m *stubMemory) GetContext(context.Context, string) (*model.ConversationContext, error) {
	return &model.ConversationContext{}, nil
}

func (m *stubMemory) Append(_ context.Context, id string, msgs ...model.HistoryMessage) (*model.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[id]
	if !ok {
		st = &model.ConversationState{ID: id}
		m.state[id] = st
	}
	st.History = append(st.History, msgs...)
	st.TurnCount++
	return st.Clone(), nil
}

func (m *stubMemory) Due(*model.ConversationState) bool { return false }
func (m *stubMemory) MaybeCompact(string) bool          { return false }

func (m *stubMemory) State(_ context.Context, id string) (*model.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return st.Clone(), nil
}

type noDocuments struct{}

func (noDocuments) Get(context.Context, string, string) (*model.Document, error) {
	return nil, model.ErrNotFound
}

type memCacheProvider struct{}

func (memCacheProvider) Create(context.Context, string, string, string, time.Duration) (*model.CacheEntry, error) {
	return nil, errors.New("unused")
}
func (memCacheProvider) Get(context.Context, string) (*model.CacheEntry, error) {
	return nil, model.ErrNotFound
}
func (memCacheProvider) List(context.Context) ([]*model.CacheEntry, error) {
	return []*model.CacheEntry{{Fingerprint: "fp", Model: "m", Handle: "h"}}, nil
}
func (memCacheProvider) Delete(context.Context, string) error { return nil }

type testAPI struct {
	server     *httptest.Server
	memory     *stubMemory
	accountant *usage.Accountant
}

func newTestAPI(t *testing.T, client llm.Client, checks map[string]Check) *testAPI {
	t.Helper()
	log := logger.NewNop()
	mem := &stubMemory{state: make(map[string]*model.ConversationState)}
	accountant := usage.NewAccountant(nil)
	deps := session.Deps{
		Assembler:  stubAssembler{},
		Memory:     mem,
		Dispatcher: llm.NewDispatcher(client, log),
		Accountant: accountant,
		Logger:     log,
	}
	turns := service.NewTurnService(deps, session.Options{DefaultModel: "claude-sonnet-4-5"}, noDocuments{}, session.NewRegistry(), 2, log)

	router := NewRouter(RouterConfig{
		JWTSecret:         secret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		TurnRateLimit:     1000,
		Health:            NewHealthHandler(checks, turns.ActiveSessions),
		Turns:             NewTurnHandler(turns, nil, log),
		Conversations:     NewConversationHandler(service.NewConversationService(mem, nil), log),
		Cache:             NewCacheHandler(contextcache.NewRegistry(memCacheProvider{}, time.Hour, log)),
		Usage:             NewUsageHandler(accountant),
	}, log)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, memory: mem, accountant: accountant}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "acme",
		Scopes:           scopes,
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (a *testAPI) do(t *testing.T, method, path, body string, scopes ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, scopes...))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func sseEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	return types
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestTurnStream_SSE(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{Chunks: []string{"Call me ", "Ishmael."}}, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations/conv-1/turns", `{"text":"who narrates?"}`, middleware.ScopeChat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := readAll(t, resp)
	assert.Equal(t, []string{"sources", "content", "content", "usage", "done"}, sseEventTypes(t, body))
	assert.Contains(t, body, `"text":"Ishmael."`)

	state, err := api.memory.State(context.Background(), model.ScopedConversationID("acme", "conv-1"))
	require.NoError(t, err)
	assert.Len(t, state.History, 2)

	got := api.do(t, http.MethodGet, "/api/v1/conversations/conv-1", "")
	require.Equal(t, http.StatusOK, got.StatusCode)
	var decoded model.ConversationState
	require.NoError(t, json.NewDecoder(got.Body).Decode(&decoded))
	assert.Equal(t, "conv-1", decoded.ID)
	assert.Equal(t, uint64(1), decoded.TurnCount)
}

func (a *testAPI) postTurn(t *testing.T, conversationID, idempotencyKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/api/v1/conversations/"+conversationID+"/turns",
		strings.NewReader(`{"text":"who narrates?"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, middleware.ScopeChat))
	req.Header.Set("Idempotency-Key", idempotencyKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) activeSessions() int {
	resp, err := http.Get(a.server.URL + "/ready")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	var body struct {
		ActiveSessions int `json:"active_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return -1
	}
	return body.ActiveSessions
}

func TestTurnStream_DuplicateIdempotencyKeyConflicts(t *testing.T) {
	gate := make(chan struct{})
	api := newTestAPI(t, &llmtest.Client{Chunks: []string{"Ishmael."}, Gate: gate}, nil)

	first := api.postTurn(t, "conv-1", "turn-1")
	require.Equal(t, http.StatusOK, first.StatusCode)

	dup := api.postTurn(t, "conv-1", "turn-1")
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := api.postTurn(t, "conv-1", "not a key!")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	close(gate)
	assert.Equal(t, []string{"sources", "content", "usage", "done"}, sseEventTypes(t, readAll(t, first)))
	require.Eventually(t, func() bool { return api.activeSessions() == 0 }, time.Second, 5*time.Millisecond)

	again := api.postTurn(t, "conv-1", "turn-1")
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Contains(t, readAll(t, again), "event: done")
}

func TestTurnStream_RejectedBeforeStreaming(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{Chunks: []string{"x"}}, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations/conv-1/turns", `{"text":"a"}`, middleware.ScopeChat)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp = api.do(t, http.MethodPost, "/api/v1/conversations/conv-1/turns", `{"text":"hello","document_id":"d"}`, middleware.ScopeChat)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/conversations/bad.id/turns", `{"text":"hello"}`, middleware.ScopeChat)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/v1/conversations/conv-1/turns", `{"text":"hello"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTurnStream_ProviderErrorIsAnEvent(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{Chunks: []string{"par"}, Err: model.NewProviderError("anthropic", "stream", errors.New("overloaded"))}, nil)

	resp := api.do(t, http.MethodPost, "/api/v1/conversations/conv-1/turns", `{"text":"hello"}`, middleware.ScopeChat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAll(t, resp)
	types := sseEventTypes(t, body)
	require.NotEmpty(t, types)
	assert.Equal(t, "error", types[len(types)-1])
	assert.NotContains(t, types, "done")
	assert.Contains(t, body, "overloaded")
}

func TestTurnWebSocket(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{Chunks: []string{"Hello ", "there."}}, nil)

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/api/v1/conversations/conv-ws/ws?access_token=" + token(t, middleware.ScopeChat)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"text": "greet me"}))

	var types []model.StreamEventType
	for {
		var ev struct {
			Type model.StreamEventType `json:"type"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.StreamEventType{
		model.StreamSources, model.StreamContent, model.StreamContent, model.StreamUsage, model.StreamDone,
	}, types)
}

func TestTurnWebSocket_InvalidRequest(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{}, nil)

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/api/v1/conversations/conv-ws/ws?access_token=" + token(t, middleware.ScopeChat)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"text": ""}))

	var ev struct {
		Type model.StreamEventType `json:"type"`
		Data model.ErrorEvent      `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.StreamError, ev.Type)
	assert.Equal(t, "invalid_request", ev.Data.Code)
}

func TestConversationGet_NotFound(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{}, nil)
	resp := api.do(t, http.MethodGet, "/api/v1/conversations/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCache_RequiresAdmin(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{}, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/cache", "", middleware.ScopeChat)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/cache", "", middleware.ScopeAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []model.CacheEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Entries, 1)

	resp = api.do(t, http.MethodDelete, "/api/v1/cache/not-hex", "", middleware.ScopeAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, "/api/v1/cache/"+strings.Repeat("a", 64), "", middleware.ScopeAdmin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsage(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{}, nil)
	api.accountant.Record("claude-sonnet-4-5", model.RawUsage{InputTokens: 10, OutputTokens: 4})

	resp := api.do(t, http.MethodGet, "/api/v1/admin/usage", "", middleware.ScopeChat)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/v1/admin/usage", "", middleware.ScopeAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Models map[string]usage.Stat `json:"models"`
		Totals usage.Stat            `json:"totals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 10, body.Totals.PromptTokens)
	assert.Equal(t, 4, body.Totals.CompletionTokens)
	assert.Contains(t, body.Models, "claude-sonnet-4-5")
}

func TestReady(t *testing.T) {
	api := newTestAPI(t, &llmtest.Client{}, map[string]Check{
		"nats": func(context.Context) error { return errors.New("not connected") },
	})
	resp, err := http.Get(api.server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	healthy := newTestAPI(t, &llmtest.Client{}, map[string]Check{
		"nats": func(context.Context) error { return nil },
	})
	resp, err = http.Get(healthy.server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSESink_DeadContextIsSticky(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	sink, ok := newSSESink(ctx, w)
	require.True(t, ok)

	require.NoError(t, sink.Write(model.NewSourcesEvent(model.ModePlainKnowledge, nil)))
	assert.True(t, sink.Started())

	cancel()
	err := sink.Write(model.NewDeltaEvent(false, "x", 0))
	assert.ErrorIs(t, err, model.ErrTransportDead)
	assert.ErrorIs(t, sink.Write(model.NewDeltaEvent(false, "y", 1)), model.ErrTransportDead)
	assert.NotContains(t, w.Body.String(), `"x"`)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}
