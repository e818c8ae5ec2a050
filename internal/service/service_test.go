package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/docchat/internal/assembler"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/llm/llmtest"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/session"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

type sliceSink struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (s *sliceSink) Write(e model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sliceSink) Close() error { return nil }

type stubAssembler struct{ doc *model.Document }

func (a *stubAssembler) Assemble(_ context.Context, req assembler.Request) (*assembler.Assembly, error) {
	a.doc = req.Document
	return &assembler.Assembly{Mode: model.ModePlainKnowledge, SystemPrompt: "sys"}, nil
}

type stubMemory struct {
	mu     sync.Mutex
	states map[string]*model.ConversationState
}

func (m *stubMemory) GetContext(context.Context, string) (*model.ConversationContext, error) {
	return &model.ConversationContext{}, nil
}

func (m *stubMemory) Append(_ context.Context, id string, msgs ...model.HistoryMessage) (*model.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &model.ConversationState{ID: id}
		m.states[id] = st
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
	st, ok := m.states[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return st.Clone(), nil
}

type stubAccountant struct{}

func (stubAccountant) Record(string, model.RawUsage) *model.UsageRecord { return &model.UsageRecord{} }

type stubDocuments map[string]*model.Document

func (d stubDocuments) Get(_ context.Context, _ string, id string) (*model.Document, error) {
	doc, ok := d[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc, nil
}

type serviceFixture struct {
	turns     *TurnService
	memory    *stubMemory
	assembler *stubAssembler
	registry  *session.Registry
}

func newServiceFixture(client llm.Client) *serviceFixture {
	mem := &stubMemory{states: make(map[string]*model.ConversationState)}
	asm := &stubAssembler{}
	reg := session.NewRegistry()
	deps := session.Deps{
		Assembler:  asm,
		Memory:     mem,
		Dispatcher: llm.NewDispatcher(client, logger.NewNop()),
		Accountant: stubAccountant{},
	}
	docs := stubDocuments{"d1": {ID: "d1", TenantID: "acme", Title: "Moby Dick", Text: "Call me Ishmael."}}
	return &serviceFixture{
		turns:     NewTurnService(deps, session.Options{DefaultModel: "claude-sonnet-4-5"}, docs, reg, 2, logger.NewNop()),
		memory:    mem,
		assembler: asm,
		registry:  reg,
	}
}

func TestPrepare_RejectsShortText(t *testing.T) {
	f := newServiceFixture(&llmtest.Client{})
	sink := &sliceSink{}

	_, err := f.turns.Prepare(context.Background(), "conn", &model.TurnRequest{TenantID: "acme", ConversationID: "c", Text: "a"}, sink)
	assert.True(t, model.IsValidation(err))
	assert.Empty(t, sink.events)
	assert.Equal(t, 0, f.registry.Len())
}

func TestPrepare_UnknownDocument(t *testing.T) {
	f := newServiceFixture(&llmtest.Client{})

	_, err := f.turns.Prepare(context.Background(), "conn", &model.TurnRequest{
		TenantID: "acme", ConversationID: "c", DocumentID: "nope", Text: "hello there",
	}, &sliceSink{})
	assert.True(t, model.IsValidation(err))
}

func TestPrepare_DuplicateConnection(t *testing.T) {
	f := newServiceFixture(&llmtest.Client{})
	req := &model.TurnRequest{TenantID: "acme", ConversationID: "c", Text: "hello there"}

	_, err := f.turns.Prepare(context.Background(), "conn", req, &sliceSink{})
	require.NoError(t, err)
	_, err = f.turns.Prepare(context.Background(), "conn", req, &sliceSink{})
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, 1, f.turns.ActiveSessions())
}

func TestStartTurn_RunsAndUnregisters(t *testing.T) {
	f := newServiceFixture(&llmtest.Client{Chunks: []string{"Ishmael ", "narrates."}})
	sink := &sliceSink{}

	err := f.turns.StartTurn(context.Background(), "conn", &model.TurnRequest{
		TenantID: "acme", ConversationID: "c", DocumentID: "d1", Text: "who narrates?",
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, 0, f.registry.Len())

	require.NotNil(t, f.assembler.doc)
	assert.Equal(t, "Call me Ishmael.", f.assembler.doc.Text)

	require.NotEmpty(t, sink.events)
	assert.Equal(t, model.StreamDone, sink.events[len(sink.events)-1].Type)

	conversations := NewConversationService(f.memory, nil)
	state, err := conversations.Get(context.Background(), "acme", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", state.ID)
	require.Len(t, state.History, 2)
	assert.Equal(t, "Ishmael narrates.", state.History[1].Content)

	_, err = conversations.Get(context.Background(), "globex", "c")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = conversations.Messages(context.Background(), "acme", "c", 0, 10)
	assert.Error(t, err)
}
