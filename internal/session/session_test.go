package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/docchat/internal/assembler"
	"github.com/capitalize-ai/docchat/internal/config"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/llm/llmtest"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/usage"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

type recordingSink struct {
	mu        sync.Mutex
	events    []model.StreamEvent
	attempts  int
	failAfter int
	closed    int
}

func (s *recordingSink) Write(ev model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failAfter > 0 && s.attempts > s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) types() []model.StreamEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StreamEventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

type fakeAssembler struct {
	assembly *assembler.Assembly
	err      error
	last     assembler.Request
}

func (a *fakeAssembler) Assemble(_ context.Context, req assembler.Request) (*assembler.Assembly, error) {
	a.last = req
	return a.assembly, a.err
}

type fakeMemory struct {
	mu        sync.Mutex
	context   *model.ConversationContext
	appended  [][]model.HistoryMessage
	ids       []string
	due       bool
	compacted int
}

func (m *fakeMemory) GetContext(context.Context, string) (*model.ConversationContext, error) {
	if m.context == nil {
		return &model.ConversationContext{}, nil
	}
	return m.context, nil
}

func (m *fakeMemory) Append(_ context.Context, id string, msgs ...model.HistoryMessage) (*model.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, msgs)
	m.ids = append(m.ids, id)
	return &model.ConversationState{ID: id, TurnCount: uint64(len(m.appended))}, nil
}

func (m *fakeMemory) Due(*model.ConversationState) bool { return m.due }

func (m *fakeMemory) MaybeCompact(string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compacted++
	return true
}

func (m *fakeMemory) appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

type countingDispatcher struct {
	*llm.Dispatcher
	streams atomic.Int32
	cancels atomic.Int32
}

func (d *countingDispatcher) Stream(ctx context.Context, req *llm.CompletionRequest) *llm.Stream {
	d.streams.Add(1)
	return d.Dispatcher.Stream(ctx, req)
}

func (d *countingDispatcher) Cancel(id string) bool {
	d.cancels.Add(1)
	return d.Dispatcher.Cancel(id)
}

type fixture struct {
	client     *llmtest.Client
	dispatcher *countingDispatcher
	memory     *fakeMemory
	assembler  *fakeAssembler
	sink       *recordingSink
}

func newFixture(client *llmtest.Client) *fixture {
	return &fixture{
		client:     client,
		dispatcher: &countingDispatcher{Dispatcher: llm.NewDispatcher(client, logger.NewNop())},
		memory:     &fakeMemory{},
		assembler: &fakeAssembler{assembly: &assembler.Assembly{
			Mode:         model.ModePlainKnowledge,
			SystemPrompt: "be helpful",
			Sources:      []model.Source{{Text: "model pretrained knowledge only", Score: 100}},
		}},
		sink: &recordingSink{},
	}
}

func (f *fixture) session(req *model.TurnRequest) *Session {
	deps := Deps{
		Assembler:  f.assembler,
		Memory:     f.memory,
		Dispatcher: f.dispatcher,
		Accountant: usage.NewAccountant(config.DefaultPricing()),
		Logger:     logger.NewNop(),
	}
	return New("conn-1", deps, Options{DefaultModel: "fake-model", MaxOutputTokens: 512, ThinkingBudget: 2048}, req, nil, f.sink)
}

func turnRequest() *model.TurnRequest {
	return &model.TurnRequest{ConversationID: "c1", TenantID: "t1", Text: "who is Ishmael?"}
}

func TestRun_CompletedTurn(t *testing.T) {
	f := newFixture(&llmtest.Client{
		Chunks: []string{"The ", "narrator."},
		Usage:  model.RawUsage{InputTokens: 100, OutputTokens: 4},
	})
	f.memory.due = true
	s := f.session(turnRequest())

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []model.StreamEventType{
		model.StreamSources, model.StreamContent, model.StreamContent, model.StreamUsage, model.StreamDone,
	}, f.sink.types())
	assert.Equal(t, []State{StateAssembling, StateStreaming, StateCompleting, StateClosed}, s.Transitions())
	assert.Equal(t, 1, f.sink.closed)

	require.Len(t, f.memory.appended, 1)
	assert.Equal(t, []string{"t1.c1"}, f.memory.ids)
	pair := f.memory.appended[0]
	require.Len(t, pair, 2)
	assert.Equal(t, model.HistoryMessage{Role: model.RoleUser, Content: "who is Ishmael?"}, pair[0])
	assert.Equal(t, model.HistoryMessage{Role: model.RoleAssistant, Content: "The narrator."}, pair[1])
	assert.Equal(t, 1, f.memory.compacted)

	usageEv := f.sink.events[3].Data.(*model.UsageRecord)
	assert.Equal(t, 100, usageEv.PromptTokens)
	assert.Equal(t, 4, usageEv.CompletionTokens)

	done := f.sink.events[4].Data.(*model.DoneEvent)
	assert.Equal(t, "c1", done.ConversationID)
	assert.Equal(t, uint64(1), done.Turn)

	req := f.client.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "fake-model", req.Model)
	assert.Equal(t, "be helpful", req.System)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Zero(t, req.ThinkingBudget)
}

func TestRun_SummaryInjected(t *testing.T) {
	f := newFixture(&llmtest.Client{Chunks: []string{"ok"}})
	f.memory.context = &model.ConversationContext{
		Summary: &model.Summary{Text: "They discussed chapter one.", RoundsSummarized: 14},
		RecentMessages: []model.HistoryMessage{
			{Role: model.RoleUser, Content: "earlier question"},
			{Role: model.RoleAssistant, Content: "earlier answer"},
		},
	}
	s := f.session(turnRequest())

	require.NoError(t, s.Run(context.Background()))

	types := f.sink.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, model.StreamSources, types[0])
	assert.Equal(t, model.StreamSummaryUsed, types[1])
	assert.Equal(t, 14, f.sink.events[1].Data.(*model.SummaryUsedEvent).RoundsSummarized)

	req := f.client.LastRequest()
	assert.Contains(t, req.System, "They discussed chapter one.")
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier question", req.Messages[0].Content)
	assert.Equal(t, "who is Ishmael?", req.Messages[2].Content)
}

func TestRun_ModelMismatchMakesNoModelCall(t *testing.T) {
	f := newFixture(&llmtest.Client{Chunks: []string{"never"}})
	f.assembler.assembly = nil
	f.assembler.err = &model.ModelMismatchError{Fingerprint: "fp", Bound: "model-a", Requested: "model-b"}
	s := f.session(turnRequest())

	err := s.Run(context.Background())
	assert.True(t, model.IsModelMismatch(err))

	assert.Equal(t, []model.StreamEventType{model.StreamError}, f.sink.types())
	assert.Equal(t, "model_mismatch", f.sink.events[0].Data.(*model.ErrorEvent).Code)
	assert.Equal(t, int32(0), f.dispatcher.streams.Load())
	assert.Equal(t, 0, f.client.Calls())
	assert.Zero(t, f.memory.appends())
	assert.Equal(t, []State{StateAssembling, StateFailing, StateClosed}, s.Transitions())
}

func TestRun_ProviderErrorFailsWithoutMemoryWrite(t *testing.T) {
	f := newFixture(&llmtest.Client{
		Chunks: []string{"partial"},
		Err:    model.NewProviderError("anthropic", "stream", errors.New("overloaded")),
	})
	s := f.session(turnRequest())

	require.Error(t, s.Run(context.Background()))

	types := f.sink.types()
	assert.Equal(t, model.StreamError, types[len(types)-1])
	assert.Equal(t, 1, f.sink.terminalCount())
	ev := f.sink.events[len(types)-1].Data.(*model.ErrorEvent)
	assert.Equal(t, "provider_error", ev.Code)
	assert.Equal(t, "overloaded", ev.Message)
	assert.Zero(t, f.memory.appends())
	assert.NotContains(t, types, model.StreamDone)
}

func TestRun_DeadSinkCancelsUpstreamOnce(t *testing.T) {
	f := newFixture(&llmtest.Client{Chunks: []string{"a", "b", "c", "d", "e"}, Block: true})
	f.sink.failAfter = 2
	s := f.session(turnRequest())

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, int32(1), f.dispatcher.cancels.Load())
	assert.Equal(t, 3, f.sink.attempts, "no write may follow the failed one")
	assert.Zero(t, f.sink.terminalCount())
	assert.Zero(t, f.memory.appends())
	assert.Equal(t, []State{StateAssembling, StateStreaming, StateCancelling, StateClosed}, s.Transitions())
	assert.Eventually(t, func() bool { return f.dispatcher.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_ClientContextCancelled(t *testing.T) {
	f := newFixture(&llmtest.Client{Chunks: []string{"a"}, Block: true})
	s := f.session(turnRequest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		types := f.sink.types()
		return len(types) == 2 && types[1] == model.StreamContent
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after the client went away")
	}
	assert.Equal(t, int32(1), f.dispatcher.cancels.Load())
	assert.Zero(t, f.sink.terminalCount())
	assert.Zero(t, f.memory.appends())
}

func TestRun_SinkDeadBeforeStreaming(t *testing.T) {
	f := newFixture(&llmtest.Client{Chunks: []string{"a"}})
	s := f.session(turnRequest())
	s.sink = deadSink{}

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(0), f.dispatcher.streams.Load())
	assert.Zero(t, f.memory.appends())
	assert.Equal(t, []State{StateAssembling, StateClosed}, s.Transitions())
}

type deadSink struct{}

func (deadSink) Write(model.StreamEvent) error { return errors.New("gone") }
func (deadSink) Close() error                  { return nil }

func TestRun_ThinkingKeptOutOfMemory(t *testing.T) {
	f := newFixture(&llmtest.Client{Thoughts: []string{"let me think"}, Chunks: []string{"answer"}})
	req := turnRequest()
	req.Options.EnableThinking = true
	s := f.session(req)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []model.StreamEventType{
		model.StreamSources, model.StreamThinking, model.StreamContent, model.StreamUsage, model.StreamDone,
	}, f.sink.types())
	assert.Equal(t, 2048, f.client.LastRequest().ThinkingBudget)
	require.Len(t, f.memory.appended, 1)
	assert.Equal(t, "answer", f.memory.appended[0][1].Content)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f := newFixture(&llmtest.Client{})
	s := f.session(turnRequest())

	assert.True(t, r.Add(s))
	assert.False(t, r.Add(s))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove("conn-1")
	r.Remove("conn-1")
	assert.Equal(t, 0, r.Len())
}
