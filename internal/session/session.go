package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/assembler"
	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/metrics"
	"github.com/capitalize-ai/docchat/pkg/tracing"
)

// State is a StreamSession state.
type State int

const (
	StateAssembling State = iota
	StateStreaming
	StateCompleting
	StateCancelling
	StateFailing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAssembling:
		return "assembling"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateCancelling:
		return "cancelling"
	case StateFailing:
		return "failing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Assembler builds the context of a turn.
type Assembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*assembler.Assembly, error)
}

// Memory is the conversation memory a session reads and appends to.
type Memory interface {
	GetContext(ctx context.Context, conversationID string) (*model.ConversationContext, error)
	Append(ctx context.Context, conversationID string, messages ...model.HistoryMessage) (*model.ConversationState, error)
	Due(state *model.ConversationState) bool
	MaybeCompact(conversationID string) bool
}

// Dispatcher starts and cancels upstream model streams.
type Dispatcher interface {
	Stream(ctx context.Context, req *llm.CompletionRequest) *llm.Stream
	Cancel(requestID string) bool
}

// Accountant prices raw usage.
type Accountant interface {
	Record(modelName string, raw model.RawUsage) *model.UsageRecord
}

// Recorder keeps a transcript of finished turns and notable events.
type Recorder interface {
	RecordTurn(ctx context.Context, tenantID string, turn *model.Turn) error
	RecordEvent(ctx context.Context, event *model.ConversationEvent) error
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Assembler  Assembler
	Memory     Memory
	Dispatcher Dispatcher
	Accountant Accountant
	// Recorder may be nil.
	Recorder Recorder
	Logger   *logger.Logger
}

// Options are the per-process turn defaults.
type Options struct {
	DefaultModel    string
	MaxOutputTokens int
	ThinkingBudget  int
}

// Session drives one turn: Assembling, Streaming, then one of Completing,
// Cancelling or Failing, then Closed. It emits at most one terminal event.
type Session struct {
	connectionID string
	deps         Deps
	opts         Options
	req          *model.TurnRequest
	doc          *model.Document
	sink         Sink
	logger       *logger.Logger

	turn     *model.Turn
	messages []llm.ChatMessage
	system   string
	cached   string
	stream   *llm.Stream
	resp     *llm.CompletionResponse
	err      error
	dead     bool
	terminal bool
	outcome  string

	mu          sync.Mutex
	transitions []State
}

// New creates a session for req. doc is nil for free chat.
func New(connectionID string, deps Deps, opts Options, req *model.TurnRequest, doc *model.Document, sink Sink) *Session {
	modelName := req.Options.Model
	if modelName == "" {
		modelName = opts.DefaultModel
	}
	return &Session{
		connectionID: connectionID,
		deps:         deps,
		opts:         opts,
		req:          req,
		doc:          doc,
		sink:         sink,
		logger: deps.Logger.WithConversation(req.ConversationID).With(
			zap.String("connection_id", connectionID),
		),
		turn: &model.Turn{
			ConversationID: req.ConversationID,
			UserText:       req.Text,
			Model:          modelName,
		},
	}
}

// ConnectionID returns the transport connection the session belongs to.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// memoryID keys conversation memory; conversation ids are only unique per tenant.
func (s *Session) memoryID() string {
	return model.ScopedConversationID(s.req.TenantID, s.req.ConversationID)
}

// Transitions returns the states the session has entered, in order.
func (s *Session) Transitions() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.transitions...)
}

// Run drives the session to Closed. ctx is the client connection's lifetime;
// the upstream request is detached from it and cancelled explicitly.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := tracing.Tracer("session").Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("conversation_id", s.req.ConversationID),
			attribute.String("model", s.turn.Model),
		),
	)
	defer span.End()

	s.turn.StartedAt = time.Now()
	state := StateAssembling
	for {
		s.enter(state)
		if state == StateClosed {
			break
		}
		state = s.step(ctx, state)
	}
	s.turn.EndedAt = time.Now()

	span.SetAttributes(
		attribute.String("mode", string(s.turn.Mode)),
		attribute.String("outcome", s.outcome),
	)
	if s.err != nil {
		span.SetStatus(codes.Error, s.err.Error())
	}
	metrics.RecordTurn(string(s.turn.Mode), s.outcome)

	if s.outcome == "failed" {
		return s.err
	}
	return nil
}

func (s *Session) enter(state State) {
	s.mu.Lock()
	s.transitions = append(s.transitions, state)
	s.mu.Unlock()
}

func (s *Session) step(ctx context.Context, state State) State {
	switch state {
	case StateAssembling:
		return s.assemble(ctx)
	case StateStreaming:
		return s.streamTokens(ctx)
	case StateCompleting:
		return s.complete(ctx)
	case StateCancelling:
		return s.cancel(ctx)
	case StateFailing:
		return s.fail(ctx)
	default:
		return StateClosed
	}
}

// emit writes one event downstream. After the first failed write, or after a
// terminal event, nothing more is written.
func (s *Session) emit(ev model.StreamEvent) error {
	if s.dead || s.terminal {
		return model.ErrTransportDead
	}
	if err := s.sink.Write(ev); err != nil {
		s.dead = true
		s.logger.Debug("downstream write failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return model.ErrTransportDead
	}
	if ev.Terminal() {
		s.terminal = true
	}
	return nil
}

func (s *Session) close() {
	if err := s.sink.Close(); err != nil {
		s.logger.Debug("close downstream", zap.Error(err))
	}
}

func (s *Session) assemble(ctx context.Context) State {
	memCtx, err := s.deps.Memory.GetContext(ctx, s.memoryID())
	if err != nil {
		s.err = err
		return StateFailing
	}

	assembly, err := s.deps.Assembler.Assemble(ctx, assembler.Request{
		Document:      s.doc,
		UserText:      s.req.Text,
		Model:         s.turn.Model,
		RAG:           s.req.Options.RAG,
		KeywordWeight: s.req.Options.KeywordWeight,
		Cache:         s.req.Options.Cache,
		EnableSearch:  s.req.Options.EnableSearch,
	})
	if err != nil {
		s.err = err
		return StateFailing
	}

	s.turn.Mode = assembly.Mode
	s.turn.Sources = assembly.Sources
	s.cached = assembly.CachedContent
	s.system = assembly.SystemPrompt
	if memCtx.Summary != nil && memCtx.Summary.Text != "" {
		s.system += "\n\n<conversation_summary>\n" + memCtx.Summary.Text + "\n</conversation_summary>"
	}

	s.messages = make([]llm.ChatMessage, 0, len(memCtx.RecentMessages)+1)
	for _, m := range memCtx.RecentMessages {
		s.messages = append(s.messages, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	s.messages = append(s.messages, llm.ChatMessage{Role: string(model.RoleUser), Content: s.req.Text})

	if err := s.emit(model.NewSourcesEvent(assembly.Mode, assembly.Sources)); err != nil {
		s.outcome = "abandoned"
		s.close()
		return StateClosed
	}
	if memCtx.Summary != nil {
		ev := model.StreamEvent{
			Type: model.StreamSummaryUsed,
			Data: &model.SummaryUsedEvent{RoundsSummarized: memCtx.Summary.RoundsSummarized},
		}
		if err := s.emit(ev); err != nil {
			s.outcome = "abandoned"
			s.close()
			return StateClosed
		}
	}
	return StateStreaming
}

func (s *Session) streamTokens(ctx context.Context) State {
	req := &llm.CompletionRequest{
		Model:         s.turn.Model,
		System:        s.system,
		Messages:      s.messages,
		MaxTokens:     s.opts.MaxOutputTokens,
		EnableSearch:  s.req.Options.EnableSearch,
		CachedContent: s.cached,
	}
	if s.req.Options.EnableThinking && s.opts.ThinkingBudget > 0 {
		req.ThinkingBudget = s.opts.ThinkingBudget
	}

	s.stream = s.deps.Dispatcher.Stream(context.WithoutCancel(ctx), req)
	s.logger.Debug("upstream stream opened",
		zap.String("request_id", s.stream.ID),
		zap.String("mode", string(s.turn.Mode)),
	)

	for {
		select {
		case <-ctx.Done():
			s.dead = true
			return StateCancelling
		case ev, ok := <-s.stream.Events:
			if !ok {
				if s.resp == nil {
					s.err = model.NewProviderError("llm", "stream", errors.New("stream ended without a response"))
					return StateFailing
				}
				return StateCompleting
			}
			switch {
			case ev.Delta != nil:
				if ev.Delta.Thought {
					s.turn.ThoughtText.WriteString(ev.Delta.Text)
				} else {
					s.turn.AssistantText.WriteString(ev.Delta.Text)
				}
				if err := s.emit(model.NewDeltaEvent(ev.Delta.Thought, ev.Delta.Text, ev.Delta.Index)); err != nil {
					return StateCancelling
				}
			case ev.Err != nil:
				s.err = ev.Err
				return StateFailing
			case ev.Response != nil:
				s.resp = ev.Response
			}
		}
	}
}

func (s *Session) complete(ctx context.Context) State {
	// The client saw the whole answer; persisting it must not depend on the connection.
	ctx = context.WithoutCancel(ctx)

	s.turn.Model = s.resp.Model
	s.turn.StopReason = s.resp.StopReason

	content := s.turn.AssistantText.String()
	if content == "" {
		content = s.resp.Content
	}
	state, err := s.deps.Memory.Append(ctx, s.memoryID(),
		model.HistoryMessage{Role: model.RoleUser, Content: s.req.Text},
		model.HistoryMessage{Role: model.RoleAssistant, Content: content},
	)
	if err != nil {
		s.err = fmt.Errorf("persist turn: %w", err)
		return StateFailing
	}

	s.turn.Usage = s.deps.Accountant.Record(s.resp.Model, s.resp.Usage)
	s.outcome = "completed"

	if err := s.emit(model.StreamEvent{Type: model.StreamUsage, Data: s.turn.Usage}); err == nil {
		_ = s.emit(model.StreamEvent{Type: model.StreamDone, Data: &model.DoneEvent{
			ConversationID: s.req.ConversationID,
			Turn:           state.TurnCount,
			Model:          s.resp.Model,
		}})
	}
	s.close()

	if s.deps.Memory.Due(state) {
		s.deps.Memory.MaybeCompact(s.memoryID())
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordTurn(ctx, s.req.TenantID, s.turn); err != nil {
			s.logger.Warn("failed to record turn", zap.Error(err))
		}
	}

	s.logger.Info("turn completed",
		zap.String("mode", string(s.turn.Mode)),
		zap.String("model", s.resp.Model),
		zap.Int("prompt_tokens", s.turn.Usage.PromptTokens),
		zap.Int("completion_tokens", s.turn.Usage.CompletionTokens),
		zap.Float64("cost_usd", s.turn.Usage.CostUSD),
	)
	return StateClosed
}

func (s *Session) cancel(ctx context.Context) State {
	s.outcome = "cancelled"
	cancelled := s.deps.Dispatcher.Cancel(s.stream.ID)

	// Let the dispatcher goroutine deliver its final event and exit.
	go func(events <-chan llm.Event) {
		for range events {
		}
	}(s.stream.Events)

	s.close()
	s.record(context.WithoutCancel(ctx), model.EventTypeCancel, "downstream transport closed", map[string]any{
		"request_id": s.stream.ID,
		"chars_sent": s.turn.AssistantText.Len(),
	})
	s.logger.Info("turn cancelled by downstream", zap.String("request_id", s.stream.ID), zap.Bool("upstream_live", cancelled))
	return StateClosed
}

func (s *Session) fail(ctx context.Context) State {
	s.outcome = "failed"
	code, message, eventType := classify(s.err)

	_ = s.emit(model.NewErrorEvent(code, message))
	s.close()

	s.record(context.WithoutCancel(ctx), eventType, s.err.Error(), nil)
	s.logger.Warn("turn failed", zap.String("code", code), zap.Error(s.err))
	return StateClosed
}

func (s *Session) record(ctx context.Context, t model.EventType, reason string, meta map[string]any) {
	if s.deps.Recorder == nil {
		return
	}
	err := s.deps.Recorder.RecordEvent(ctx, &model.ConversationEvent{
		ConversationID: s.req.ConversationID,
		TenantID:       s.req.TenantID,
		Type:           t,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to record event", zap.String("type", string(t)), zap.Error(err))
	}
}

// classify maps a terminal error to the user-facing error event.
func classify(err error) (code, message string, eventType model.EventType) {
	var mm *model.ModelMismatchError
	var pe *model.ProviderError
	switch {
	case errors.As(err, &mm):
		return "model_mismatch", mm.Error(), model.EventTypeMismatch
	case errors.As(err, &pe):
		return "provider_error", strings.TrimSpace(pe.Err.Error()), model.EventTypeError
	default:
		return "internal_error", "The answer could not be completed. Please try again.", model.EventTypeError
	}
}
