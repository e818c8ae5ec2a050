package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/metrics"
	"github.com/capitalize-ai/docchat/pkg/tracing"
)

// errSuperseded means the summarized history was rewritten while a compaction was running.
var errSuperseded = errors.New("conversation changed during compaction")

// Streamer opens upstream model streams.
type Streamer interface {
	Stream(ctx context.Context, req *llm.CompletionRequest) *llm.Stream
}

// Config bounds conversation memory.
type Config struct {
	// Threshold is the retained history length at which compaction becomes due.
	Threshold int
	// Tail is the number of most recent messages kept verbatim after compaction.
	Tail int
	// Model summarizes; MaxTokens bounds the summary.
	Model     string
	MaxTokens int
	// Timeout bounds one background compaction.
	Timeout time.Duration
}

// Memory is the sole owner of ConversationState mutations.
type Memory struct {
	store    Store
	streamer Streamer
	cfg      Config
	logger   *logger.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// New creates a Memory.
func New(store Store, streamer Streamer, cfg Config, log *logger.Logger) *Memory {
	if cfg.Tail <= 0 {
		cfg.Tail = 6
	}
	if cfg.Threshold <= cfg.Tail {
		cfg.Threshold = cfg.Tail * 2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Memory{
		store:    store,
		streamer: streamer,
		cfg:      cfg,
		logger:   log.Named("memory"),
		running:  make(map[string]struct{}),
	}
}

// GetContext returns the summary and retained history of a conversation.
// Unknown conversations have an empty context.
func (m *Memory) GetContext(ctx context.Context, conversationID string) (*model.ConversationContext, error) {
	state, err := m.store.Get(ctx, conversationID)
	if errors.Is(err, model.ErrNotFound) {
		return &model.ConversationContext{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &model.ConversationContext{
		Summary:        state.Summary,
		RecentMessages: state.History,
	}, nil
}

// State returns the stored conversation state.
func (m *Memory) State(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	return m.store.Get(ctx, conversationID)
}

// Append adds messages to the history in one atomic update. Each assistant
// message counts as a completed turn.
func (m *Memory) Append(ctx context.Context, conversationID string, messages ...model.HistoryMessage) (*model.ConversationState, error) {
	if len(messages) == 0 {
		return nil, errors.New("append: no messages")
	}
	now := time.Now().UTC()
	state, err := m.store.Update(ctx, conversationID, func(state *model.ConversationState) error {
		for _, msg := range messages {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = now
			}
			state.History = append(state.History, msg)
			if msg.Role == model.RoleAssistant {
				state.TurnCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	return state, nil
}

// Due reports whether state has reached the compaction threshold.
func (m *Memory) Due(state *model.ConversationState) bool {
	return state != nil && len(state.History) >= m.cfg.Threshold
}

// MaybeCompact starts a background compaction when the conversation is due
// and none is already running for it. It reports whether one was started.
func (m *Memory) MaybeCompact(conversationID string) bool {
	m.mu.Lock()
	if _, busy := m.running[conversationID]; busy {
		m.mu.Unlock()
		return false
	}
	m.running[conversationID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, conversationID)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		defer cancel()

		if err := m.Compact(ctx, conversationID); err != nil {
			m.logger.Warn("compaction failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()
	return true
}

// Compact summarizes the history of a due conversation and keeps the most
// recent Tail messages. It is a no-op for conversations that are not due.
// On any failure the stored state is left untouched.
func (m *Memory) Compact(ctx context.Context, conversationID string) error {
	snapshot, err := m.store.Get(ctx, conversationID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !m.Due(snapshot) {
		return nil
	}

	ctx, span := tracing.Tracer("memory").Start(ctx, "memory.compact")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.Int("history_len", len(snapshot.History)),
	)

	start := time.Now()
	summary, err := m.summarize(ctx, snapshot)
	if err != nil {
		metrics.RecordCompaction("failed")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lowered := len(snapshot.History) - m.cfg.Tail
	_, err = m.store.Update(ctx, conversationID, func(state *model.ConversationState) error {
		// Turns appended meanwhile are kept after the tail.
		if state.RoundsSummarized() != snapshot.RoundsSummarized() ||
			!hasPrefix(state.History, snapshot.History) {
			return errSuperseded
		}
		state.History = append([]model.HistoryMessage(nil), state.History[lowered:]...)
		state.Summary = &model.Summary{
			Text:             summary,
			RoundsSummarized: snapshot.RoundsSummarized() + lowered,
			UpdatedAt:        time.Now().UTC(),
		}
		return nil
	})
	if errors.Is(err, errSuperseded) {
		metrics.RecordCompaction("superseded")
		m.logger.Info("compaction superseded by a concurrent rewrite", zap.String("conversation_id", conversationID))
		return nil
	}
	if err != nil {
		metrics.RecordCompaction("failed")
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store summary: %w", err)
	}

	metrics.RecordCompaction("ok")
	m.logger.Info("conversation compacted",
		zap.String("conversation_id", conversationID),
		zap.Int("lowered", lowered),
		zap.Int("rounds_summarized", snapshot.RoundsSummarized()+lowered),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// hasPrefix reports whether history still starts with prefix.
func hasPrefix(history, prefix []model.HistoryMessage) bool {
	if len(history) < len(prefix) {
		return false
	}
	for i, msg := range prefix {
		cur := history[i]
		if cur.Role != msg.Role || cur.Content != msg.Content || !cur.CreatedAt.Equal(msg.CreatedAt) {
			return false
		}
	}
	return true
}

func (m *Memory) summarize(ctx context.Context, state *model.ConversationState) (string, error) {
	stream := m.streamer.Stream(ctx, &llm.CompletionRequest{
		Model:     m.cfg.Model,
		MaxTokens: m.cfg.MaxTokens,
		Messages: []llm.ChatMessage{{
			Role:    string(model.RoleUser),
			Content: BuildCompactionPrompt(state.Summary, state.History),
		}},
		EnableSearch: false,
	})
	resp, err := llm.Collect(stream, nil)
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("empty summary")
	}
	return strings.TrimSpace(resp.Content), nil
}

// Wait blocks until running compactions finish or ctx is done.
func (m *Memory) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
