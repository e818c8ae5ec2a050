package service

import (
	"context"
	"errors"

	"github.com/capitalize-ai/docchat/internal/model"
)

// StateReader reads conversation memory.
type StateReader interface {
	State(ctx context.Context, conversationID string) (*model.ConversationState, error)
}

// TranscriptReader replays finished turns.
type TranscriptReader interface {
	GetMessages(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) (*model.ListMessagesResponse, error)
}

// ConversationService exposes conversation state and transcript to clients.
type ConversationService struct {
	memory     StateReader
	transcript TranscriptReader
}

// NewConversationService creates a conversation service. transcript may be nil.
func NewConversationService(memory StateReader, transcript TranscriptReader) *ConversationService {
	return &ConversationService{memory: memory, transcript: transcript}
}

// Get returns the memory of a conversation.
func (s *ConversationService) Get(ctx context.Context, tenantID, conversationID string) (*model.ConversationState, error) {
	state, err := s.memory.State(ctx, model.ScopedConversationID(tenantID, conversationID))
	if err != nil {
		return nil, err
	}
	state.ID = conversationID
	return state, nil
}

// Messages replays the transcript after afterSequence.
func (s *ConversationService) Messages(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) (*model.ListMessagesResponse, error) {
	if s.transcript == nil {
		return nil, errors.New("transcript is not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.transcript.GetMessages(ctx, tenantID, conversationID, afterSequence, limit)
}
