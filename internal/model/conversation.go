// Package model defines data structures for the document chat service.
package model

import (
	"strings"
	"time"
)

// HistoryMessage is one retained entry of a conversation's rolling history.
type HistoryMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the compacted form of the history lowered out of a conversation.
type Summary struct {
	Text             string    `json:"text"`
	RoundsSummarized int       `json:"rounds_summarized"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConversationState is the persisted memory of one conversation.
type ConversationState struct {
	ID        string           `json:"id"`
	History   []HistoryMessage `json:"history"`
	Summary   *Summary         `json:"summary,omitempty"`
	TurnCount uint64           `json:"turn_count"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Revision is the store revision the state was read at. Not persisted.
	Revision uint64 `json:"-"`
}

// RoundsSummarized returns the summary's lowered message count, zero without a summary.
func (s *ConversationState) RoundsSummarized() int {
	if s == nil || s.Summary == nil {
		return 0
	}
	return s.Summary.RoundsSummarized
}

// Clone returns a deep copy safe to mutate.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]HistoryMessage(nil), s.History...)
	if s.Summary != nil {
		summary := *s.Summary
		out.Summary = &summary
	}
	return &out
}

// ConversationContext is what a turn reads from memory before assembling its prompt.
type ConversationContext struct {
	Summary        *Summary
	RecentMessages []HistoryMessage
}

// ScopedConversationID joins tenant and conversation into the id used by
// conversation memory. Characters outside [A-Za-z0-9_-] become '_'.
func ScopedConversationID(tenantID, conversationID string) string {
	return safeToken(tenantID) + "." + safeToken(conversationID)
}

func safeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
