package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a finalized transcript record published for a completed turn.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`

	// Content
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Sources []Source `json:"sources,omitempty"`

	// LLM Metadata (nullable for non-assistant messages)
	Model      *string      `json:"model,omitempty"`
	Mode       *Mode        `json:"mode,omitempty"`
	Usage      *UsageRecord `json:"usage,omitempty"`
	LatencyMs  *int64       `json:"latency_ms,omitempty"`
	StopReason *string      `json:"stop_reason,omitempty"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`

	// JetStream Metadata (populated on read)
	Sequence uint64 `json:"sequence,omitempty"`
}

// ListMessagesResponse is the response for listing transcript messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}

// Source is one provenance entry shown to the client before the answer streams.
type Source struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}
