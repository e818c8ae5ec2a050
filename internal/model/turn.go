package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Mode is the prompt-construction strategy chosen for a turn.
type Mode string

const (
	ModeCachedContext  Mode = "cached_context"
	ModeFullText       Mode = "plain_knowledge_full_text"
	ModeRetrieval      Mode = "retrieval_augmented"
	ModePlainKnowledge Mode = "plain_knowledge"
)

// TurnOptions are the per-turn switches supplied by the client.
type TurnOptions struct {
	Model          string  `json:"model,omitempty"`
	RAG            bool    `json:"rag,omitempty"`
	KeywordWeight  float64 `json:"keyword_weight,omitempty"`
	Cache          bool    `json:"cache,omitempty"`
	EnableSearch   bool    `json:"enable_search,omitempty"`
	EnableThinking bool    `json:"enable_thinking,omitempty"`
}

// TurnRequest starts one streaming turn. DocumentID is empty for free chat.
type TurnRequest struct {
	ConversationID string      `json:"-"`
	TenantID       string      `json:"-"`
	DocumentID     string      `json:"document_id,omitempty"`
	Text           string      `json:"text"`
	Options        TurnOptions `json:"options"`
}

// Validate rejects turns whose text is empty or shorter than minChars runes.
func (r *TurnRequest) Validate(minChars int) error {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return &ValidationError{Field: "text", Reason: "cannot be empty"}
	}
	if utf8.RuneCountInString(text) < minChars {
		return &ValidationError{Field: "text", Reason: "is too short"}
	}
	if !utf8.ValidString(r.Text) {
		return &ValidationError{Field: "text", Reason: "must be valid UTF-8"}
	}
	if r.Options.KeywordWeight < 0 || r.Options.KeywordWeight > 1 {
		return &ValidationError{Field: "options.keyword_weight", Reason: "must be between 0 and 1"}
	}
	return nil
}

// Turn is one user message plus the reply accumulated while it streams.
type Turn struct {
	ConversationID string
	UserText       string
	AssistantText  strings.Builder
	ThoughtText    strings.Builder
	Sources        []Source
	Mode           Mode
	Model          string
	StopReason     string
	Usage          *UsageRecord
	StartedAt      time.Time
	EndedAt        time.Time
}
