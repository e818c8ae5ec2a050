package model

import (
	"time"
)

// EventType represents the type of conversation event recorded in the transcript.
type EventType string

const (
	EventTypeError    EventType = "error"
	EventTypeCancel   EventType = "cancel"
	EventTypeMismatch EventType = "model_mismatch"
	EventTypeCompact  EventType = "compaction"
)

// ConversationEvent represents an event in a conversation.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// StreamEventType tags a StreamEvent sent downstream.
type StreamEventType string

const (
	StreamSources     StreamEventType = "sources"
	StreamSummaryUsed StreamEventType = "summary_used"
	StreamThinking    StreamEventType = "thinking"
	StreamContent     StreamEventType = "content"
	StreamUsage       StreamEventType = "usage"
	StreamError       StreamEventType = "error"
	StreamDone        StreamEventType = "done"
)

// StreamEvent is one event emitted to the client during a turn.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Data any             `json:"data"`
}

// Terminal reports whether no further events may follow.
func (e StreamEvent) Terminal() bool {
	return e.Type == StreamDone || e.Type == StreamError
}

// SourcesEvent carries the provenance list and the chosen assembly mode.
type SourcesEvent struct {
	Mode    Mode     `json:"mode"`
	Sources []Source `json:"sources"`
}

// SummaryUsedEvent reports that a compacted summary was injected.
type SummaryUsedEvent struct {
	RoundsSummarized int `json:"rounds_summarized"`
}

// DeltaEvent carries one content or thinking fragment.
type DeltaEvent struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DoneEvent closes a successful turn.
type DoneEvent struct {
	ConversationID string `json:"conversation_id"`
	Turn           uint64 `json:"turn"`
	Model          string `json:"model"`
}

// NewSourcesEvent builds a sources event.
func NewSourcesEvent(mode Mode, sources []Source) StreamEvent {
	return StreamEvent{Type: StreamSources, Data: &SourcesEvent{Mode: mode, Sources: sources}}
}

// NewDeltaEvent builds a content or thinking event.
func NewDeltaEvent(thought bool, text string, index int) StreamEvent {
	t := StreamContent
	if thought {
		t = StreamThinking
	}
	return StreamEvent{Type: t, Data: &DeltaEvent{Text: text, Index: index}}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: StreamError, Data: &ErrorEvent{Code: code, Message: message}}
}
