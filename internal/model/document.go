package model

import (
	"time"
)

// Document is an already-extracted source document a conversation can be about.
type Document struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
	Author   string `json:"author,omitempty"`
	Text     string `json:"-"`
	Chars    int    `json:"chars"`
	// Fingerprint is the keyed hash of Text; it keys the context cache.
	Fingerprint string    `json:"fingerprint"`
	Indexed     bool      `json:"indexed"`
	Chunks      int       `json:"chunks,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateDocumentRequest registers extracted document text.
type CreateDocumentRequest struct {
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// RetrievedChunk is one hybrid-search hit. Score is in [0,1].
type RetrievedChunk struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Index int     `json:"index"`
}
