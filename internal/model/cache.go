package model

import (
	"time"
)

// CacheEntry is a remote pre-loaded context handle for one document text.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Model       string    `json:"model"`
	Handle      string    `json:"handle"`
	TokenCount  int       `json:"token_count"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// BoundTo reports whether the entry may serve requests for model.
func (e *CacheEntry) BoundTo(model string) bool {
	return e.Model == model
}
