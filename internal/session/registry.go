package session

import (
	"sync"

	"github.com/capitalize-ai/docchat/pkg/metrics"
)

// Registry tracks the active sessions of a transport, keyed by connection id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s under its connection id. It returns false if the id is taken.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.connectionID]; exists {
		return false
	}
	r.sessions[s.connectionID] = s
	metrics.IncrementStreamSessions()
	return true
}

// Remove forgets the session with connectionID.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connectionID]; ok {
		delete(r.sessions, connectionID)
		metrics.DecrementStreamSessions()
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
