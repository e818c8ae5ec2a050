package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/capitalize-ai/docchat/internal/model"
)

// sseSink writes stream events as Server-Sent Events. Headers go out with the
// first event so a turn rejected before streaming can still answer with a
// plain JSON error. Once a write fails every later write fails too.
type sseSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
	stop    chan struct{}
}

func newSSESink(ctx context.Context, w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseSink{ctx: ctx, w: w, flusher: flusher, stop: make(chan struct{})}, true
}

func (s *sseSink) Write(event model.StreamEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data))
}

func (s *sseSink) writeLocked(frame string) error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return model.ErrTransportDead
	}
	if s.ctx.Err() != nil {
		s.err = model.ErrTransportDead
		return s.err
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprint(s.w, frame); err != nil {
		s.err = fmt.Errorf("%w: %v", model.ErrTransportDead, err)
		return s.err
	}
	s.flusher.Flush()
	return nil
}

// keepAlive sends a comment frame every interval until Close. Comments are
// ignored by EventSource clients but surface dead connections early.
func (s *sseSink) keepAlive(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.started {
					_ = s.writeLocked(": keep-alive\n\n")
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

func (s *sseSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
