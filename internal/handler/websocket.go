package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/docchat/internal/model"
)

const (
	wsWriteWait      = 10 * time.Second
	wsRequestWait    = 30 * time.Second
	wsMaxMessageSize = 1 << 20
)

// wsSink writes stream events as JSON text frames on one connection.
type wsSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	err    error
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Write(event model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return model.ErrTransportDead
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(event); err != nil {
		s.err = fmt.Errorf("%w: %v", model.ErrTransportDead, err)
		return s.err
	}
	return nil
}

// Close sends a normal closure frame. The connection itself is closed by the handler.
func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.err != nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// watchClose reads until the peer goes away and then cancels. Control frames
// are handled by the read loop.
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func isUnexpectedClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	}
	return true
}
