// Package service provides the business operations behind the transports.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/internal/session"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// ErrSessionExists is returned when the connection id, or the client's
// idempotency key, already has a turn streaming.
var ErrSessionExists = errors.New("turn already in progress")

// DocumentLoader loads a document with its text.
type DocumentLoader interface {
	Get(ctx context.Context, tenantID, documentID string) (*model.Document, error)
}

// TurnService validates and runs streaming turns.
type TurnService struct {
	deps      session.Deps
	opts      session.Options
	documents DocumentLoader
	registry  *session.Registry
	minChars  int
	logger    *logger.Logger
}

// NewTurnService creates a turn service. Turns shorter than minChars runes are rejected.
func NewTurnService(deps session.Deps, opts session.Options, documents DocumentLoader, registry *session.Registry, minChars int, log *logger.Logger) *TurnService {
	if deps.Logger == nil {
		deps.Logger = log
	}
	return &TurnService{
		deps:      deps,
		opts:      opts,
		documents: documents,
		registry:  registry,
		minChars:  minChars,
		logger:    log.Named("turns"),
	}
}

// Prepare validates req and loads its document. Nothing is written to sink;
// a returned error should be reported by the transport as a plain response.
func (s *TurnService) Prepare(ctx context.Context, connectionID string, req *model.TurnRequest, sink session.Sink) (*session.Session, error) {
	if err := req.Validate(s.minChars); err != nil {
		return nil, err
	}

	var doc *model.Document
	if req.DocumentID != "" {
		d, err := s.documents.Get(ctx, req.TenantID, req.DocumentID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, &model.ValidationError{Field: "document_id", Reason: "does not exist"}
		}
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		doc = d
	}

	sess := session.New(connectionID, s.deps, s.opts, req, doc, sink)
	if !s.registry.Add(sess) {
		return nil, ErrSessionExists
	}
	return sess, nil
}

// Run drives a prepared session to completion and unregisters it. ctx must
// end when the client connection ends.
func (s *TurnService) Run(ctx context.Context, sess *session.Session) error {
	defer s.registry.Remove(sess.ConnectionID())

	err := sess.Run(ctx)
	if err != nil {
		s.logger.Warn("turn failed", zap.String("connection_id", sess.ConnectionID()), zap.Error(err))
	}
	return err
}

// StartTurn prepares and runs a turn in one call.
func (s *TurnService) StartTurn(ctx context.Context, connectionID string, req *model.TurnRequest, sink session.Sink) error {
	sess, err := s.Prepare(ctx, connectionID, req, sink)
	if err != nil {
		return err
	}
	return s.Run(ctx, sess)
}

// ActiveSessions returns the number of turns currently streaming.
func (s *TurnService) ActiveSessions() int {
	return s.registry.Len()
}
