// Package document manages the library of extracted documents conversations can be about.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/docchat/internal/contextcache"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
)

// Store persists documents and their text.
type Store interface {
	Put(ctx context.Context, doc *model.Document) error
	UpdateMeta(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, tenantID, documentID string) (*model.Document, error)
	GetMeta(ctx context.Context, tenantID, documentID string) (*model.Document, error)
	List(ctx context.Context, tenantID string) ([]*model.Document, error)
	Delete(ctx context.Context, tenantID, documentID string) error
}

// Indexer writes a document's chunks to the retrieval index.
type Indexer interface {
	Index(ctx context.Context, doc *model.Document) (int, error)
	Remove(ctx context.Context, documentID string) error
}

// Service handles document operations.
type Service struct {
	store   Store
	indexer Indexer
	logger  *logger.Logger
}

// NewService creates a document service. indexer may be nil when retrieval
// is not configured; Index then fails.
func NewService(store Store, indexer Indexer, log *logger.Logger) *Service {
	return &Service{store: store, indexer: indexer, logger: log.Named("documents")}
}

// Create registers already-extracted document text.
func (s *Service) Create(ctx context.Context, tenantID string, req *model.CreateDocumentRequest) (*model.Document, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &model.ValidationError{Field: "text", Reason: "cannot be empty"}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, &model.ValidationError{Field: "title", Reason: "cannot be empty"}
	}

	now := time.Now().UTC()
	doc := &model.Document{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TenantID:    tenantID,
		Title:       title,
		Author:      strings.TrimSpace(req.Author),
		Text:        req.Text,
		Chars:       len([]rune(req.Text)),
		Fingerprint: contextcache.Fingerprint(req.Text),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	s.logger.Info("document created",
		zap.String("document_id", doc.ID),
		zap.String("tenant_id", tenantID),
		zap.Int("chars", doc.Chars),
	)
	return doc, nil
}

// Get returns a document with its text.
func (s *Service) Get(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	return s.store.Get(ctx, tenantID, documentID)
}

// GetMeta returns a document without its text.
func (s *Service) GetMeta(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	return s.store.GetMeta(ctx, tenantID, documentID)
}

// List returns the tenant's documents.
func (s *Service) List(ctx context.Context, tenantID string) ([]*model.Document, error) {
	return s.store.List(ctx, tenantID)
}

// Delete removes a document and, when it was indexed, its retrieval chunks.
// A failed chunk removal is logged; the document itself is already gone.
func (s *Service) Delete(ctx context.Context, tenantID, documentID string) error {
	meta, err := s.store.GetMeta(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, tenantID, documentID); err != nil {
		return err
	}
	if meta.Indexed && s.indexer != nil {
		if err := s.indexer.Remove(ctx, documentID); err != nil {
			s.logger.Warn("document chunks not removed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	return nil
}

// Index chunks and embeds the document and marks it indexed.
func (s *Service) Index(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	if s.indexer == nil {
		return nil, errors.New("retrieval is not configured")
	}

	doc, err := s.store.Get(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}

	n, err := s.indexer.Index(ctx, doc)
	if err != nil {
		s.logger.Warn("document indexing failed", zap.String("document_id", documentID), zap.Error(err))
		return nil, err
	}

	doc.Indexed = true
	doc.Chunks = n
	doc.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateMeta(ctx, doc); err != nil {
		return nil, fmt.Errorf("mark document indexed: %w", err)
	}
	return doc, nil
}
