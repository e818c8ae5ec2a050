package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/docchat/internal/model"
)

const (
	// DocumentMetaBucket holds Document records keyed by tenant and id.
	DocumentMetaBucket = "DOCUMENTS"
	// DocumentTextBucket holds the extracted text of each document.
	DocumentTextBucket = "DOCUMENT_TEXT"
)

// DocumentStore keeps document metadata in a key-value bucket and the
// extracted text in an object store.
type DocumentStore struct {
	meta jetstream.KeyValue
	text jetstream.ObjectStore
}

// NewDocumentStore opens or creates the document buckets.
func NewDocumentStore(ctx context.Context, client *Client) (*DocumentStore, error) {
	meta, err := client.keyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      DocumentMetaBucket,
		Description: "Document metadata",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	text, err := client.objectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      DocumentTextBucket,
		Description: "Extracted document text",
		Storage:     jetstream.FileStorage,
		Compression: true,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentStore{meta: meta, text: text}, nil
}

func documentKey(tenantID, documentID string) string {
	return token(tenantID) + "." + token(documentID)
}

// Put stores doc and its text, replacing any previous version.
func (s *DocumentStore) Put(ctx context.Context, doc *model.Document) error {
	key := documentKey(doc.TenantID, doc.ID)
	if _, err := s.text.PutBytes(ctx, key, []byte(doc.Text)); err != nil {
		return fmt.Errorf("store document text: %w", err)
	}
	return s.putMeta(ctx, doc)
}

// UpdateMeta stores doc's metadata without touching its text.
func (s *DocumentStore) UpdateMeta(ctx context.Context, doc *model.Document) error {
	return s.putMeta(ctx, doc)
}

func (s *DocumentStore) putMeta(ctx context.Context, doc *model.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.meta.Put(ctx, documentKey(doc.TenantID, doc.ID), data); err != nil {
		return fmt.Errorf("store document metadata: %w", err)
	}
	return nil
}

// Get returns the document with its text loaded.
func (s *DocumentStore) Get(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	doc, err := s.GetMeta(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	text, err := s.text.GetBytes(ctx, documentKey(tenantID, documentID))
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document text: %w", err)
	}
	doc.Text = string(text)
	return doc, nil
}

// GetMeta returns the document without its text.
func (s *DocumentStore) GetMeta(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	entry, err := s.meta.Get(ctx, documentKey(tenantID, documentID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	var doc model.Document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

// List returns the tenant's documents, newest first, without text.
func (s *DocumentStore) List(ctx context.Context, tenantID string) ([]*model.Document, error) {
	keys, err := s.meta.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []*model.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	prefix := token(tenantID) + "."
	docs := make([]*model.Document, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		doc, err := s.GetMeta(ctx, tenantID, strings.TrimPrefix(key, prefix))
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return docs, nil
}

// Delete removes a document and its text.
func (s *DocumentStore) Delete(ctx context.Context, tenantID, documentID string) error {
	key := documentKey(tenantID, documentID)
	if _, err := s.meta.Get(ctx, key); errors.Is(err, jetstream.ErrKeyNotFound) {
		return model.ErrNotFound
	}
	if err := s.text.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete document text: %w", err)
	}
	if err := s.meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
