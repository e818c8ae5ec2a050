package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/docchat/internal/llm"
	"github.com/capitalize-ai/docchat/internal/model"
)

const (
	// CacheEntryBucket maps fingerprints to cache entries. The bucket TTL expires them.
	CacheEntryBucket = "CONTEXT_CACHE"
	// CacheBlobBucket holds the pre-loaded text behind each handle.
	CacheBlobBucket = "CONTEXT_CACHE_BLOBS"
)

// TokenCounter counts input tokens of a text for a model.
type TokenCounter interface {
	CountTokens(ctx context.Context, modelName, text string) (int, error)
}

// CacheProvider is a context-cache provider on JetStream. Entries live in a
// key-value bucket whose TTL matches the cache TTL; handles name objects that
// hold the document text attached to model requests.
type CacheProvider struct {
	entries jetstream.KeyValue
	blobs   jetstream.ObjectStore
	counter TokenCounter
}

// NewCacheProvider opens or creates the cache buckets.
func NewCacheProvider(ctx context.Context, client *Client, ttl time.Duration) (*CacheProvider, error) {
	entries, err := client.keyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CacheEntryBucket,
		Description: "Context cache entries by document fingerprint",
		TTL:         ttl,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	blobs, err := client.objectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      CacheBlobBucket,
		Description: "Context cache payloads",
		TTL:         ttl,
		Storage:     jetstream.FileStorage,
		Compression: true,
	})
	if err != nil {
		return nil, err
	}
	return &CacheProvider{entries: entries, blobs: blobs}, nil
}

// SetCounter sets the token counter used for new entries. Without one,
// token counts are approximated.
func (p *CacheProvider) SetCounter(counter TokenCounter) {
	p.counter = counter
}

func (p *CacheProvider) countTokens(ctx context.Context, modelName, text string) (int, error) {
	if p.counter == nil {
		return llm.ApproximateTokens(text), nil
	}
	return p.counter.CountTokens(ctx, modelName, text)
}

// Create stores text under a new handle bound to modelName. When another
// process created the entry first, its entry is returned instead.
func (p *CacheProvider) Create(ctx context.Context, fingerprint, modelName, text string, ttl time.Duration) (*model.CacheEntry, error) {
	tokens, err := p.countTokens(ctx, modelName, text)
	if err != nil {
		return nil, fmt.Errorf("count tokens: %w", err)
	}

	now := time.Now().UTC()
	entry := &model.CacheEntry{
		Fingerprint: fingerprint,
		Model:       modelName,
		Handle:      "ctx-" + uuid.New().String(),
		TokenCount:  tokens,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if _, err := p.blobs.PutBytes(ctx, entry.Handle, []byte(text)); err != nil {
		return nil, fmt.Errorf("store cache payload: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if _, err := p.entries.Create(ctx, fingerprint, data); err != nil {
		_ = p.blobs.Delete(ctx, entry.Handle)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return p.Get(ctx, fingerprint)
		}
		return nil, fmt.Errorf("store cache entry: %w", err)
	}
	return entry, nil
}

// Get returns the entry for fingerprint or model.ErrNotFound.
func (p *CacheProvider) Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	kv, err := p.entries.Get(ctx, fingerprint)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(kv.Value(), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// List returns all entries.
func (p *CacheProvider) List(ctx context.Context) ([]*model.CacheEntry, error) {
	keys, err := p.entries.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []*model.CacheEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*model.CacheEntry, 0, len(keys))
	for _, k := range keys {
		e, err := p.Get(ctx, k)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes the entry with handle and its payload.
func (p *CacheProvider) Delete(ctx context.Context, handle string) error {
	entries, err := p.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Handle != handle {
			continue
		}
		if err := p.entries.Delete(ctx, e.Fingerprint); err != nil {
			return err
		}
		if err := p.blobs.Delete(ctx, handle); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			return err
		}
		return nil
	}
	return model.ErrNotFound
}

// ResolveContent returns the text behind handle.
func (p *CacheProvider) ResolveContent(ctx context.Context, handle string) (string, error) {
	data, err := p.blobs.GetBytes(ctx, handle)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
