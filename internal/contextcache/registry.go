package contextcache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/logger"
	"github.com/capitalize-ai/docchat/pkg/metrics"
)

const createTimeout = 2 * time.Minute

// Provider is the remote context-cache service.
type Provider interface {
	// Create pre-loads text for modelName and returns the new entry.
	Create(ctx context.Context, fingerprint, modelName, text string, ttl time.Duration) (*model.CacheEntry, error)
	// Get returns model.ErrNotFound when no entry exists.
	Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	List(ctx context.Context) ([]*model.CacheEntry, error)
	Delete(ctx context.Context, handle string) error
}

// Registry enforces model binding and TTL over a Provider and collapses
// concurrent creations for one fingerprint into a single remote call.
type Registry struct {
	provider Provider
	ttl      time.Duration
	logger   *logger.Logger
	now      func() time.Time

	group singleflight.Group
}

// NewRegistry creates a registry. ttl is used when Ensure is called without one.
func NewRegistry(provider Provider, ttl time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		provider: provider,
		ttl:      ttl,
		logger:   log.Named("contextcache"),
		now:      time.Now,
	}
}

// Lookup returns the live entry for fingerprint, or nil when there is none
// or it has expired. Provider failures come back as a ProviderError.
func (r *Registry) Lookup(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	entry, err := r.provider.Get(ctx, fingerprint)
	if errors.Is(err, model.ErrNotFound) {
		metrics.RecordCacheOp("lookup", "miss")
		return nil, nil
	}
	if err != nil {
		metrics.RecordCacheOp("lookup", "error")
		return nil, model.NewProviderError("context-cache", "get", err)
	}
	if entry == nil || entry.Expired(r.now()) {
		metrics.RecordCacheOp("lookup", "expired")
		return nil, nil
	}
	metrics.RecordCacheOp("lookup", "hit")
	return entry, nil
}

// Ensure returns the entry for fingerprint, creating it at most once when
// absent. An existing entry bound to another model yields ModelMismatchError.
func (r *Registry) Ensure(ctx context.Context, fingerprint, modelName, text string, ttl time.Duration) (*model.CacheEntry, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}

	entry, err := r.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// The flight outlives any single caller; each waiter still honors its own ctx.
		ch := r.group.DoChan(fingerprint, func() (any, error) {
			flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
			defer cancel()
			return r.create(flightCtx, fingerprint, modelName, text, ttl)
		})
		select {
		case <-ctx.Done():
			return nil, model.NewProviderError("context-cache", "create", ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			entry = res.Val.(*model.CacheEntry)
		}
	}

	if !entry.BoundTo(modelName) {
		return nil, &model.ModelMismatchError{
			Fingerprint: fingerprint,
			Bound:       entry.Model,
			Requested:   modelName,
		}
	}
	return entry, nil
}

func (r *Registry) create(ctx context.Context, fingerprint, modelName, text string, ttl time.Duration) (*model.CacheEntry, error) {
	// Recheck inside the flight; an earlier flight may have just created it.
	existing, err := r.Lookup(ctx, fingerprint)
	if err != nil || existing != nil {
		return existing, err
	}
	created, err := r.provider.Create(ctx, fingerprint, modelName, text, ttl)
	if err != nil {
		metrics.RecordCacheOp("create", "error")
		return nil, model.NewProviderError("context-cache", "create", err)
	}
	metrics.RecordCacheOp("create", "ok")
	r.logger.Info("context cache created",
		zap.String("fingerprint", fingerprint),
		zap.String("model", created.Model),
		zap.Int("tokens", created.TokenCount),
	)
	return created, nil
}

// List returns all live entries.
func (r *Registry) List(ctx context.Context) ([]*model.CacheEntry, error) {
	entries, err := r.provider.List(ctx)
	if err != nil {
		return nil, model.NewProviderError("context-cache", "list", err)
	}
	now := r.now()
	live := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// Delete removes the entry for fingerprint. Deleting an absent entry returns model.ErrNotFound.
func (r *Registry) Delete(ctx context.Context, fingerprint string) error {
	entry, err := r.provider.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return model.NewProviderError("context-cache", "get", err)
	}
	if err := r.provider.Delete(ctx, entry.Handle); err != nil {
		return model.NewProviderError("context-cache", "delete", err)
	}
	metrics.RecordCacheOp("delete", "ok")
	return nil
}
