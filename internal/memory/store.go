// Package memory owns each conversation's rolling history and compacted summary.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/docchat/internal/model"
)

// Store persists ConversationState. Update must apply fn atomically with
// respect to concurrent updates of the same id, creating the state when absent.
type Store interface {
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*model.ConversationState, error)
	Update(ctx context.Context, id string, fn func(state *model.ConversationState) error) (*model.ConversationState, error)
}

var conversationsBucket = []byte("conversations")

// BoltStore keeps conversation state in a local bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the stored state for id.
func (s *BoltStore) Get(_ context.Context, id string) (*model.ConversationState, error) {
	var state *model.ConversationState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return model.ErrNotFound
		}
		state = &model.ConversationState{}
		return json.Unmarshal(v, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Update runs fn inside a single write transaction.
func (s *BoltStore) Update(ctx context.Context, id string, fn func(state *model.ConversationState) error) (*model.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *model.ConversationState
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		state := &model.ConversationState{ID: id, CreatedAt: time.Now().UTC()}
		if v := b.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, state); err != nil {
				return fmt.Errorf("decode conversation %s: %w", id, err)
			}
		}
		if err := fn(state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		out = state
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
