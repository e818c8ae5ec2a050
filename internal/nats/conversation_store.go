package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/docchat/internal/model"
)

const (
	// ConversationBucket holds one ConversationState per scoped conversation id.
	ConversationBucket = "CONVERSATION_MEMORY"

	maxUpdateAttempts = 16
)

// ConversationStore keeps conversation memory in a JetStream key-value bucket.
// Updates are compare-and-set on the entry revision and retried on conflict.
type ConversationStore struct {
	kv jetstream.KeyValue
}

// NewConversationStore opens or creates the conversation bucket.
func NewConversationStore(ctx context.Context, client *Client) (*ConversationStore, error) {
	kv, err := client.keyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ConversationBucket,
		Description: "Rolling history and summary per conversation",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return &ConversationStore{kv: kv}, nil
}

// Get returns the state stored for id.
func (s *ConversationStore) Get(ctx context.Context, id string) (*model.ConversationState, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return decodeState(entry)
}

// Update applies fn to the current state and writes it back if nobody else
// wrote in between. fn may run more than once.
func (s *ConversationStore) Update(ctx context.Context, id string, fn func(state *model.ConversationState) error) (*model.ConversationState, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		state, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(state); err != nil {
			return nil, err
		}
		state.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}

		var rev uint64
		if state.Revision == 0 {
			rev, err = s.kv.Create(ctx, id, data)
		} else {
			rev, err = s.kv.Update(ctx, id, data, state.Revision)
		}
		if err == nil {
			state.Revision = rev
			return state, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("write conversation %s: %w", id, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("write conversation %s: too many concurrent updates", id)
}

// load returns the current state, or a fresh one with Revision 0.
func (s *ConversationStore) load(ctx context.Context, id string) (*model.ConversationState, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return &model.ConversationState{ID: id, CreatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return decodeState(entry)
}

func decodeState(entry jetstream.KeyValueEntry) (*model.ConversationState, error) {
	var state model.ConversationState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", entry.Key(), err)
	}
	state.Revision = entry.Revision()
	return &state, nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
