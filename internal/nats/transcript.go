package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/metrics"
)

const (
	// StreamName is the name of the transcript stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// Transcript is an append-only log of finished turns and conversation events.
// It is a record for clients and audits; conversation memory does not read it.
type Transcript struct {
	client *Client
}

// NewTranscript creates a transcript over client.
func NewTranscript(client *Client) *Transcript {
	return &Transcript{client: client}
}

// EnsureStream ensures the transcript stream exists with proper configuration.
func (t *Transcript) EnsureStream(ctx context.Context) error {
	js := t.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Finished turns and conversation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(tenantID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(tenantID), token(conversationID), role)
}

// EventSubject returns the subject for an event.
func EventSubject(tenantID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(tenantID), token(conversationID), eventType)
}

// ConversationFilter returns the filter subject for all records of a conversation.
func ConversationFilter(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(tenantID), token(conversationID))
}

// PublishMessage publishes a message to JetStream.
func (t *Transcript) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := t.client.JetStream().Publish(ctx, MessageSubject(msg.TenantID, msg.ConversationID, msg.Role), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(msg.TenantID, string(msg.Role)).Inc()
	return ack.Sequence, nil
}

// RecordTurn publishes the user and assistant messages of a completed turn.
func (t *Transcript) RecordTurn(ctx context.Context, tenantID string, turn *model.Turn) error {
	user := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: turn.ConversationID,
		TenantID:       tenantID,
		Role:           model.RoleUser,
		Content:        turn.UserText,
		CreatedAt:      turn.StartedAt.UTC(),
	}
	if _, err := t.PublishMessage(ctx, user); err != nil {
		return err
	}

	modelName := turn.Model
	mode := turn.Mode
	stopReason := turn.StopReason
	started := turn.StartedAt.UTC()
	ended := time.Now().UTC()
	if !turn.EndedAt.IsZero() {
		ended = turn.EndedAt.UTC()
	}
	latency := ended.Sub(started).Milliseconds()

	assistant := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: turn.ConversationID,
		TenantID:       tenantID,
		Role:           model.RoleAssistant,
		Content:        turn.AssistantText.String(),
		Sources:        turn.Sources,
		Model:          &modelName,
		Mode:           &mode,
		Usage:          turn.Usage,
		LatencyMs:      &latency,
		StopReason:     &stopReason,
		CreatedAt:      ended,
		StreamStarted:  &started,
		StreamEnded:    &ended,
	}
	_, err := t.PublishMessage(ctx, assistant)
	return err
}

// RecordEvent publishes a conversation event.
func (t *Transcript) RecordEvent(ctx context.Context, event *model.ConversationEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.TenantID, event.ConversationID, event.Type)
	if _, err := t.client.JetStream().Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages of a conversation after afterSequence.
func (t *Transcript) GetMessages(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) (*model.ListMessagesResponse, error) {
	js := t.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, token(tenantID), token(conversationID)),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		_ = js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, consumer.CachedInfo().Name)
	}()

	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	resp := &model.ListMessagesResponse{Messages: []model.Message{}, LastSequence: afterSequence}
	for msg := range batch.Messages() {
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			message.Sequence = meta.Sequence.Stream
			resp.LastSequence = meta.Sequence.Stream
		}
		resp.Messages = append(resp.Messages, message)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	resp.HasMore = len(resp.Messages) == limit
	return resp, nil
}
