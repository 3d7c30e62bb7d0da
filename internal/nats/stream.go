package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

const (
	// StreamName is the name of the relay audit stream.
	StreamName = "RELAY"

	// SubjectPrefix is the prefix for all relay subjects.
	SubjectPrefix = "relay"
)

// TurnRecord is a conversation turn published to the audit stream.
type TurnRecord struct {
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	Role      model.Role `json:"role"`
	Text      string     `json:"text"`
	MessageID string     `json:"message_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HandoffRecord is a handoff event published to the audit stream. Chat-ops
// consumers subscribe to relay.*.*.handoff.> for fan-out.
type HandoffRecord struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	LastText  string    `json:"last_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamManager handles JetStream operations for the audit stream.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the relay audit stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation turns and handoff events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// TurnSubject returns the subject for a conversation turn.
func TurnSubject(tenantID, userID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.turn.%s", SubjectPrefix, tenantID, userID, role)
}

// HandoffSubject returns the subject for a handoff event.
func HandoffSubject(tenantID, userID, reason string) string {
	return fmt.Sprintf("%s.%s.%s.handoff.%s", SubjectPrefix, tenantID, userID, reason)
}

// PublishTurn publishes a conversation turn to the audit stream.
func (m *StreamManager) PublishTurn(ctx context.Context, rec *TurnRecord) (uint64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal turn: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, TurnSubject(rec.TenantID, rec.UserID, rec.Role), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish turn: %w", err)
	}

	return ack.Sequence, nil
}

// PublishHandoff publishes a handoff event to the audit stream.
func (m *StreamManager) PublishHandoff(ctx context.Context, rec *HandoffRecord) (uint64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal handoff: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, HandoffSubject(rec.TenantID, rec.UserID, rec.Reason), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish handoff: %w", err)
	}

	return ack.Sequence, nil
}
