package notify

import (
	"context"

	natsclient "github.com/capitalize-ai/messenger-relay/internal/nats"
)

// StreamNotifier publishes handoff events to the JetStream audit stream so
// downstream chat-ops consumers can fan them out.
type StreamNotifier struct {
	streams *natsclient.StreamManager
}

// NewStreamNotifier creates a stream-backed notifier.
func NewStreamNotifier(streams *natsclient.StreamManager) *StreamNotifier {
	return &StreamNotifier{streams: streams}
}

// NotifyHandoff implements Notifier.
func (n *StreamNotifier) NotifyHandoff(ctx context.Context, h Handoff) error {
	rec := &natsclient.HandoffRecord{
		UserID:   h.UserID,
		Reason:   string(h.Reason),
		LastText: h.LastText,
	}
	if h.Tenant != nil {
		rec.TenantID = h.Tenant.ID
	}
	_, err := n.streams.PublishHandoff(ctx, rec)
	return err
}
