// Package notify raises human-attention alerts when a conversation is
// handed off to an operator.
package notify

import (
	"context"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

// Reason is why a conversation was handed off.
type Reason string

const (
	// ReasonKeyword: the user's text matched a human-request keyword.
	ReasonKeyword Reason = "keyword"
	// ReasonSentinel: the responder returned the handoff sentinel.
	ReasonSentinel Reason = "sentinel"
	// ReasonResponderError: the responder failed and the conversation was
	// escalated as a safety fallback.
	ReasonResponderError Reason = "responder_error"
	// ReasonAdmin: an operator forced human mode.
	ReasonAdmin Reason = "admin"
)

// Handoff describes a single handoff occurrence.
type Handoff struct {
	Tenant   *model.TenantConfig
	UserID   string
	Reason   Reason
	LastText string
	Session  *model.Session
}

// Notifier delivers handoff alerts to operators.
type Notifier interface {
	NotifyHandoff(ctx context.Context, h Handoff) error
}

// Multi fans a handoff out to several notifiers, returning the first error
// after all have been attempted.
type Multi []Notifier

// NotifyHandoff implements Notifier.
func (m Multi) NotifyHandoff(ctx context.Context, h Handoff) error {
	var firstErr error
	for _, n := range m {
		if err := n.NotifyHandoff(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Noop is a Notifier that does nothing.
type Noop struct{}

// NotifyHandoff implements Notifier.
func (Noop) NotifyHandoff(ctx context.Context, h Handoff) error { return nil }
