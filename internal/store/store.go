// Package store provides durable session storage for the relay.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

// Common errors for session store operations.
var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an optimistic update loses a race and
	// exhausts its retries.
	ErrConflict = errors.New("session update conflict")
)

// SessionStore is the durable per-(tenant,user) session record store.
// All operations are idempotent or upsert-safe under concurrent writers;
// implementations must not require callers to hold locks across calls.
type SessionStore interface {
	// GetOrCreate returns the existing session or atomically creates a
	// fresh automated one. A concurrent first-write race resolves by
	// re-reading, never by erroring.
	GetOrCreate(ctx context.Context, tenantID, userID string) (*model.Session, error)

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, tenantID, userID string) (*model.Session, error)

	// SwitchToHuman sets mode=human and stamps the transition time.
	// Re-invoking while already human is a no-op.
	SwitchToHuman(ctx context.Context, tenantID, userID string) error

	// SetMode is the administrative override. Setting automated also
	// clears the mode-change timestamp.
	SetMode(ctx context.Context, tenantID, userID string, mode model.Mode) error

	// EnsureAutomatedIfExpired lazily reverts an expired human session to
	// automated and returns the current mode. Evaluated on every inbound
	// event; there is no background timer.
	EnsureAutomatedIfExpired(ctx context.Context, tenantID, userID string) (model.Mode, error)

	// AppendTurn appends to the rolling turn window, trimming to the most
	// recent model.MaxRecentTurns entries.
	AppendTurn(ctx context.Context, tenantID, userID string, role model.Role, text string) error

	// ClearTurns empties the rolling turn window.
	ClearTurns(ctx context.Context, tenantID, userID string) error

	// RecordReferral overwrites the session's ad context.
	RecordReferral(ctx context.Context, tenantID, userID string, ad model.AdContext) error

	// HasProcessedMessage reports whether a message id is in the dedupe
	// ledger. Must be checked before any side-effecting work for the id.
	HasProcessedMessage(ctx context.Context, tenantID, userID, messageID string) (bool, error)

	// MarkProcessed records a message id in the ledger, capped at
	// model.MaxProcessedIDs entries FIFO.
	MarkProcessed(ctx context.Context, tenantID, userID, messageID string) error

	// Close releases store resources.
	Close() error
}
