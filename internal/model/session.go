// Package model defines data structures for the messenger relay.
package model

import (
	"time"
)

// Mode is the ownership state of a conversation.
type Mode string

const (
	// ModeAutomated means the AI responder owns the conversation.
	ModeAutomated Mode = "automated"
	// ModeHuman means a human operator owns the conversation.
	ModeHuman Mode = "human"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// MaxRecentTurns bounds the rolling conversation window kept per session.
	MaxRecentTurns = 20
	// MaxProcessedIDs bounds the dedupe ledger kept per session.
	MaxProcessedIDs = 200
	// HumanModeTTL is how long a session stays human-owned before it lazily
	// reverts to automated on the next inbound event.
	HumanModeTTL = 24 * time.Hour
)

// Turn is a single conversation turn in the rolling window.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// AdContext is the ad referral a session arrived through.
type AdContext struct {
	CampaignID string `json:"campaign_id"`
	Title      string `json:"title,omitempty"`
	ProductRef string `json:"product_ref,omitempty"`
}

// Session is the durable per-(tenant,user) conversation record.
type Session struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	Mode          Mode       `json:"mode"`
	ModeChangedAt *time.Time `json:"mode_changed_at,omitempty"`

	RecentTurns []Turn     `json:"recent_turns"`
	Summary     string     `json:"summary,omitempty"`
	AdContext   *AdContext `json:"ad_context,omitempty"`

	// ProcessedMessageIDs is the dedupe ledger of upstream message ids,
	// oldest first, capped at MaxProcessedIDs.
	ProcessedMessageIDs []string `json:"processed_message_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version supports optimistic locking in stores that need it.
	Version int64 `json:"version"`
}

// NewSession creates a fresh automated session for a tenant/user pair.
func NewSession(tenantID, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		TenantID:  tenantID,
		UserID:    userID,
		Mode:      ModeAutomated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn appends a turn and trims the window to the most recent
// MaxRecentTurns entries, dropping the oldest first.
func (s *Session) AppendTurn(role Role, text string) {
	s.RecentTurns = append(s.RecentTurns, Turn{Role: role, Text: text})
	if overflow := len(s.RecentTurns) - MaxRecentTurns; overflow > 0 {
		s.RecentTurns = append(s.RecentTurns[:0], s.RecentTurns[overflow:]...)
	}
	s.UpdatedAt = time.Now().UTC()
}

// HasProcessed reports whether a message id is already in the dedupe ledger.
func (s *Session) HasProcessed(messageID string) bool {
	for _, id := range s.ProcessedMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// MarkProcessed records a message id in the ledger, dropping the oldest
// entries once MaxProcessedIDs is exceeded.
func (s *Session) MarkProcessed(messageID string) {
	s.ProcessedMessageIDs = append(s.ProcessedMessageIDs, messageID)
	if overflow := len(s.ProcessedMessageIDs) - MaxProcessedIDs; overflow > 0 {
		s.ProcessedMessageIDs = append(s.ProcessedMessageIDs[:0], s.ProcessedMessageIDs[overflow:]...)
	}
	s.UpdatedAt = time.Now().UTC()
}

// HumanExpired reports whether a human-owned session has passed its TTL.
func (s *Session) HumanExpired(now time.Time) bool {
	if s.Mode != ModeHuman || s.ModeChangedAt == nil {
		return false
	}
	return now.Sub(*s.ModeChangedAt) >= HumanModeTTL
}

// Key returns the compound session key.
func (s *Session) Key() string {
	return SessionKey(s.TenantID, s.UserID)
}

// SessionKey builds the compound key for a tenant/user pair.
func SessionKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}
