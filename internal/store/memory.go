package store

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

// MemoryStore is an in-memory SessionStore. Each operation holds the store
// lock for its full duration, so per-key updates are atomic and lost updates
// cannot occur. Suitable for tests and single-node deployments without Redis.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
	}
}

// GetOrCreate implements SessionStore.
func (s *MemoryStore) GetOrCreate(ctx context.Context, tenantID, userID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.SessionKey(tenantID, userID)
	sess, ok := s.sessions[key]
	if !ok {
		sess = model.NewSession(tenantID, userID)
		s.sessions[key] = sess
	}
	return cloneSession(sess), nil
}

// Get implements SessionStore.
func (s *MemoryStore) Get(ctx context.Context, tenantID, userID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[model.SessionKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

// SwitchToHuman implements SessionStore.
func (s *MemoryStore) SwitchToHuman(ctx context.Context, tenantID, userID string) error {
	return s.update(tenantID, userID, func(sess *model.Session) {
		if sess.Mode == model.ModeHuman {
			return
		}
		now := time.Now().UTC()
		sess.Mode = model.ModeHuman
		sess.ModeChangedAt = &now
	})
}

// SetMode implements SessionStore.
func (s *MemoryStore) SetMode(ctx context.Context, tenantID, userID string, mode model.Mode) error {
	if mode == model.ModeHuman {
		return s.SwitchToHuman(ctx, tenantID, userID)
	}
	return s.update(tenantID, userID, func(sess *model.Session) {
		sess.Mode = model.ModeAutomated
		sess.ModeChangedAt = nil
	})
}

// EnsureAutomatedIfExpired implements SessionStore.
func (s *MemoryStore) EnsureAutomatedIfExpired(ctx context.Context, tenantID, userID string) (model.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[model.SessionKey(tenantID, userID)]
	if !ok {
		return model.ModeAutomated, nil
	}
	if sess.HumanExpired(time.Now().UTC()) {
		sess.Mode = model.ModeAutomated
		sess.ModeChangedAt = nil
		sess.UpdatedAt = time.Now().UTC()
	}
	return sess.Mode, nil
}

// AppendTurn implements SessionStore.
func (s *MemoryStore) AppendTurn(ctx context.Context, tenantID, userID string, role model.Role, text string) error {
	return s.update(tenantID, userID, func(sess *model.Session) {
		sess.AppendTurn(role, text)
	})
}

// ClearTurns implements SessionStore.
func (s *MemoryStore) ClearTurns(ctx context.Context, tenantID, userID string) error {
	return s.update(tenantID, userID, func(sess *model.Session) {
		sess.RecentTurns = nil
		sess.UpdatedAt = time.Now().UTC()
	})
}

// RecordReferral implements SessionStore.
func (s *MemoryStore) RecordReferral(ctx context.Context, tenantID, userID string, ad model.AdContext) error {
	return s.update(tenantID, userID, func(sess *model.Session) {
		copied := ad
		sess.AdContext = &copied
		sess.UpdatedAt = time.Now().UTC()
	})
}

// HasProcessedMessage implements SessionStore.
func (s *MemoryStore) HasProcessedMessage(ctx context.Context, tenantID, userID, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[model.SessionKey(tenantID, userID)]
	if !ok {
		return false, nil
	}
	return sess.HasProcessed(messageID), nil
}

// MarkProcessed implements SessionStore.
func (s *MemoryStore) MarkProcessed(ctx context.Context, tenantID, userID, messageID string) error {
	return s.update(tenantID, userID, func(sess *model.Session) {
		sess.MarkProcessed(messageID)
	})
}

// Close implements SessionStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*model.Session)
	return nil
}

// update applies fn to the session under the store lock, creating the
// session first if it does not exist (upsert semantics).
func (s *MemoryStore) update(tenantID, userID string, fn func(*model.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.SessionKey(tenantID, userID)
	sess, ok := s.sessions[key]
	if !ok {
		sess = model.NewSession(tenantID, userID)
		s.sessions[key] = sess
	}
	fn(sess)
	sess.Version++
	return nil
}

func cloneSession(sess *model.Session) *model.Session {
	out := *sess
	out.RecentTurns = append([]model.Turn(nil), sess.RecentTurns...)
	out.ProcessedMessageIDs = append([]string(nil), sess.ProcessedMessageIDs...)
	if sess.ModeChangedAt != nil {
		ts := *sess.ModeChangedAt
		out.ModeChangedAt = &ts
	}
	if sess.AdContext != nil {
		ad := *sess.AdContext
		out.AdContext = &ad
	}
	return &out
}
