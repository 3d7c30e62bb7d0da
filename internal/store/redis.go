package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

const (
	sessionKeyPrefix = "relay:session:"

	// maxTxRetries bounds optimistic-lock retries before giving up.
	maxTxRetries = 5
)

// RedisStore is a Redis-backed SessionStore. Mutations run as
// WATCH/MULTI/EXEC read-modify-write transactions, so concurrent writers for
// the same key retry instead of losing updates, and no lock is held across
// the store's own I/O.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis session store. A non-positive ttl disables
// retention-based expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// GetOrCreate implements SessionStore. Creation uses SETNX so two concurrent
// creators race safely: the loser re-reads the winner's record.
func (s *RedisStore) GetOrCreate(ctx context.Context, tenantID, userID string) (*model.Session, error) {
	sess, err := s.Get(ctx, tenantID, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fresh := model.NewSession(tenantID, userID)
	fresh.Version = 1
	val, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(tenantID, userID), val, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created {
		return fresh, nil
	}
	// Lost the create race; the winner's record is authoritative.
	return s.Get(ctx, tenantID, userID)
}

// Get implements SessionStore.
func (s *RedisStore) Get(ctx context.Context, tenantID, userID string) (*model.Session, error) {
	val, err := s.client.Get(ctx, s.key(tenantID, userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// SwitchToHuman implements SessionStore.
func (s *RedisStore) SwitchToHuman(ctx context.Context, tenantID, userID string) error {
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		if sess.Mode == model.ModeHuman {
			return
		}
		now := time.Now().UTC()
		sess.Mode = model.ModeHuman
		sess.ModeChangedAt = &now
	})
}

// SetMode implements SessionStore.
func (s *RedisStore) SetMode(ctx context.Context, tenantID, userID string, mode model.Mode) error {
	if mode == model.ModeHuman {
		return s.SwitchToHuman(ctx, tenantID, userID)
	}
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		sess.Mode = model.ModeAutomated
		sess.ModeChangedAt = nil
	})
}

// EnsureAutomatedIfExpired implements SessionStore. Absent sessions report
// automated without being created.
func (s *RedisStore) EnsureAutomatedIfExpired(ctx context.Context, tenantID, userID string) (model.Mode, error) {
	sess, err := s.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNotFound) {
		return model.ModeAutomated, nil
	}
	if err != nil {
		return model.ModeAutomated, err
	}
	if !sess.HumanExpired(time.Now().UTC()) {
		return sess.Mode, nil
	}

	mode := model.ModeAutomated
	err = s.update(ctx, tenantID, userID, func(sess *model.Session) {
		if sess.HumanExpired(time.Now().UTC()) {
			sess.Mode = model.ModeAutomated
			sess.ModeChangedAt = nil
		}
		mode = sess.Mode
	})
	if err != nil {
		return model.ModeAutomated, err
	}
	return mode, nil
}

// AppendTurn implements SessionStore.
func (s *RedisStore) AppendTurn(ctx context.Context, tenantID, userID string, role model.Role, text string) error {
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		sess.AppendTurn(role, text)
	})
}

// ClearTurns implements SessionStore.
func (s *RedisStore) ClearTurns(ctx context.Context, tenantID, userID string) error {
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		sess.RecentTurns = nil
	})
}

// RecordReferral implements SessionStore.
func (s *RedisStore) RecordReferral(ctx context.Context, tenantID, userID string, ad model.AdContext) error {
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		copied := ad
		sess.AdContext = &copied
	})
}

// HasProcessedMessage implements SessionStore.
func (s *RedisStore) HasProcessedMessage(ctx context.Context, tenantID, userID, messageID string) (bool, error) {
	sess, err := s.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.HasProcessed(messageID), nil
}

// MarkProcessed implements SessionStore.
func (s *RedisStore) MarkProcessed(ctx context.Context, tenantID, userID, messageID string) error {
	return s.update(ctx, tenantID, userID, func(sess *model.Session) {
		sess.MarkProcessed(messageID)
	})
}

// Close implements SessionStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update runs a WATCH-guarded read-modify-write on the session record,
// upserting a fresh automated session when none exists. Retries on
// transaction conflicts up to maxTxRetries.
func (s *RedisStore) update(ctx context.Context, tenantID, userID string, fn func(*model.Session)) error {
	key := s.key(tenantID, userID)

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var sess *model.Session

			val, err := tx.Get(ctx, key).Result()
			switch {
			case err == redis.Nil:
				sess = model.NewSession(tenantID, userID)
			case err != nil:
				return err
			default:
				sess = &model.Session{}
				if err := json.Unmarshal([]byte(val), sess); err != nil {
					return fmt.Errorf("decode session: %w", err)
				}
			}

			fn(sess)
			sess.Version++
			sess.UpdatedAt = time.Now().UTC()

			newVal, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newVal, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue // concurrent writer won; re-read and retry
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) key(tenantID, userID string) string {
	return sessionKeyPrefix + model.SessionKey(tenantID, userID)
}
