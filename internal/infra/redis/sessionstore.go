package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bailops/api/internal/app"
)

const sessionIndexPrefix = "sessions:user:"

// SessionStore implements app.SessionStore on a per-user Redis hash. Each
// hash field is one session id holding a JSON-encoded record; the hash
// TTL is re-armed on every write so an idle user's whole index expires
// together.
type SessionStore struct {
	client *Client
}

// NewSessionStore creates a Redis-backed session store.
func NewSessionStore(client *Client) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &SessionStore{client: client}, nil
}

func sessionIndexKey(userID string) string {
	return sessionIndexPrefix + userID
}

// Put stores or replaces a record in the user's index.
func (s *SessionStore) Put(ctx context.Context, userID string, rec app.SessionRecord, ttl time.Duration) error {
	if userID == "" || rec.SessionID == "" {
		return errors.New("user id and session id are required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session put: %w", err)
	}

	pipe := s.client.Client().TxPipeline()
	pipe.HSet(ctx, sessionIndexKey(userID), rec.SessionID, payload)
	pipe.Expire(ctx, sessionIndexKey(userID), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

// Get reads one record; app.ErrSessionNotFound when absent.
func (s *SessionStore) Get(ctx context.Context, userID, sessionID string) (app.SessionRecord, error) {
	raw, err := s.client.Client().HGet(ctx, sessionIndexKey(userID), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return app.SessionRecord{}, app.ErrSessionNotFound
	}
	if err != nil {
		return app.SessionRecord{}, fmt.Errorf("session get: %w", err)
	}

	var rec app.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return app.SessionRecord{}, fmt.Errorf("session get: malformed record: %w", err)
	}
	return rec, nil
}

// Touch updates a record's last_activity and re-arms the index TTL.
func (s *SessionStore) Touch(ctx context.Context, userID, sessionID string, at time.Time, ttl time.Duration) error {
	rec, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	rec.LastActivity = at
	return s.Put(ctx, userID, rec, ttl)
}

// Delete removes one record. Reports whether an entry existed.
func (s *SessionStore) Delete(ctx context.Context, userID, sessionID string) (bool, error) {
	removed, err := s.client.Client().HDel(ctx, sessionIndexKey(userID), sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("session delete: %w", err)
	}
	return removed > 0, nil
}

// All returns every record in the user's index, unordered.
func (s *SessionStore) All(ctx context.Context, userID string) ([]app.SessionRecord, error) {
	fields, err := s.client.Client().HGetAll(ctx, sessionIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}

	recs := make([]app.SessionRecord, 0, len(fields))
	for sessionID, raw := range fields {
		var rec app.SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// A malformed field poisons only itself, not the index.
			s.client.Logger().Warn("skipping malformed session record",
				"user_id", userID,
				"session_id", sessionID,
			)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Users returns every user id that currently has a session index, via
// SCAN rather than KEYS so the sweep is production-safe.
func (s *SessionStore) Users(ctx context.Context) ([]string, error) {
	var users []string
	var cursor uint64

	for {
		keys, next, err := s.client.Client().Scan(ctx, cursor, sessionIndexPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("session users: %w", err)
		}
		for _, key := range keys {
			users = append(users, strings.TrimPrefix(key, sessionIndexPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return users, nil
}
