package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bailops/api/internal/app"
)

// CounterStore implements app.CounterStore on Redis. Each fingerprint key
// owns two entries sharing one TTL: the attempt counter and the
// window-start timestamp, written together in a pipeline so they expire
// as a pair (best effort, not transactional across the read in Peek).
type CounterStore struct {
	client *Client
}

// NewCounterStore creates a Redis-backed counter store.
func NewCounterStore(client *Client) (*CounterStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &CounterStore{client: client}, nil
}

func windowStartKey(key string) string {
	return key + ":start"
}

// Peek reads the current window state without consuming an attempt.
func (s *CounterStore) Peek(ctx context.Context, key string) (app.WindowState, error) {
	if key == "" {
		return app.WindowState{}, errors.New("key is required")
	}

	pipe := s.client.Client().Pipeline()
	countCmd := pipe.Get(ctx, key)
	startCmd := pipe.Get(ctx, windowStartKey(key))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return app.WindowState{}, fmt.Errorf("rate limit peek: %w", err)
	}

	var state app.WindowState

	if raw, err := countCmd.Result(); err == nil {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return app.WindowState{}, fmt.Errorf("rate limit peek: malformed counter %q: %w", raw, err)
		}
		state.Count = count
	} else if !errors.Is(err, redis.Nil) {
		return app.WindowState{}, fmt.Errorf("rate limit peek: %w", err)
	}

	if raw, err := startCmd.Result(); err == nil {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return app.WindowState{}, fmt.Errorf("rate limit peek: malformed window start %q: %w", raw, err)
		}
		state.WindowStart = time.Unix(unix, 0)
	} else if !errors.Is(err, redis.Nil) {
		return app.WindowState{}, fmt.Errorf("rate limit peek: %w", err)
	}

	return state, nil
}

// Increment records one attempt. The counter INCR, its EXPIRE, and the
// SETNX of the window-start timestamp are pipelined so the first attempt
// of a window arms both entries together.
func (s *CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if key == "" {
		return 0, errors.New("key is required")
	}
	if window <= 0 {
		return 0, errors.New("window must be positive")
	}

	now := time.Now()

	pipe := s.client.Client().TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	pipe.SetNX(ctx, windowStartKey(key), strconv.FormatInt(now.Unix(), 10), window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit increment: %w", err)
	}

	return incrCmd.Val(), nil
}

// Clear removes the counter and its window-start timestamp.
func (s *CounterStore) Clear(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	if err := s.client.Client().Del(ctx, key, windowStartKey(key)).Err(); err != nil {
		return fmt.Errorf("rate limit clear: %w", err)
	}
	return nil
}
