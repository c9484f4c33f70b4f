package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/pkg/logger"
)

// memCounterStore is an in-memory CounterStore for tests.
type memCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
	starts map[string]time.Time
	err    error
}

func newMemCounterStore() *memCounterStore {
	return &memCounterStore{
		counts: make(map[string]int64),
		starts: make(map[string]time.Time),
	}
}

func (s *memCounterStore) Peek(_ context.Context, key string) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return WindowState{}, s.err
	}
	return WindowState{Count: s.counts[key], WindowStart: s.starts[key]}, nil
}

func (s *memCounterStore) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.counts[key]++
	if _, ok := s.starts[key]; !ok {
		s.starts[key] = time.Now()
	}
	return s.counts[key], nil
}

func (s *memCounterStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.counts, key)
	delete(s.starts, key)
	return nil
}

func newTestLimiter(t *testing.T, store CounterStore, def Policy) *RateLimiter {
	t.Helper()

	resolver, err := NewPolicyResolver(def, nil)
	require.NoError(t, err)

	limiter, err := NewRateLimiter(store, resolver, logger.NewNop())
	require.NoError(t, err)
	return limiter
}

func TestAdmitCountsDownToRejection(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := limiter.Admit(ctx, "rate_limit:user:u1:missions.index", "missions.index")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := limiter.Admit(ctx, "rate_limit:user:u1:missions.index", "missions.index")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAdmitRejectionDoesNotConsumeAttempt(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 2, Window: time.Minute})
	ctx := context.Background()

	key := "rate_limit:ip:10.0.0.9:uploads.store"
	for i := 0; i < 2; i++ {
		_, err := limiter.Admit(ctx, key, "uploads.store")
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		d, err := limiter.Admit(ctx, key, "uploads.store")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	assert.Equal(t, int64(2), store.counts[key])
}

func TestAdmitAfterClearResetsWindow(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 1, Window: time.Minute})
	ctx := context.Background()

	key := "rate_limit:user:u2:sessions.index"
	_, err := limiter.Admit(ctx, key, "sessions.index")
	require.NoError(t, err)

	d, err := limiter.Admit(ctx, key, "sessions.index")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, limiter.Clear(ctx, key))

	d, err = limiter.Admit(ctx, key, "sessions.index")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestAdmitKeysAreIsolated(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 1, Window: time.Minute})
	ctx := context.Background()

	d, err := limiter.Admit(ctx, "rate_limit:user:a:op", "op")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Admit(ctx, "rate_limit:user:a:op", "op")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// A different user and a different operation both keep their own budget.
	d, err = limiter.Admit(ctx, "rate_limit:user:b:op", "op")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Admit(ctx, "rate_limit:user:a:other", "other")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitRetryAfterUsesWindowStart(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 1, Window: time.Minute})
	ctx := context.Background()

	key := "rate_limit:user:u3:op"
	_, err := limiter.Admit(ctx, key, "op")
	require.NoError(t, err)

	// Pretend the window opened 45 seconds ago.
	store.mu.Lock()
	store.starts[key] = time.Now().Add(-45 * time.Second)
	store.mu.Unlock()

	d, err := limiter.Admit(ctx, key, "op")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.InDelta(t, 15, d.RetryAfter.Seconds(), 2)
}

func TestAdmitRetryAfterDefaultsToFullWindow(t *testing.T) {
	store := newMemCounterStore()
	limiter := newTestLimiter(t, store, Policy{Attempts: 1, Window: 30 * time.Second})
	ctx := context.Background()

	key := "rate_limit:user:u4:op"
	store.counts[key] = 1 // counter present, start timestamp lost

	d, err := limiter.Admit(ctx, key, "op")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestAdmitStoreErrorFailsClosed(t *testing.T) {
	store := newMemCounterStore()
	store.err = errors.New("connection refused")
	limiter := newTestLimiter(t, store, Policy{Attempts: 5, Window: time.Minute})

	d, err := limiter.Admit(context.Background(), "rate_limit:user:u5:op", "op")
	require.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestPolicyResolverFallsBackToDefault(t *testing.T) {
	def := Policy{Attempts: 60, Window: time.Minute}
	resolver, err := NewPolicyResolver(def, &config.RateLimitPolicyFile{
		Operations: map[string]config.RateLimitPolicySpec{
			"uploads.store": {Attempts: 10, WindowSeconds: 300},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, Policy{Attempts: 10, Window: 5 * time.Minute}, resolver.Resolve("uploads.store"))
	assert.Equal(t, def, resolver.Resolve("unknown.operation"))
	assert.Equal(t, def, resolver.Default())
}

func TestNewPolicyResolverRejectsBadDefault(t *testing.T) {
	_, err := NewPolicyResolver(Policy{Attempts: 0, Window: time.Minute}, nil)
	assert.Error(t, err)

	_, err = NewPolicyResolver(Policy{Attempts: 1, Window: 0}, nil)
	assert.Error(t, err)
}
