package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/logger"
)

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

func (s *memCounterStore) Peek(_ context.Context, key string) (app.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return app.WindowState{}, s.err
	}
	return app.WindowState{Count: s.counts[key], WindowStart: s.starts[key]}, nil
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
	delete(s.counts, key)
	delete(s.starts, key)
	return nil
}

func newLimiter(t *testing.T, store app.CounterStore, def app.Policy) *app.RateLimiter {
	t.Helper()
	resolver, err := app.NewPolicyResolver(def, nil)
	require.NoError(t, err)
	limiter, err := app.NewRateLimiter(store, resolver, logger.NewNop())
	require.NoError(t, err)
	return limiter
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func errorEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Contains(t, payload, "error")
	return payload["error"]
}

func TestRateLimitAllowsUntilBudgetExhausted(t *testing.T) {
	store := newMemCounterStore()
	limiter := newLimiter(t, store, app.Policy{Attempts: 3, Window: time.Minute})
	mw := RateLimit(limiter, "missions.index", app.Policy{Attempts: 3, Window: time.Minute}, logger.NewNop())
	handler := mw(okHandler())

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/missions", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(3-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missions", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.LessOrEqual(t, retryAfter, 60)

	envelope := errorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", envelope["code"])
	assert.Contains(t, envelope, "retry_after")
}

func TestRateLimitKeysByUserWhenAuthenticated(t *testing.T) {
	store := newMemCounterStore()
	limiter := newLimiter(t, store, app.Policy{Attempts: 1, Window: time.Minute})
	mw := RateLimit(limiter, "op", app.Policy{Attempts: 1, Window: time.Minute}, logger.NewNop())
	handler := mw(okHandler())

	send := func(userID, ip string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1000"
		if userID != "" {
			ctx := context.WithValue(req.Context(), principalContextKey{}, app.Principal{ID: userID})
			req = req.WithContext(ctx)
		}
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Same user exhausts their budget across IPs.
	assert.Equal(t, http.StatusOK, send("u1", "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("u1", "192.168.0.2").Code)

	// A different user from the exhausted IP is unaffected.
	assert.Equal(t, http.StatusOK, send("u2", "10.0.0.1").Code)

	// Anonymous traffic is keyed by IP.
	assert.Equal(t, http.StatusOK, send("", "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("", "10.0.0.1").Code)
}

func TestRateLimitStoreErrorFailsClosed(t *testing.T) {
	store := newMemCounterStore()
	store.err = errors.New("redis down")
	limiter := newLimiter(t, store, app.Policy{Attempts: 10, Window: time.Minute})
	mw := RateLimit(limiter, "op", app.Policy{Attempts: 10, Window: time.Minute}, logger.NewNop())
	handler := mw(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	envelope := errorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "INTERNAL_SERVER_ERROR", envelope["code"])
}

func TestDynamicRateLimitAddsWindowHeader(t *testing.T) {
	store := newMemCounterStore()
	limiter := newLimiter(t, store, app.Policy{Attempts: 60, Window: 2 * time.Minute})
	mw := DynamicRateLimit(limiter, "sessions.index", logger.NewNop())
	handler := mw(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Window"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
}
