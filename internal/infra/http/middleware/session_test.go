package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/logger"
)

type fakeSessionStore struct {
	mu   sync.Mutex
	recs map[string]map[string]app.SessionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{recs: make(map[string]map[string]app.SessionRecord)}
}

func (s *fakeSessionStore) Put(_ context.Context, userID string, rec app.SessionRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[userID] == nil {
		s.recs[userID] = make(map[string]app.SessionRecord)
	}
	s.recs[userID][rec.SessionID] = rec
	return nil
}

func (s *fakeSessionStore) Get(_ context.Context, userID, sessionID string) (app.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID][sessionID]
	if !ok {
		return app.SessionRecord{}, app.ErrSessionNotFound
	}
	return rec, nil
}

func (s *fakeSessionStore) Touch(_ context.Context, userID, sessionID string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID][sessionID]
	if !ok {
		return app.ErrSessionNotFound
	}
	rec.LastActivity = at
	s.recs[userID][sessionID] = rec
	return nil
}

func (s *fakeSessionStore) Delete(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[userID][sessionID]
	delete(s.recs[userID], sessionID)
	return ok, nil
}

func (s *fakeSessionStore) All(_ context.Context, userID string) ([]app.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]app.SessionRecord, 0, len(s.recs[userID]))
	for _, rec := range s.recs[userID] {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeSessionStore) Users(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.recs))
	for id := range s.recs {
		out = append(out, id)
	}
	return out, nil
}

func newSessionHandler(t *testing.T, store app.SessionStore) http.Handler {
	t.Helper()
	guard, err := app.NewSessionGuard(store, app.NewAuditService(nil, nil), 30*time.Minute, 24*time.Hour, logger.NewNop())
	require.NoError(t, err)
	return SessionIntegrity(guard, logger.NewNop())(okHandler())
}

func sessionRequest(principal app.Principal, ip, userAgent string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":4000"
	req.Header.Set("User-Agent", userAgent)
	if principal.ID != "" {
		ctx := context.WithValue(req.Context(), principalContextKey{}, principal)
		req = req.WithContext(ctx)
	}
	return req
}

func TestSessionIntegrityPassesValidSession(t *testing.T) {
	store := newFakeSessionStore()
	require.NoError(t, store.Put(context.Background(), "u1", app.SessionRecord{
		SessionID:    "s1",
		IPAddress:    "10.0.0.1",
		UserAgent:    "Chrome",
		LoginTime:    time.Now(),
		LastActivity: time.Now(),
	}, time.Hour))

	handler := newSessionHandler(t, store)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(app.Principal{ID: "u1", SessionID: "s1"}, "10.0.0.1", "Chrome"))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionIntegrityUserAgentMismatchIsGeneric401(t *testing.T) {
	store := newFakeSessionStore()
	require.NoError(t, store.Put(context.Background(), "u1", app.SessionRecord{
		SessionID:    "s1",
		IPAddress:    "10.0.0.1",
		UserAgent:    "Chrome",
		LoginTime:    time.Now(),
		LastActivity: time.Now(),
	}, time.Hour))

	handler := newSessionHandler(t, store)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(app.Principal{ID: "u1", SessionID: "s1"}, "10.0.0.1", "curl/8.0"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	envelope := errorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "UNAUTHENTICATED", envelope["code"])
	// The response must not disclose why the session was invalidated.
	assert.NotContains(t, rec.Body.String(), "user_agent")
	assert.NotContains(t, rec.Body.String(), "mismatch")
}

func TestSessionIntegrityUnknownSession(t *testing.T) {
	handler := newSessionHandler(t, newFakeSessionStore())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(app.Principal{ID: "u1", SessionID: "ghost"}, "10.0.0.1", "Chrome"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionIntegrityRequiresSessionClaim(t *testing.T) {
	handler := newSessionHandler(t, newFakeSessionStore())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(app.Principal{ID: "u1"}, "10.0.0.1", "Chrome"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(app.Principal{}, "10.0.0.1", "Chrome"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
