package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bailops/api/internal/metrics"
	"github.com/bailops/api/pkg/logger"
)

// ErrSessionNotFound is returned when a session is absent from the index.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is the metadata tracked for one live session. Records live
// in a per-user index keyed by session id so concurrent sessions can be
// enumerated and terminated individually.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionStore is the per-user session index backend.
type SessionStore interface {
	// Put stores or replaces a record in the user's index.
	Put(ctx context.Context, userID string, rec SessionRecord, ttl time.Duration) error

	// Get reads one record; ErrSessionNotFound when absent.
	Get(ctx context.Context, userID, sessionID string) (SessionRecord, error)

	// Touch updates a record's last_activity and re-arms the index TTL.
	Touch(ctx context.Context, userID, sessionID string, at time.Time, ttl time.Duration) error

	// Delete removes one record. Reports whether an entry existed.
	Delete(ctx context.Context, userID, sessionID string) (bool, error)

	// All returns every record in the user's index, unordered.
	All(ctx context.Context, userID string) ([]SessionRecord, error)

	// Users returns the user ids that currently have an index, for the
	// cleanup sweep.
	Users(ctx context.Context) ([]string, error)
}

// Invalidation reasons recorded on forced logout.
const (
	ReasonUserAgentMismatch = "user_agent_mismatch"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonTerminated        = "terminated"
)

// SessionGuard binds sessions to an IP + User-Agent fingerprint and an
// inactivity deadline, and maintains the per-user index.
type SessionGuard struct {
	store         SessionStore
	audit         *AuditService
	maxInactivity time.Duration
	lifetime      time.Duration
	logger        *logger.Logger
}

// NewSessionGuard creates a session guard.
func NewSessionGuard(store SessionStore, audit *AuditService, maxInactivity, lifetime time.Duration, log *logger.Logger) (*SessionGuard, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if maxInactivity <= 0 {
		return nil, errors.New("max inactivity must be positive")
	}
	if lifetime < maxInactivity {
		return nil, errors.New("lifetime must not be shorter than max inactivity")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &SessionGuard{
		store:         store,
		audit:         audit,
		maxInactivity: maxInactivity,
		lifetime:      lifetime,
		logger:        log.With("service", "session_guard"),
	}, nil
}

// TrackLogin records a fresh session: untracked -> active.
func (g *SessionGuard) TrackLogin(ctx context.Context, userID, sessionID, ip, userAgent string) error {
	if userID == "" || sessionID == "" {
		return errors.New("user id and session id are required")
	}

	now := time.Now()
	rec := SessionRecord{
		SessionID:    sessionID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		LoginTime:    now,
		LastActivity: now,
	}

	if err := g.store.Put(ctx, userID, rec, g.lifetime); err != nil {
		return fmt.Errorf("track login: %w", err)
	}

	g.logger.Info("session tracked", "user_id", userID, "ip", ip)
	return nil
}

// Validate checks the current request against the session's stored
// fingerprint. A User-Agent change invalidates immediately: IPs move
// between cell towers, browsers do not change mid-session. Inactivity past
// the deadline invalidates. A valid request refreshes last_activity.
//
// The returned reason is non-empty only when valid is false because of an
// integrity violation; callers must then clear local auth state. Store
// errors are returned separately and fail closed.
func (g *SessionGuard) Validate(ctx context.Context, userID, sessionID, ip, userAgent string) (valid bool, reason string, err error) {
	if userID == "" || sessionID == "" {
		return false, "", nil
	}

	rec, err := g.store.Get(ctx, userID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// Never tracked or already terminated elsewhere.
		metrics.SessionValidationsTotal.WithLabelValues("unknown").Inc()
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("session lookup: %w", err)
	}

	now := time.Now()

	if rec.UserAgent != userAgent {
		g.invalidate(ctx, userID, sessionID, ReasonUserAgentMismatch, ip, userAgent)
		return false, ReasonUserAgentMismatch, nil
	}

	if now.Sub(rec.LastActivity) > g.maxInactivity {
		g.invalidate(ctx, userID, sessionID, ReasonInactivityTimeout, ip, userAgent)
		return false, ReasonInactivityTimeout, nil
	}

	if err := g.store.Touch(ctx, userID, sessionID, now, g.lifetime); err != nil {
		return false, "", fmt.Errorf("session touch: %w", err)
	}

	metrics.SessionValidationsTotal.WithLabelValues("valid").Inc()
	return true, "", nil
}

// invalidate removes the index entry and records the security event. The
// client only ever sees a generic re-authentication prompt; the reason
// stays server-side.
func (g *SessionGuard) invalidate(ctx context.Context, userID, sessionID, reason, ip, userAgent string) {
	if _, err := g.store.Delete(ctx, userID, sessionID); err != nil {
		g.logger.Error("failed to remove invalidated session", "user_id", userID, "error", err)
	}

	metrics.SessionValidationsTotal.WithLabelValues("invalidated").Inc()
	metrics.SessionInvalidationsTotal.WithLabelValues(reason).Inc()

	g.logger.Warn("session invalidated",
		"user_id", userID,
		"reason", reason,
		"ip", ip,
	)

	if g.audit != nil {
		g.audit.Record(ctx, Event{
			Category: EventCategorySession,
			Severity: SeverityWarning,
			Message:  "session invalidated",
			UserID:   userID,
			Metadata: map[string]string{
				"reason":     reason,
				"ip":         ip,
				"user_agent": userAgent,
			},
		})
	}
}

// ActiveSessions returns the user's live sessions, most recent activity
// first.
func (g *SessionGuard) ActiveSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	recs, err := g.store.All(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastActivity.After(recs[j].LastActivity)
	})

	return recs, nil
}

// TerminateSession removes one session from the index. Returns whether an
// entry existed. Terminating the caller's own session is allowed; the
// middleware notices the missing index entry on the next request and
// clears auth state.
func (g *SessionGuard) TerminateSession(ctx context.Context, userID, sessionID string) (bool, error) {
	removed, err := g.store.Delete(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("terminate session: %w", err)
	}

	if removed {
		metrics.SessionInvalidationsTotal.WithLabelValues(ReasonTerminated).Inc()
		g.logger.Info("session terminated", "user_id", userID)

		if g.audit != nil {
			g.audit.Record(ctx, Event{
				Category: EventCategorySession,
				Severity: SeverityInfo,
				Message:  "session terminated",
				UserID:   userID,
			})
		}
	}

	return removed, nil
}

// TerminateOtherSessions removes every session except the given one.
// Returns the number removed.
func (g *SessionGuard) TerminateOtherSessions(ctx context.Context, userID, keepSessionID string) (int, error) {
	recs, err := g.store.All(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("terminate other sessions: %w", err)
	}

	removed := 0
	for _, rec := range recs {
		if rec.SessionID == keepSessionID {
			continue
		}
		ok, err := g.store.Delete(ctx, userID, rec.SessionID)
		if err != nil {
			return removed, fmt.Errorf("terminate other sessions: %w", err)
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		g.logger.Info("other sessions terminated", "user_id", userID, "count", removed)
	}

	return removed, nil
}

// CleanupExpiredSessions sweeps every user index, removing records whose
// last activity exceeds the session lifetime. Intended for the periodic
// background job, not the request path.
func (g *SessionGuard) CleanupExpiredSessions(ctx context.Context) (int, error) {
	users, err := g.store.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}

	cutoff := time.Now().Add(-g.lifetime)
	removed := 0

	for _, userID := range users {
		recs, err := g.store.All(ctx, userID)
		if err != nil {
			return removed, fmt.Errorf("cleanup sessions for %s: %w", userID, err)
		}

		for _, rec := range recs {
			if rec.LastActivity.After(cutoff) {
				continue
			}
			ok, err := g.store.Delete(ctx, userID, rec.SessionID)
			if err != nil {
				return removed, fmt.Errorf("cleanup sessions for %s: %w", userID, err)
			}
			if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		metrics.SessionsCleanedTotal.Add(float64(removed))
		g.logger.Info("expired sessions cleaned", "count", removed)
	}

	return removed, nil
}
