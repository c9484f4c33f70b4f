package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/infra/http/middleware"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

// SessionHandler exposes session enumeration and termination.
type SessionHandler struct {
	guard    *app.SessionGuard
	detector *app.SuspiciousDetector
	logger   *logger.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(guard *app.SessionGuard, detector *app.SuspiciousDetector, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		guard:    guard,
		detector: detector,
		logger:   log.With("handler", "sessions"),
	}
}

type sessionResponse struct {
	app.SessionRecord
	Current bool `json:"current"`
}

// List returns the caller's active sessions, most recent first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	recs, err := h.guard.ActiveSessions(r.Context(), principal.ID)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", principal.ID, "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	sessions := make([]sessionResponse, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, sessionResponse{
			SessionRecord: rec,
			Current:       rec.SessionID == principal.SessionID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Terminate removes one of the caller's sessions.
func (h *SessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	removed, err := h.guard.TerminateSession(r.Context(), principal.ID, sessionID)
	if err != nil {
		h.logger.Error("failed to terminate session", "user_id", principal.ID, "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}
	if !removed {
		apierror.ResourceNotFound("Session").WriteJSON(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"terminated": true})
}

// TerminateOthers removes every session except the caller's current one.
func (h *SessionHandler) TerminateOthers(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	count, err := h.guard.TerminateOtherSessions(r.Context(), principal.ID, principal.SessionID)
	if err != nil {
		h.logger.Error("failed to terminate other sessions", "user_id", principal.ID, "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"terminated_count": count})
}

// Suspicious returns current anomaly findings for the caller's sessions.
func (h *SessionHandler) Suspicious(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	findings, err := h.detector.Check(r.Context(), principal.ID)
	if err != nil {
		h.logger.Error("suspicious activity check failed", "user_id", principal.ID, "error", err)
		apierror.InternalError(err).WriteJSON(w)
		return
	}
	if findings == nil {
		findings = []app.Finding{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}
