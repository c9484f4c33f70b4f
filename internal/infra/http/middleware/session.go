package middleware

import (
	"net/http"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

// SessionIntegrity validates the request against the principal's tracked
// session. Must run after Authenticate. Invalid sessions get a generic
// 401; the invalidation reason is only ever logged server-side.
func SessionIntegrity(guard *app.SessionGuard, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || principal.SessionID == "" {
				apierror.Unauthenticated("").WriteJSON(w)
				return
			}

			valid, _, err := guard.Validate(
				r.Context(),
				principal.ID,
				principal.SessionID,
				GetClientIP(r),
				r.UserAgent(),
			)
			if err != nil {
				log.Error("session validation failed",
					"user_id", principal.ID,
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.InternalError(err).WriteJSON(w)
				return
			}
			if !valid {
				apierror.Unauthenticated("Session is no longer valid").WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
