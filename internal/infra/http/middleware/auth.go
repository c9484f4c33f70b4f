package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

type principalContextKey struct{}

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	SessionID string `json:"sid"`
}

// Authenticator validates bearer tokens and attaches the Principal.
type Authenticator struct {
	secret []byte
	issuer string
	logger *logger.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(secret, issuer string, log *logger.Logger) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		logger: log.With("component", "auth"),
	}, nil
}

// Authenticate requires a valid bearer token. Missing or invalid tokens
// yield 401 UNAUTHENTICATED; the specific failure stays server-side.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			apierror.Unauthenticated("").WriteJSON(w)
			return
		}

		principal, err := a.parse(token)
		if err != nil {
			a.logger.Warn("token rejected",
				"error", err,
				"ip", GetClientIP(r),
				"request_id", GetRequestID(r.Context()),
			)
			apierror.Unauthenticated("").WriteJSON(w)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, principal.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parse(token string) (app.Principal, error) {
	var claims Claims

	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return app.Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return app.Principal{}, errors.New("invalid token")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return app.Principal{}, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return app.Principal{}, errors.New("token missing subject")
	}

	return app.Principal{
		ID:        claims.Subject,
		Role:      app.Role(claims.Role),
		SessionID: claims.SessionID,
	}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (app.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(app.Principal)
	return p, ok
}

// RequireRoles gates a route on an explicit role set. An empty set allows
// any authenticated principal. Unauthenticated requests get 401;
// authenticated ones outside the set get 403 INSUFFICIENT_PERMISSIONS.
func RequireRoles(allowed app.RoleSet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				apierror.Unauthenticated("").WriteJSON(w)
				return
			}
			if !principal.HasAnyRole(allowed) {
				apierror.InsufficientPermissions().WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
