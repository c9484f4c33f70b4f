// Package routes assembles the chi router and the middleware pipeline.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/internal/infra/http/handler"
	"github.com/bailops/api/internal/infra/http/middleware"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

// Logical operation identifiers used as rate-limit policy keys. Stable
// names decoupled from route paths, so renaming a route never silently
// resets its budget.
const (
	OpSessionsIndex     = "sessions.index"
	OpSessionsTerminate = "sessions.terminate"
	OpSessionsSuspect   = "sessions.suspicious"
	OpUploadsStore      = "uploads.store"
)

// Dependencies carries everything the router wires together.
type Dependencies struct {
	Config        *config.Config
	Logger        *logger.Logger
	Authenticator *middleware.Authenticator
	SessionGuard  *app.SessionGuard
	RateLimiter   *app.RateLimiter

	Health   *handler.HealthHandler
	Sessions *handler.SessionHandler
	Uploads  *handler.UploadHandler

	// InProcessLimiter is the fallback when the distributed limiter is
	// disabled. Optional.
	InProcessLimiter func(http.Handler) http.Handler
}

// New builds the router with the full security pipeline.
func New(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.CleanPath)
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger, deps.Config.IsProduction()))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(&deps.Config.CORS))
	r.Use(middleware.BodyLimit(deps.Config.Server.MaxBodySize))
	r.Use(middleware.Timeout(deps.Config.Server.RequestTimeout))

	if deps.InProcessLimiter != nil {
		r.Use(deps.InProcessLimiter)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierror.EndpointNotFound().WriteJSON(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierror.EndpointNotFound().WriteJSON(w)
	})

	r.Get("/health", deps.Health.Live)
	r.Get("/ready", deps.Health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	distributed := deps.Config.RateLimit.Enabled && deps.Config.RateLimit.Distributed

	limit := func(operation string) func(http.Handler) http.Handler {
		if !distributed {
			return passthrough
		}
		return middleware.DynamicRateLimit(deps.RateLimiter, operation, deps.Logger)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", deps.Health.Live)

		api.Group(func(authed chi.Router) {
			authed.Use(deps.Authenticator.Authenticate)
			authed.Use(middleware.SessionIntegrity(deps.SessionGuard, deps.Logger))

			authed.With(limit(OpSessionsIndex)).Get("/sessions", deps.Sessions.List)
			authed.With(limit(OpSessionsSuspect)).Get("/sessions/suspicious", deps.Sessions.Suspicious)
			authed.With(limit(OpSessionsTerminate)).Delete("/sessions/{id}", deps.Sessions.Terminate)
			authed.With(limit(OpSessionsTerminate)).Delete("/sessions", deps.Sessions.TerminateOthers)

			authed.With(
				middleware.RequireRoles(app.NewRoleSet(app.RoleAdmin, app.RoleOps, app.RoleChecker)),
				limit(OpUploadsStore),
			).Post("/uploads", deps.Uploads.Create)
		})
	})

	return r
}

func passthrough(next http.Handler) http.Handler {
	return next
}
