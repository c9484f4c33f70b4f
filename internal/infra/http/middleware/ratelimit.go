package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/pkg/apierror"
	"github.com/bailops/api/pkg/logger"
)

// InProcessRateLimiter is the per-IP token-bucket fallback used when the
// distributed limiter is disabled. It only protects a single instance.
type InProcessRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	log      *logger.Logger
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInProcessRateLimiter creates the fallback limiter.
func NewInProcessRateLimiter(cfg *config.RateLimitConfig, log *logger.Logger) *InProcessRateLimiter {
	rl := &InProcessRateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(cfg.RequestsPerSec),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		log:      log,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go rl.cleanupVisitors()

	return rl
}

// Stop stops the cleanup goroutine and waits for it to exit. Safe to call
// multiple times.
func (rl *InProcessRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
	})
	<-rl.stopped
}

func (rl *InProcessRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *InProcessRateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	defer close(rl.stopped)

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware returns the in-process rate limiting middleware.
func (rl *InProcessRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			limiter := rl.getVisitor(ip)

			tokens := limiter.Tokens()
			remaining := int(math.Max(0, math.Floor(tokens)-1))

			tokensToRefill := float64(rl.burst) - tokens
			resetTime := time.Now()
			if tokensToRefill > 0 && rl.rate > 0 {
				secondsToRefill := tokensToRefill / float64(rl.rate)
				resetTime = resetTime.Add(time.Duration(secondsToRefill * float64(time.Second)))
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !limiter.Allow() {
				rl.log.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)

				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				apierror.RateLimitExceeded(1).WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// fingerprintFor keys the budget by user when authenticated, by IP
// otherwise.
func fingerprintFor(r *http.Request, operation string) string {
	principalID := ""
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		principalID = principal.ID
	}
	return app.Fingerprint(principalID, GetClientIP(r), operation)
}

func writeDecisionHeaders(w http.ResponseWriter, d app.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// RateLimit enforces a fixed budget for one operation via the shared
// counter store. Store errors deny the request (fail-closed): an outage
// must never read as unlimited traffic.
func RateLimit(limiter *app.RateLimiter, operation string, policy app.Policy, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fingerprintFor(r, operation)

			decision, err := limiter.AdmitWithPolicy(r.Context(), key, operation, policy)
			if err != nil {
				log.Error("rate limit check failed",
					"operation", operation,
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.InternalError(err).WriteJSON(w)
				return
			}

			writeDecisionHeaders(w, decision)

			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				apierror.RateLimitExceeded(retryAfter).WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DynamicRateLimit is RateLimit with the budget resolved from the
// per-operation policy table, and an extra X-RateLimit-Window header so
// clients can see the budget that applied.
func DynamicRateLimit(limiter *app.RateLimiter, operation string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := limiter.Policies().Resolve(operation)
			key := fingerprintFor(r, operation)

			decision, err := limiter.AdmitWithPolicy(r.Context(), key, operation, policy)
			if err != nil {
				log.Error("rate limit check failed",
					"operation", operation,
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.InternalError(err).WriteJSON(w)
				return
			}

			writeDecisionHeaders(w, decision)
			w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(policy.Window.Seconds())))

			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				apierror.RateLimitExceeded(retryAfter).WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
