package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/internal/metrics"
	"github.com/bailops/api/pkg/logger"
)

// Policy is a resolved (attempts, window) budget. Immutable once resolved
// for a request.
type Policy struct {
	Attempts int
	Window   time.Duration
}

// PolicyResolver maps a logical operation identifier to its budget.
// Unknown operations receive the default policy so a missing table entry
// never breaks a route.
type PolicyResolver struct {
	defaultPolicy Policy
	overrides     map[string]Policy
}

// NewPolicyResolver builds a resolver from the configured default and the
// per-operation override table.
func NewPolicyResolver(def Policy, file *config.RateLimitPolicyFile) (*PolicyResolver, error) {
	if def.Attempts <= 0 {
		return nil, errors.New("default attempts must be positive")
	}
	if def.Window <= 0 {
		return nil, errors.New("default window must be positive")
	}

	overrides := make(map[string]Policy)
	if file != nil {
		for op, spec := range file.Operations {
			overrides[op] = Policy{
				Attempts: spec.Attempts,
				Window:   time.Duration(spec.WindowSeconds) * time.Second,
			}
		}
	}

	return &PolicyResolver{defaultPolicy: def, overrides: overrides}, nil
}

// Resolve returns the policy for an operation. Pure lookup, no mutation.
func (r *PolicyResolver) Resolve(operation string) Policy {
	if p, ok := r.overrides[operation]; ok {
		return p
	}
	return r.defaultPolicy
}

// Default returns the fallback policy.
func (r *PolicyResolver) Default() Policy {
	return r.defaultPolicy
}

// WindowState is the counter state read from the store for one key.
type WindowState struct {
	// Count is the number of attempts recorded in the current window,
	// zero when the key is absent or expired.
	Count int64

	// WindowStart is when the current window opened; zero when unknown.
	WindowStart time.Time
}

// CounterStore is the shared attempt-counter backend. Implementations must
// guarantee single-key atomicity for Increment; the read in Peek followed
// by Increment is deliberately not transactional (see RateLimiter.Admit).
type CounterStore interface {
	// Peek reads the current window state without consuming an attempt.
	Peek(ctx context.Context, key string) (WindowState, error)

	// Increment records one attempt and (re)arms the TTL; the first
	// increment of a window also records the window-start timestamp with
	// the same TTL. Returns the count after incrementing.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Clear removes the counter and its window-start timestamp.
	Clear(ctx context.Context, key string) error
}

// Decision is the outcome of a rate-limit admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter admits or rejects requests against fixed-window budgets.
//
// The admit sequence is read-then-increment: two concurrent requests on the
// same key can both observe count = attempts-1 and both pass. That race is
// an accepted trade-off for not taking a cross-request lock; the store's
// single-key atomicity bounds the overshoot to the number of in-flight
// racers. Rejected requests do not consume an attempt.
type RateLimiter struct {
	store    CounterStore
	policies *PolicyResolver
	logger   *logger.Logger
}

// NewRateLimiter creates a rate limiter service.
func NewRateLimiter(store CounterStore, policies *PolicyResolver, log *logger.Logger) (*RateLimiter, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if policies == nil {
		return nil, errors.New("policy resolver is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &RateLimiter{
		store:    store,
		policies: policies,
		logger:   log.With("service", "ratelimit"),
	}, nil
}

// Policies returns the resolver, used by the dynamic middleware variant.
func (l *RateLimiter) Policies() *PolicyResolver {
	return l.policies
}

// Admit checks the budget for an operation under the given fingerprint key.
// Store errors are returned to the caller and must be treated as a denial
// (fail-closed): masking a backend outage as unlimited traffic would hide
// the outage behind apparent abuse.
func (l *RateLimiter) Admit(ctx context.Context, key, operation string) (Decision, error) {
	policy := l.policies.Resolve(operation)
	return l.AdmitWithPolicy(ctx, key, operation, policy)
}

// AdmitWithPolicy is Admit with an explicit budget, used by the static
// middleware variant whose policy does not come from the table.
func (l *RateLimiter) AdmitWithPolicy(ctx context.Context, key, operation string, policy Policy) (Decision, error) {
	now := time.Now()

	state, err := l.store.Peek(ctx, key)
	if err != nil {
		metrics.RateLimitStoreErrorsTotal.Inc()
		return Decision{}, fmt.Errorf("rate limit peek: %w", err)
	}

	if state.Count >= int64(policy.Attempts) {
		retryAfter := policy.Window
		if !state.WindowStart.IsZero() {
			elapsed := now.Sub(state.WindowStart)
			if retryAfter = policy.Window - elapsed; retryAfter < 0 {
				retryAfter = 0
			}
		}

		metrics.RateLimitDecisionsTotal.WithLabelValues(operation, "rejected").Inc()
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"operation", operation,
			"limit", policy.Attempts,
			"retry_after", retryAfter,
		)

		return Decision{
			Allowed:    false,
			Limit:      policy.Attempts,
			Remaining:  0,
			ResetAt:    now.Add(retryAfter),
			RetryAfter: retryAfter,
		}, nil
	}

	count, err := l.store.Increment(ctx, key, policy.Window)
	if err != nil {
		metrics.RateLimitStoreErrorsTotal.Inc()
		return Decision{}, fmt.Errorf("rate limit increment: %w", err)
	}

	remaining := policy.Attempts - int(count)
	if remaining < 0 {
		remaining = 0
	}

	metrics.RateLimitDecisionsTotal.WithLabelValues(operation, "allowed").Inc()

	return Decision{
		Allowed:   true,
		Limit:     policy.Attempts,
		Remaining: remaining,
		ResetAt:   now.Add(policy.Window),
	}, nil
}

// Clear resets the budget for a fingerprint key. Administrative operation.
func (l *RateLimiter) Clear(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	if err := l.store.Clear(ctx, key); err != nil {
		return fmt.Errorf("rate limit clear: %w", err)
	}

	l.logger.Info("rate limit cleared", "key", key)
	return nil
}
