package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
)

// ErrIdentityRequired indicates the caller identity for a rate-limit key is missing.
var ErrIdentityRequired = errors.New("rate limit identity is required")

// LimiterOptions configures optional behaviours for the limiter.
type LimiterOptions struct {
	KeyPrefix string
	// UseStoreClock makes the store's own clock drive window arithmetic so callers with skewed clocks agree.
	UseStoreClock bool
}

// SlidingWindowLimiter decides allow/deny for a scope and identity using a sliding-window log.
type SlidingWindowLimiter struct {
	registry      *PolicyRegistry
	store         port.SlidingWindowStore
	keyPrefix     string
	useStoreClock bool
	now           func() time.Time
}

// NewSlidingWindowLimiter constructs the limiter over a policy registry and a sliding-window store.
func NewSlidingWindowLimiter(registry *PolicyRegistry, store port.SlidingWindowStore, opts LimiterOptions) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		registry:      registry,
		store:         store,
		keyPrefix:     opts.KeyPrefix,
		useStoreClock: opts.UseStoreClock,
		now:           time.Now,
	}
}

// WithNow overrides the clock, primarily for deterministic testing.
func (l *SlidingWindowLimiter) WithNow(now func() time.Time) *SlidingWindowLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Policy resolves the policy governing scope.
func (l *SlidingWindowLimiter) Policy(scope string) (domain.RateLimitPolicy, error) {
	return l.registry.Resolve(scope)
}

// Check records one attempt for identity under scope and returns the decision.
// A non-positive nowMicros uses the limiter clock. Store failures are returned
// wrapped in domain.ErrStoreUnavailable; deciding what to do with them is the caller's job.
func (l *SlidingWindowLimiter) Check(ctx context.Context, scope, identity string, nowMicros int64) (domain.AdmissionDecision, error) {
	policy, key, err := l.resolve(scope, identity)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	state, err := l.store.Record(ctx, key, policy.Limit, policy.Window, l.reference(nowMicros))
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	reason := domain.DecisionReasonAllowed
	if !state.Allowed {
		reason = domain.DecisionReasonRateLimited
	}
	return decisionFromState(policy, state, state.Allowed, reason), nil
}

// Peek reports the quota for identity under scope without consuming any of it.
func (l *SlidingWindowLimiter) Peek(ctx context.Context, scope, identity string, nowMicros int64) (domain.AdmissionDecision, error) {
	policy, key, err := l.resolve(scope, identity)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	state, err := l.store.Peek(ctx, key, policy.Window, l.reference(nowMicros))
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	allowed := state.Count < policy.Limit
	reason := domain.DecisionReasonAllowed
	if !allowed {
		reason = domain.DecisionReasonRateLimited
	}
	return decisionFromState(policy, state, allowed, reason), nil
}

// Reset clears every recorded attempt for identity under scope.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, scope, identity string) error {
	_, key, err := l.resolve(scope, identity)
	if err != nil {
		return err
	}
	return l.store.Reset(ctx, key)
}

func (l *SlidingWindowLimiter) resolve(scope, identity string) (domain.RateLimitPolicy, string, error) {
	policy, err := l.registry.Resolve(scope)
	if err != nil {
		return domain.RateLimitPolicy{}, "", err
	}
	if strings.TrimSpace(identity) == "" {
		return domain.RateLimitPolicy{}, "", ErrIdentityRequired
	}
	return policy, domain.RateLimitKey(l.keyPrefix, policy.Scope, identity), nil
}

func (l *SlidingWindowLimiter) reference(nowMicros int64) int64 {
	if l.useStoreClock {
		return 0
	}
	if nowMicros <= 0 {
		return l.now().UnixMicro()
	}
	return nowMicros
}

// decisionFromState derives remaining quota and reset time. The reset time
// follows the oldest counted entry, so it is never later than reference+window.
func decisionFromState(policy domain.RateLimitPolicy, state domain.WindowState, allowed bool, reason domain.DecisionReason) domain.AdmissionDecision {
	remaining := policy.Limit - state.Count
	if remaining < 0 {
		remaining = 0
	}

	resetMicros := state.Reference + policy.WindowMicros()
	if state.OldestAt > 0 {
		resetMicros = state.OldestAt + policy.WindowMicros()
	}

	return domain.AdmissionDecision{
		Scope:     policy.Scope,
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetAt:   domain.MicrosToTime(resetMicros),
		Reason:    reason,
	}
}
