package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/config"
	store "github.com/arklim/webapp-admission/internal/infra/redis"
	redisrepo "github.com/arklim/webapp-admission/internal/repository/redis"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*store.Client, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := red.NewClient(&red.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	return store.Wrap(client, config.RedisSettings{OperationTimeout: time.Second}, nil), server
}

func newTestLimiter(t *testing.T, opts LimiterOptions, policies ...domain.RateLimitPolicy) (*SlidingWindowLimiter, *miniredis.Miniredis) {
	t.Helper()

	registry, err := NewPolicyRegistry(policies...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	client, server := newTestStore(t)
	return NewSlidingWindowLimiter(registry, redisrepo.NewSlidingWindowRepository(client), opts), server
}

func authPolicy() domain.RateLimitPolicy {
	return domain.RateLimitPolicy{Scope: "auth", Limit: 10, Window: time.Minute, IdentitySource: domain.IdentitySourceIP}
}

func micros(d time.Duration) int64 {
	return testEpoch.Add(d).UnixMicro()
}

func TestLimiterTenRequestsThenDenied(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{KeyPrefix: "ratelimit"}, authPolicy())
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		at := time.Duration(i) * 500 * time.Millisecond
		decision, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(at))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !decision.Allowed || decision.Reason != domain.DecisionReasonAllowed {
			t.Fatalf("request %d: expected allowed, got %+v", i, decision)
		}
		if decision.Remaining != 10-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 10-i, decision.Remaining)
		}
		if decision.Limit != 10 {
			t.Fatalf("request %d: expected limit 10, got %d", i, decision.Limit)
		}
	}

	now := micros(30 * time.Second)
	decision, err := limiter.Check(ctx, "auth", "1.2.3.4", now)
	if err != nil {
		t.Fatalf("request 11: %v", err)
	}
	if decision.Allowed || decision.Reason != domain.DecisionReasonRateLimited || decision.Remaining != 0 {
		t.Fatalf("request 11: expected denial, got %+v", decision)
	}

	// The oldest counted request was at +500ms, so the window frees up one minute later.
	if want := testEpoch.Add(500*time.Millisecond + time.Minute); !decision.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %v, got %v", want, decision.ResetAt)
	}
}

func TestLimiterWindowExpiryRestoresQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{}, authPolicy())
	ctx := context.Background()

	if _, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(0)); err != nil {
		t.Fatalf("first request: %v", err)
	}

	decision, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(time.Minute+time.Microsecond))
	if err != nil {
		t.Fatalf("request after window: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 9 {
		t.Fatalf("expected fresh window with remaining 9, got %+v", decision)
	}
}

func TestLimiterWindowExpiryWithStoreTTL(t *testing.T) {
	limiter, server := newTestLimiter(t, LimiterOptions{}, authPolicy())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(0)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	server.FastForward(time.Minute + time.Second)
	if server.Exists("auth:1.2.3.4") {
		t.Fatalf("expected idle key to expire")
	}

	decision, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(time.Minute+time.Second))
	if err != nil {
		t.Fatalf("request after ttl: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 9 {
		t.Fatalf("expected remaining 9, got %+v", decision)
	}
}

func TestLimiterDenialsDoNotConsumeQuota(t *testing.T) {
	policy := domain.RateLimitPolicy{Scope: "api", Limit: 2, Window: 10 * time.Second, IdentitySource: domain.IdentitySourceIP}
	limiter, _ := newTestLimiter(t, LimiterOptions{}, policy)
	ctx := context.Background()

	for _, at := range []time.Duration{0, time.Second} {
		if d, err := limiter.Check(ctx, "api", "ip", micros(at)); err != nil || !d.Allowed {
			t.Fatalf("expected admission at %v, got %+v (%v)", at, d, err)
		}
	}
	for i := 0; i < 5; i++ {
		d, err := limiter.Check(ctx, "api", "ip", micros(2*time.Second+time.Duration(i)*time.Second))
		if err != nil || d.Allowed {
			t.Fatalf("expected denial %d, got %+v (%v)", i, d, err)
		}
	}

	// The first entry has left the window; the second still counts. Denials left nothing behind.
	d, err := limiter.Check(ctx, "api", "ip", micros(10*time.Second+time.Microsecond))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected admission with remaining 0, got %+v", d)
	}
}

func TestLimiterResetAtBounds(t *testing.T) {
	policy := domain.RateLimitPolicy{Scope: "api", Limit: 3, Window: 20 * time.Second, IdentitySource: domain.IdentitySourceIP}
	limiter, _ := newTestLimiter(t, LimiterOptions{}, policy)
	ctx := context.Background()

	for step := 0; step < 60; step++ {
		at := time.Duration(step) * 700 * time.Millisecond
		now := testEpoch.Add(at)
		d, err := limiter.Check(ctx, "api", "ip", now.UnixMicro())
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if d.Remaining < 0 || d.Remaining > policy.Limit {
			t.Fatalf("step %d: remaining out of range: %+v", step, d)
		}
		if d.ResetAt.Before(now) || d.ResetAt.After(now.Add(policy.Window)) {
			t.Fatalf("step %d: reset %v outside [%v, %v]", step, d.ResetAt, now, now.Add(policy.Window))
		}
	}
}

func TestLimiterConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{}, authPolicy())

	const workers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	now := micros(0)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(context.Background(), "auth", "1.2.3.4", now)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{},
		domain.RateLimitPolicy{Scope: "auth", Limit: 1, Window: time.Minute, IdentitySource: domain.IdentitySourceIP},
		domain.RateLimitPolicy{Scope: "api", Limit: 1, Window: time.Minute, IdentitySource: domain.IdentitySourceIP},
	)
	ctx := context.Background()
	now := micros(0)

	for _, tc := range []struct{ scope, identity string }{
		{"auth", "1.1.1.1"},
		{"auth", "2.2.2.2"},
		{"api", "1.1.1.1"},
	} {
		d, err := limiter.Check(ctx, tc.scope, tc.identity, now)
		if err != nil || !d.Allowed {
			t.Fatalf("expected %s/%s admitted, got %+v (%v)", tc.scope, tc.identity, d, err)
		}
	}

	d, err := limiter.Check(ctx, "auth", "1.1.1.1", now)
	if err != nil || d.Allowed {
		t.Fatalf("expected second auth/1.1.1.1 denied, got %+v (%v)", d, err)
	}
}

func TestLimiterConfigurationErrors(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{}, authPolicy())

	_, err := limiter.Check(context.Background(), "unknown", "1.2.3.4", micros(0))
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	if _, err := limiter.Check(context.Background(), "auth", " ", micros(0)); !errors.Is(err, ErrIdentityRequired) {
		t.Fatalf("expected ErrIdentityRequired, got %v", err)
	}
}

func TestLimiterPeekAndReset(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{KeyPrefix: "ratelimit"}, authPolicy())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := limiter.Check(ctx, "auth", "1.2.3.4", micros(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		d, err := limiter.Peek(ctx, "auth", "1.2.3.4", micros(5*time.Second))
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if !d.Allowed || d.Remaining != 6 {
			t.Fatalf("peek %d: expected remaining 6, got %+v", i, d)
		}
		if want := testEpoch.Add(time.Minute); !d.ResetAt.Equal(want) {
			t.Fatalf("peek %d: expected reset %v, got %v", i, want, d.ResetAt)
		}
	}

	if err := limiter.Reset(ctx, "auth", "1.2.3.4"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	d, err := limiter.Peek(ctx, "auth", "1.2.3.4", micros(5*time.Second))
	if err != nil {
		t.Fatalf("peek after reset: %v", err)
	}
	if d.Remaining != 10 {
		t.Fatalf("expected full quota after reset, got %+v", d)
	}
}

func TestLimiterUsesStoreClock(t *testing.T) {
	limiter, server := newTestLimiter(t, LimiterOptions{UseStoreClock: true}, authPolicy())
	server.SetTime(testEpoch)

	// A wildly skewed caller clock is ignored.
	d, err := limiter.Check(context.Background(), "auth", "1.2.3.4", micros(-time.Hour))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want := testEpoch.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Fatalf("expected reset from store clock %v, got %v", want, d.ResetAt)
	}
}

func TestLimiterDefaultsToInjectedClock(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimiterOptions{}, authPolicy())
	limiter.WithNow(func() time.Time { return testEpoch })

	d, err := limiter.Check(context.Background(), "auth", "1.2.3.4", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want := testEpoch.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Fatalf("expected reset %v, got %v", want, d.ResetAt)
	}
}

func TestLimiterSurfacesStoreErrors(t *testing.T) {
	limiter, server := newTestLimiter(t, LimiterOptions{}, authPolicy())
	server.Close()

	_, err := limiter.Check(context.Background(), "auth", "1.2.3.4", micros(0))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
