package usecase

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	"github.com/arklim/webapp-admission/internal/infra/logger"
	store "github.com/arklim/webapp-admission/internal/infra/redis"
)

const tracerName = "github.com/arklim/webapp-admission/internal/usecase"

// RateLimiter is the subset of SlidingWindowLimiter the gate relies on.
type RateLimiter interface {
	Policy(scope string) (domain.RateLimitPolicy, error)
	Check(ctx context.Context, scope, identity string, nowMicros int64) (domain.AdmissionDecision, error)
}

// RevocationChecker answers whether a credential has been revoked.
type RevocationChecker interface {
	IsCredentialRevoked(ctx context.Context, credential domain.Credential) (bool, error)
}

// AdmissionGateOptions configures the gate.
type AdmissionGateOptions struct {
	Enabled           bool
	DegradationPolicy domain.DegradationPolicy
	// WarnInterval spaces out degraded-store warnings; bursts of WarnBurst pass through.
	WarnInterval time.Duration
	WarnBurst    int
}

// AdmissionGate combines revocation and rate-limit checks into a single decision per request.
type AdmissionGate struct {
	limiter     RateLimiter
	revocations RevocationChecker
	enabled     bool
	degradation domain.DegradationPolicy
	metrics     port.AdmissionMetrics
	logger      *zap.Logger
	warnings    *rate.Limiter
	tracer      trace.Tracer
	now         func() time.Time
}

// NewAdmissionGate constructs the gate. revocations may be nil when no credential checks are wanted.
func NewAdmissionGate(limiter RateLimiter, revocations RevocationChecker, opts AdmissionGateOptions) *AdmissionGate {
	interval := opts.WarnInterval
	if interval <= 0 {
		interval = time.Second
	}
	burst := opts.WarnBurst
	if burst <= 0 {
		burst = 5
	}

	return &AdmissionGate{
		limiter:     limiter,
		revocations: revocations,
		enabled:     opts.Enabled,
		degradation: opts.DegradationPolicy,
		logger:      zap.NewNop(),
		warnings:    rate.NewLimiter(rate.Every(interval), burst),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
}

// WithLogger attaches a structured logger to the gate.
func (g *AdmissionGate) WithLogger(logger *zap.Logger) *AdmissionGate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// WithMetrics wires telemetry observers for admission decisions.
func (g *AdmissionGate) WithMetrics(metrics port.AdmissionMetrics) *AdmissionGate {
	g.metrics = metrics
	return g
}

// WithNow overrides the clock, primarily for deterministic testing.
func (g *AdmissionGate) WithNow(now func() time.Time) *AdmissionGate {
	if now != nil {
		g.now = now
	}
	return g
}

// Admit decides whether the request may proceed. Store failures never surface
// as errors; the only errors are an unknown scope or a missing identity.
func (g *AdmissionGate) Admit(ctx context.Context, req domain.AdmissionRequest) (domain.AdmissionDecision, error) {
	ctx, span := g.tracer.Start(ctx, "admission.Admit", trace.WithAttributes(attribute.String("admission.scope", req.Scope)))
	defer span.End()

	decision, err := g.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AdmissionDecision{}, err
	}

	span.SetAttributes(
		attribute.Bool("admission.allowed", decision.Allowed),
		attribute.String("admission.reason", string(decision.Reason)),
	)
	if g.metrics != nil {
		g.metrics.ObserveDecision(decision)
	}
	return decision, nil
}

func (g *AdmissionGate) admit(ctx context.Context, req domain.AdmissionRequest) (domain.AdmissionDecision, error) {
	if !g.enabled {
		return domain.AdmissionDecision{Scope: req.Scope, Allowed: true, Reason: domain.DecisionReasonDisabled}, nil
	}

	policy, err := g.limiter.Policy(req.Scope)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	if req.Credential != nil && g.revocations != nil {
		if decision, stop := g.checkRevocation(ctx, policy, *req.Credential); stop {
			return decision, nil
		}
	}

	started := g.now()
	decision, err := g.limiter.Check(ctx, policy.Scope, req.Identity, started.UnixMicro())
	g.observeLatency("rate_limit", started)
	if err == nil {
		return decision, nil
	}
	if errors.Is(err, domain.ErrConfiguration) || errors.Is(err, ErrIdentityRequired) {
		return domain.AdmissionDecision{}, err
	}

	g.storeFailure(ctx, "rate_limit", err,
		zap.String("scope", policy.Scope),
		zap.String("identity", logger.MaskIdentity(req.Identity)),
	)
	return domain.AdmissionDecision{
		Scope:     policy.Scope,
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: policy.Limit,
		ResetAt:   domain.MicrosToTime(started.UnixMicro() + policy.WindowMicros()),
		Reason:    domain.DecisionReasonStoreUnavailable,
	}, nil
}

// checkRevocation returns a final decision and true when the request must stop here.
func (g *AdmissionGate) checkRevocation(ctx context.Context, policy domain.RateLimitPolicy, credential domain.Credential) (domain.AdmissionDecision, bool) {
	started := g.now()
	revoked, err := g.revocations.IsCredentialRevoked(ctx, credential)
	g.observeLatency("revocation", started)

	if err != nil {
		g.storeFailure(ctx, "revocation", err,
			zap.String("scope", policy.Scope),
			zap.String("degradation_policy", string(g.degradation.Mode())),
		)
		if g.degradation.AllowsFallback(domain.DegradationReasonRevocationStoreUnavailable) {
			return domain.AdmissionDecision{}, false
		}
		return domain.AdmissionDecision{Scope: policy.Scope, Allowed: false, Reason: domain.DecisionReasonRevocationUnverified}, true
	}

	if revoked {
		return domain.AdmissionDecision{Scope: policy.Scope, Allowed: false, Reason: domain.DecisionReasonRevoked}, true
	}
	return domain.AdmissionDecision{}, false
}

func (g *AdmissionGate) storeFailure(ctx context.Context, operation string, err error, fields ...zap.Field) {
	if g.metrics != nil {
		g.metrics.IncStoreError(operation)
	}
	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attribute.String("admission.operation", operation)))

	fields = append(fields,
		zap.String("operation", operation),
		zap.Bool("timeout", store.IsTimeout(err)),
		zap.Error(err),
	)
	if g.warnings.Allow() {
		g.logger.Warn("admission store unavailable, applying degradation policy", fields...)
		return
	}
	g.logger.Debug("admission store unavailable, applying degradation policy", fields...)
}

func (g *AdmissionGate) observeLatency(operation string, started time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveStoreLatency(operation, g.now().Sub(started))
	}
}
