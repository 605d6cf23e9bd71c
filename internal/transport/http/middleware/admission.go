package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/logger"
	"github.com/arklim/webapp-admission/internal/usecase"
)

const (
	// AdmissionDecisionKey is the gin context key holding the request's domain.AdmissionDecision.
	AdmissionDecisionKey = "admission_decision"

	rateLimitedDetail     = "Rate limit exceeded. Please slow down your requests."
	authRateLimitedDetail = "Too many authentication attempts. Please try again later."
	revokedDetail         = "Token has been revoked"
	unverifiedDetail      = "Token status could not be verified"
)

// Gate decides whether a request may proceed.
type Gate interface {
	Admit(ctx context.Context, req domain.AdmissionRequest) (domain.AdmissionDecision, error)
}

// PolicyResolver looks up the policy bound to a scope.
type PolicyResolver interface {
	Policy(scope string) (domain.RateLimitPolicy, error)
}

// Admission builds per-scope gin middleware around a Gate.
type Admission struct {
	gate     Gate
	policies PolicyResolver
	logger   *zap.Logger
	now      func() time.Time
	details  map[string]string
}

// NewAdmission constructs the admission middleware builder.
func NewAdmission(gate Gate, policies PolicyResolver, log *zap.Logger) *Admission {
	if log == nil {
		log = zap.NewNop()
	}
	return &Admission{
		gate:     gate,
		policies: policies,
		logger:   log,
		now:      time.Now,
		details:  map[string]string{"auth": authRateLimitedDetail},
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (a *Admission) WithClock(now func() time.Time) *Admission {
	if now != nil {
		a.now = now
	}
	return a
}

// Limit returns middleware enforcing scope. Unknown scopes fail here, at route registration.
func (a *Admission) Limit(scope string) (gin.HandlerFunc, error) {
	policy, err := a.policies.Policy(scope)
	if err != nil {
		return nil, err
	}

	detail, ok := a.details[policy.Scope]
	if !ok {
		detail = rateLimitedDetail
	}

	return func(c *gin.Context) {
		req := domain.AdmissionRequest{Scope: policy.Scope, Identity: c.ClientIP()}
		if credential, ok := GetCredential(c); ok {
			req.Credential = &credential
			if policy.IdentitySource == domain.IdentitySourceUser {
				req.Identity = credential.SubjectID
			}
		}

		decision, err := a.gate.Admit(c.Request.Context(), req)
		if err != nil {
			logger.FromContext(c.Request.Context(), a.logger).Error("admission check failed",
				zap.String("scope", policy.Scope),
				zap.String("identity", logger.MaskIdentity(req.Identity)),
				zap.Error(err),
			)
			status := http.StatusInternalServerError
			if errors.Is(err, usecase.ErrIdentityRequired) {
				status = http.StatusBadRequest
			}
			c.AbortWithStatusJSON(status, newErrorResponse(c, "admission check failed"))
			return
		}

		c.Set(AdmissionDecisionKey, decision)
		if decision.HasQuota() {
			a.applyHeaders(c, decision)
		}

		switch decision.Reason {
		case domain.DecisionReasonRevoked:
			unauthorized(c, revokedDetail)
			return
		case domain.DecisionReasonRevocationUnverified:
			unauthorized(c, unverifiedDetail)
			return
		case domain.DecisionReasonRateLimited:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, newErrorResponse(c, detail))
			return
		}

		c.Next()
	}, nil
}

func (a *Admission) applyHeaders(c *gin.Context, decision domain.AdmissionDecision) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetUnix(), 10))

	if !decision.Allowed {
		seconds := int(math.Ceil(decision.RetryAfter(a.now()).Seconds()))
		headers.Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	}
}
