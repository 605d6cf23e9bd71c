package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/usecase"
)

// QuotaInspector reads and clears sliding-window state.
type QuotaInspector interface {
	Policy(scope string) (domain.RateLimitPolicy, error)
	Peek(ctx context.Context, scope, identity string, nowMicros int64) (domain.AdmissionDecision, error)
	Reset(ctx context.Context, scope, identity string) error
}

// ScopeLister enumerates configured scopes.
type ScopeLister interface {
	Scopes() []string
}

// RateLimitHandler exposes administrative endpoints over rate-limit state.
type RateLimitHandler struct {
	limiter QuotaInspector
	scopes  ScopeLister
	enabled bool
}

// NewRateLimitHandler constructs a new handler instance.
func NewRateLimitHandler(limiter QuotaInspector, scopes ScopeLister, enabled bool) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, scopes: scopes, enabled: enabled}
}

var quotaErrorCases = []ErrorCase{
	{Err: domain.ErrConfiguration, Status: http.StatusNotFound, Message: "unknown rate limit scope"},
	{Err: usecase.ErrIdentityRequired, Status: http.StatusBadRequest, Message: "identity is required"},
}

// ListPolicies godoc
// @Summary List rate limit policies
// @Tags Admin
// @Security Bearer
// @Produce json
// @Success 200 {object} RateLimitPolicyListResponse
// @Router /api/v1/admin/rate-limits [get]
func (h *RateLimitHandler) ListPolicies(c *gin.Context) {
	response := RateLimitPolicyListResponse{Enabled: h.enabled}
	for _, scope := range h.scopes.Scopes() {
		policy, err := h.limiter.Policy(scope)
		if err != nil {
			continue
		}
		response.Policies = append(response.Policies, RateLimitPolicyPayload{
			Scope:          policy.Scope,
			Limit:          policy.Limit,
			WindowSeconds:  int(policy.Window.Seconds()),
			IdentitySource: string(policy.IdentitySource),
		})
	}
	c.JSON(http.StatusOK, response)
}

// GetQuota godoc
// @Summary Inspect the quota of an identity without consuming it
// @Tags Admin
// @Security Bearer
// @Produce json
// @Param scope path string true "Rate limit scope"
// @Param identity path string true "Client IP or subject identifier"
// @Success 200 {object} RateLimitStatusResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/admin/rate-limits/{scope}/{identity} [get]
func (h *RateLimitHandler) GetQuota(c *gin.Context) {
	scope := strings.TrimSpace(c.Param("scope"))
	identity := strings.TrimSpace(c.Param("identity"))

	decision, err := h.limiter.Peek(c.Request.Context(), scope, identity, 0)
	if err != nil {
		RespondWithMappedError(c, err, quotaErrorCases, http.StatusInternalServerError, "failed to read quota")
		return
	}

	policy, err := h.limiter.Policy(scope)
	if err != nil {
		RespondWithMappedError(c, err, quotaErrorCases, http.StatusInternalServerError, "failed to read quota")
		return
	}

	c.JSON(http.StatusOK, RateLimitStatusResponse{
		Scope:         decision.Scope,
		Identity:      identity,
		Limit:         decision.Limit,
		Remaining:     decision.Remaining,
		WindowSeconds: int(policy.Window.Seconds()),
		ResetAt:       decision.ResetAt,
		Exhausted:     !decision.Allowed,
	})
}

// ResetQuota godoc
// @Summary Clear the sliding window of an identity
// @Tags Admin
// @Security Bearer
// @Param scope path string true "Rate limit scope"
// @Param identity path string true "Client IP or subject identifier"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/admin/rate-limits/{scope}/{identity} [delete]
func (h *RateLimitHandler) ResetQuota(c *gin.Context) {
	scope := strings.TrimSpace(c.Param("scope"))
	identity := strings.TrimSpace(c.Param("identity"))

	if err := h.limiter.Reset(c.Request.Context(), scope, identity); err != nil {
		RespondWithMappedError(c, err, quotaErrorCases, http.StatusInternalServerError, "failed to reset quota")
		return
	}

	c.Status(http.StatusNoContent)
}
