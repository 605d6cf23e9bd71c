package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/usecase"
)

type stubGate struct {
	decision domain.AdmissionDecision
	err      error
	requests []domain.AdmissionRequest
}

func (g *stubGate) Admit(_ context.Context, req domain.AdmissionRequest) (domain.AdmissionDecision, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return domain.AdmissionDecision{}, g.err
	}
	decision := g.decision
	decision.Scope = req.Scope
	return decision, nil
}

type stubPolicies map[string]domain.RateLimitPolicy

func (p stubPolicies) Policy(scope string) (domain.RateLimitPolicy, error) {
	policy, ok := p[scope]
	if !ok {
		return domain.RateLimitPolicy{}, domain.NewConfigurationError(scope, "unknown scope")
	}
	return policy, nil
}

var testPolicies = stubPolicies{
	"auth": {Scope: "auth", Limit: 10, Window: time.Minute, IdentitySource: domain.IdentitySourceIP},
	"api":  {Scope: "api", Limit: 100, Window: time.Minute, IdentitySource: domain.IdentitySourceIP},
	"user": {Scope: "user", Limit: 300, Window: time.Minute, IdentitySource: domain.IdentitySourceUser},
}

var middlewareEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAdmissionRouter(t *testing.T, gate Gate, scope string, credential *domain.Credential) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	admission := NewAdmission(gate, testPolicies, zaptest.NewLogger(t)).
		WithClock(func() time.Time { return middlewareEpoch })
	limit, err := admission.Limit(scope)
	if err != nil {
		t.Fatalf("limit %s: %v", scope, err)
	}

	router := gin.New()
	router.Use(EnrichContext())
	if credential != nil {
		router.Use(func(c *gin.Context) {
			c.Set(CredentialKey, *credential)
			c.Next()
		})
	}
	router.GET("/", limit, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func serve(router *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeDetail(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body.Detail
}

func TestAdmissionAllowsWithHeaders(t *testing.T) {
	resetAt := middlewareEpoch.Add(59*time.Second + 400*time.Millisecond)
	gate := &stubGate{decision: domain.AdmissionDecision{
		Allowed: true, Limit: 100, Remaining: 97, ResetAt: resetAt, Reason: domain.DecisionReasonAllowed,
	}}

	rr := serve(newAdmissionRouter(t, gate, "api", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Fatalf("expected limit header 100, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "97" {
		t.Fatalf("expected remaining header 97, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(resetAt.Unix()+1, 10) {
		t.Fatalf("expected reset rounded up, got %q", got)
	}
	if got := rr.Header().Get("Retry-After"); got != "" {
		t.Fatalf("expected no retry-after header, got %q", got)
	}
	if len(gate.requests) != 1 || gate.requests[0].Identity != "192.0.2.10" || gate.requests[0].Credential != nil {
		t.Fatalf("unexpected admission request %+v", gate.requests)
	}
}

func TestAdmissionRateLimitedResponse(t *testing.T) {
	gate := &stubGate{decision: domain.AdmissionDecision{
		Allowed: false, Limit: 10, Remaining: 0, ResetAt: middlewareEpoch.Add(30 * time.Second), Reason: domain.DecisionReasonRateLimited,
	}}

	cases := map[string]string{
		"auth": authRateLimitedDetail,
		"api":  rateLimitedDetail,
	}
	for scope, detail := range cases {
		t.Run(scope, func(t *testing.T) {
			rr := serve(newAdmissionRouter(t, gate, scope, nil))

			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rr.Code)
			}
			if got := rr.Header().Get("Retry-After"); got != "30" {
				t.Fatalf("expected retry-after 30, got %q", got)
			}
			if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
				t.Fatalf("expected remaining 0, got %q", got)
			}
			if got := decodeDetail(t, rr); got != detail {
				t.Fatalf("expected detail %q, got %q", detail, got)
			}
		})
	}
}

func TestAdmissionRevokedToken(t *testing.T) {
	credential := &domain.Credential{TokenID: "jti-1", SubjectID: "user-1"}

	cases := []struct {
		reason domain.DecisionReason
		detail string
	}{
		{domain.DecisionReasonRevoked, revokedDetail},
		{domain.DecisionReasonRevocationUnverified, unverifiedDetail},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			gate := &stubGate{decision: domain.AdmissionDecision{Allowed: false, Reason: tc.reason}}
			rr := serve(newAdmissionRouter(t, gate, "api", credential))

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if got := rr.Header().Get("WWW-Authenticate"); got != "Bearer" {
				t.Fatalf("expected bearer challenge, got %q", got)
			}
			if got := rr.Header().Get("X-RateLimit-Limit"); got != "" {
				t.Fatalf("expected no quota headers, got %q", got)
			}
			if got := decodeDetail(t, rr); got != tc.detail {
				t.Fatalf("expected detail %q, got %q", tc.detail, got)
			}
		})
	}
}

func TestAdmissionFailOpenKeepsHeaders(t *testing.T) {
	gate := &stubGate{decision: domain.AdmissionDecision{
		Allowed: true, Limit: 100, Remaining: 100, ResetAt: middlewareEpoch.Add(time.Minute),
		Reason: domain.DecisionReasonStoreUnavailable,
	}}

	rr := serve(newAdmissionRouter(t, gate, "api", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	headers := rr.Header()
	if headers.Get("X-RateLimit-Limit") != "100" || headers.Get("X-RateLimit-Remaining") != "100" {
		t.Fatalf("expected full quota headers while failing open, got %v", headers)
	}
	if want := strconv.FormatInt(middlewareEpoch.Add(time.Minute).Unix(), 10); headers.Get("X-RateLimit-Reset") != want {
		t.Fatalf("expected reset %s, got %q", want, headers.Get("X-RateLimit-Reset"))
	}
	if headers.Get("Retry-After") != "" {
		t.Fatalf("admitted requests must not carry Retry-After")
	}
}

func TestAdmissionUserScopeUsesSubject(t *testing.T) {
	gate := &stubGate{decision: domain.AdmissionDecision{Allowed: true, Limit: 300, Remaining: 299, Reason: domain.DecisionReasonAllowed}}
	credential := &domain.Credential{TokenID: "jti-1", SubjectID: "user-42"}

	rr := serve(newAdmissionRouter(t, gate, "user", credential))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	req := gate.requests[0]
	if req.Identity != "user-42" || req.Credential == nil || req.Credential.TokenID != "jti-1" {
		t.Fatalf("unexpected admission request %+v", req)
	}
}

func TestAdmissionGateErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"identity": {usecase.ErrIdentityRequired, http.StatusBadRequest},
		"other":    {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := serve(newAdmissionRouter(t, &stubGate{err: tc.err}, "api", nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestAdmissionUnknownScopeFailsAtBuild(t *testing.T) {
	admission := NewAdmission(&stubGate{}, testPolicies, nil)
	if _, err := admission.Limit("export"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
