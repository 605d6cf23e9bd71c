package interceptors

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

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
	return g.decision, g.err
}

type stubPolicies map[string]domain.RateLimitPolicy

func (p stubPolicies) Policy(scope string) (domain.RateLimitPolicy, error) {
	policy, ok := p[scope]
	if !ok {
		return domain.RateLimitPolicy{}, domain.NewConfigurationError(scope, "unknown scope")
	}
	return policy, nil
}

var grpcPolicies = stubPolicies{
	"api":  {Scope: "api", Limit: 100, Window: time.Minute, IdentitySource: domain.IdentitySourceIP},
	"user": {Scope: "user", Limit: 300, Window: time.Minute, IdentitySource: domain.IdentitySourceUser},
}

func fromPeer(ctx context.Context) context.Context {
	return peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 50123}})
}

func newAdmission(t *testing.T, gate Gate, scope string) grpc.UnaryServerInterceptor {
	t.Helper()
	interceptor, err := NewAdmissionInterceptor(gate, grpcPolicies, AdmissionOptions{
		Scope:        scope,
		AllowMethods: []string{"/grpc.health.v1.Health/Check"},
	})
	if err != nil {
		t.Fatalf("new admission interceptor: %v", err)
	}
	return interceptor.UnaryServerInterceptor()
}

func okHandler(context.Context, any) (any, error) { return "ok", nil }

func TestAdmissionInterceptorUsesPeerAddress(t *testing.T) {
	gate := &stubGate{decision: domain.AdmissionDecision{Allowed: true, Reason: domain.DecisionReasonAllowed, Limit: 100, Remaining: 99}}

	if _, err := newAdmission(t, gate, "api")(fromPeer(context.Background()), struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gate.requests) != 1 || gate.requests[0].Identity != "203.0.113.9" || gate.requests[0].Scope != "api" {
		t.Fatalf("unexpected admission request %+v", gate.requests)
	}
}

func TestAdmissionInterceptorUserScopeUsesSubject(t *testing.T) {
	gate := &stubGate{decision: domain.AdmissionDecision{Allowed: true, Reason: domain.DecisionReasonAllowed}}
	ctx := WithCredential(fromPeer(context.Background()), domain.Credential{TokenID: "jti-1", SubjectID: "user-7"})

	if _, err := newAdmission(t, gate, "user")(ctx, struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := gate.requests[0]
	if req.Identity != "user-7" || req.Credential == nil || req.Credential.TokenID != "jti-1" {
		t.Fatalf("unexpected admission request %+v", req)
	}
}

func TestAdmissionInterceptorMapsDecisions(t *testing.T) {
	cases := map[string]struct {
		decision domain.AdmissionDecision
		code     codes.Code
	}{
		"rate limited": {domain.AdmissionDecision{Reason: domain.DecisionReasonRateLimited, Limit: 100}, codes.ResourceExhausted},
		"revoked":      {domain.AdmissionDecision{Reason: domain.DecisionReasonRevoked}, codes.Unauthenticated},
		"unverified":   {domain.AdmissionDecision{Reason: domain.DecisionReasonRevocationUnverified}, codes.Unauthenticated},
		"fail open":    {domain.AdmissionDecision{Allowed: true, Reason: domain.DecisionReasonStoreUnavailable}, codes.OK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gate := &stubGate{decision: tc.decision}
			_, err := newAdmission(t, gate, "api")(fromPeer(context.Background()), struct{}{}, privateMethod, okHandler)
			if status.Code(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestAdmissionInterceptorGateErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		code codes.Code
	}{
		"identity": {usecase.ErrIdentityRequired, codes.InvalidArgument},
		"other":    {errors.New("boom"), codes.Internal},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newAdmission(t, &stubGate{err: tc.err}, "api")(context.Background(), struct{}{}, privateMethod, okHandler)
			if status.Code(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestAdmissionInterceptorSkipsAllowedMethods(t *testing.T) {
	gate := &stubGate{err: errors.New("should not be called")}
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	if _, err := newAdmission(t, gate, "api")(context.Background(), struct{}{}, info, okHandler); err != nil {
		t.Fatalf("expected health check to bypass admission, got %v", err)
	}
	if len(gate.requests) != 0 {
		t.Fatalf("gate must not run for allowed methods")
	}
}

func TestAdmissionInterceptorUnknownScope(t *testing.T) {
	if _, err := NewAdmissionInterceptor(&stubGate{}, grpcPolicies, AdmissionOptions{Scope: "export"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
