package interceptors

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/logger"
	"github.com/arklim/webapp-admission/internal/usecase"
)

// Gate decides whether a call may proceed.
type Gate interface {
	Admit(ctx context.Context, req domain.AdmissionRequest) (domain.AdmissionDecision, error)
}

// PolicyResolver looks up the policy bound to a scope.
type PolicyResolver interface {
	Policy(scope string) (domain.RateLimitPolicy, error)
}

// AdmissionOptions configures the admission interceptor.
type AdmissionOptions struct {
	Scope        string
	AllowMethods []string
	Logger       *zap.Logger
	Now          func() time.Time
}

// AdmissionInterceptor runs every unary call through the admission gate.
type AdmissionInterceptor struct {
	gate   Gate
	policy domain.RateLimitPolicy
	allow  map[string]struct{}
	logger *zap.Logger
	now    func() time.Time
}

// NewAdmissionInterceptor resolves the scope eagerly so a missing policy fails at startup.
func NewAdmissionInterceptor(gate Gate, policies PolicyResolver, opts AdmissionOptions) (*AdmissionInterceptor, error) {
	policy, err := policies.Policy(opts.Scope)
	if err != nil {
		return nil, err
	}

	allow := make(map[string]struct{}, len(opts.AllowMethods))
	for _, method := range opts.AllowMethods {
		allow[method] = struct{}{}
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &AdmissionInterceptor{gate: gate, policy: policy, allow: allow, logger: log, now: now}, nil
}

// UnaryServerInterceptor returns the gRPC unary interceptor.
func (ai *AdmissionInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ai.allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		admission := domain.AdmissionRequest{Scope: ai.policy.Scope, Identity: peerHost(ctx)}
		if credential, ok := CredentialFromContext(ctx); ok {
			admission.Credential = &credential
			if ai.policy.IdentitySource == domain.IdentitySourceUser {
				admission.Identity = credential.SubjectID
			}
		}

		decision, err := ai.gate.Admit(ctx, admission)
		if err != nil {
			ai.logger.Error("gRPC admission check failed",
				zap.String("method", info.FullMethod),
				zap.String("identity", logger.MaskIdentity(admission.Identity)),
				zap.Error(err),
			)
			if errors.Is(err, usecase.ErrIdentityRequired) {
				return nil, status.Error(codes.InvalidArgument, "caller identity required")
			}
			return nil, status.Error(codes.Internal, "admission check failed")
		}

		if decision.HasQuota() {
			_ = grpc.SetHeader(ctx, ai.quotaMetadata(decision))
		}

		switch decision.Reason {
		case domain.DecisionReasonRevoked:
			return nil, status.Error(codes.Unauthenticated, "token has been revoked")
		case domain.DecisionReasonRevocationUnverified:
			return nil, status.Error(codes.Unauthenticated, "token status could not be verified")
		case domain.DecisionReasonRateLimited:
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

func (ai *AdmissionInterceptor) quotaMetadata(decision domain.AdmissionDecision) metadata.MD {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.Itoa(decision.Limit),
		"x-ratelimit-remaining", strconv.Itoa(max(decision.Remaining, 0)),
		"x-ratelimit-reset", strconv.FormatInt(decision.ResetUnix(), 10),
	)
	if !decision.Allowed {
		seconds := int(math.Ceil(decision.RetryAfter(ai.now()).Seconds()))
		md.Set("retry-after", strconv.Itoa(max(seconds, 1)))
	}
	return md
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
