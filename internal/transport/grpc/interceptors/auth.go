package interceptors

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/security"
)

const (
	authorizationKey = "authorization"
	bearerPrefix     = "bearer "
)

var errNoToken = errors.New("authorization token required")

// TokenParser verifies a bearer token of the expected type.
type TokenParser interface {
	Parse(raw string, expected domain.TokenType) (domain.Credential, error)
}

// AuthOptions fine-tunes interceptor behaviour.
type AuthOptions struct {
	// AllowMethods skip authentication entirely.
	AllowMethods []string
	// Optional lets calls without a token through anonymously. A token that is present must still be valid.
	Optional bool
	Logger   *zap.Logger
}

// AuthInterceptor validates incoming calls using access tokens from metadata.
type AuthInterceptor struct {
	parser   TokenParser
	logger   *zap.Logger
	allow    map[string]struct{}
	optional bool
}

// NewAuthInterceptor constructs a new AuthInterceptor instance.
func NewAuthInterceptor(parser TokenParser, opts AuthOptions) *AuthInterceptor {
	allow := make(map[string]struct{}, len(opts.AllowMethods))
	for _, method := range opts.AllowMethods {
		if method = strings.TrimSpace(method); method != "" {
			allow[method] = struct{}{}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthInterceptor{parser: parser, logger: logger, allow: allow, optional: opts.Optional}
}

// UnaryServerInterceptor returns a gRPC unary interceptor that attaches the caller's credential.
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if ai == nil || ai.parser == nil {
			return handler(ctx, req)
		}

		if _, ok := ai.allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		token, err := tokenFromMetadata(ctx)
		if errors.Is(err, errNoToken) && ai.optional {
			return handler(ctx, req)
		}
		if err != nil {
			ai.logger.Warn("gRPC authentication failed", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		credential, err := ai.parser.Parse(token, domain.TokenTypeAccess)
		if err != nil {
			ai.logger.Warn("gRPC token validation failed", zap.String("method", info.FullMethod), zap.Error(err))
			switch {
			case errors.Is(err, security.ErrTokenExpired):
				return nil, status.Error(codes.Unauthenticated, "access token expired")
			case errors.Is(err, security.ErrWrongTokenType):
				return nil, status.Error(codes.Unauthenticated, "access token required")
			default:
				return nil, status.Error(codes.Unauthenticated, "invalid access token")
			}
		}

		return handler(WithCredential(ctx, credential), req)
	}
}

type credentialContextKey struct{}

// WithCredential returns a derived context carrying the authenticated credential.
func WithCredential(ctx context.Context, credential domain.Credential) context.Context {
	return context.WithValue(ctx, credentialContextKey{}, credential)
}

// CredentialFromContext extracts the authenticated credential when available.
func CredentialFromContext(ctx context.Context) (domain.Credential, bool) {
	if ctx == nil {
		return domain.Credential{}, false
	}
	credential, ok := ctx.Value(credentialContextKey{}).(domain.Credential)
	return credential, ok
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errNoToken
	}

	// metadata keys are lower-cased on the wire.
	values := md.Get(authorizationKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", errNoToken
	}

	value := strings.TrimSpace(values[0])
	if len(value) < len(bearerPrefix) || !strings.HasPrefix(strings.ToLower(value), bearerPrefix) {
		return "", errors.New("invalid authorization header")
	}

	token := strings.TrimSpace(value[len(bearerPrefix):])
	if token == "" {
		return "", errNoToken
	}

	return token, nil
}
