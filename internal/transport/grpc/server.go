package transportgrpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/arklim/webapp-admission/internal/transport/grpc/interceptors"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// ServerDependencies encapsulates what the gRPC server layer needs.
type ServerDependencies struct {
	Gate     grpcinterceptors.Gate
	Policies grpcinterceptors.PolicyResolver
	Tokens   grpcinterceptors.TokenParser
	// Scope is the rate-limit scope applied to every unary call.
	Scope   string
	Metrics *grpcinterceptors.GRPCMetrics
	Tracing bool
	Logger  *zap.Logger
}

// Server bundles the grpc.Server with its health service.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer wires the health service behind authentication and admission interceptors.
// Health checks bypass both so orchestrators are never throttled.
func NewServer(deps ServerDependencies) (*Server, error) {
	if deps.Gate == nil || deps.Policies == nil {
		return nil, errors.New("grpc: admission gate and policies are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	public := []string{healthCheckMethod, healthWatchMethod}

	admission, err := grpcinterceptors.NewAdmissionInterceptor(deps.Gate, deps.Policies, grpcinterceptors.AdmissionOptions{
		Scope:        deps.Scope,
		AllowMethods: public,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	auth := grpcinterceptors.NewAuthInterceptor(deps.Tokens, grpcinterceptors.AuthOptions{
		AllowMethods: public,
		Optional:     true,
		Logger:       logger,
	})

	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			deps.Metrics.UnaryServerInterceptor(),
			auth.UnaryServerInterceptor(),
			admission.UnaryServerInterceptor(),
		),
	}
	if deps.Tracing {
		options = append(options, grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			SkipMethods: []string{healthCheckMethod, healthWatchMethod},
		}))
	}

	server := grpc.NewServer(options...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	// Register reflection service for tools like grpcurl.
	reflection.Register(server)

	return &Server{Server: server, Health: healthServer}, nil
}

// WatchReadiness polls check and mirrors the result into the overall health status until ctx ends.
func (s *Server) WatchReadiness(ctx context.Context, check ReadinessCheck, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	current := healthpb.HealthCheckResponse_UNKNOWN
	runCheck := func() {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()

		next := healthpb.HealthCheckResponse_SERVING
		if err := check(checkCtx); err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
			if current != next {
				logger.Warn("gRPC readiness check failed", zap.Error(err))
			}
		}
		if next != current {
			s.Health.SetServingStatus("", next)
			current = next
		}
	}

	runCheck()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Health.Shutdown()
			return
		case <-ticker.C:
			runCheck()
		}
	}
}
