package transportgrpc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/config"
	store "github.com/arklim/webapp-admission/internal/infra/redis"
	"github.com/arklim/webapp-admission/internal/infra/security"
	redisrepo "github.com/arklim/webapp-admission/internal/repository/redis"
	"github.com/arklim/webapp-admission/internal/usecase"
)

const pingMethod = "/webapp.test.Echo/Ping"

type pinger interface{ Ping() }

type echoService struct{}

func (echoService) Ping() {}

var echoDesc = grpc.ServiceDesc{
	ServiceName: "webapp.test.Echo",
	HandlerType: (*pinger)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Ping",
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(context.Context, any) (any, error) { return &emptypb.Empty{}, nil }
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: pingMethod}, handler)
		},
	}},
}

type testEnv struct {
	conn   *grpc.ClientConn
	server *Server
	tokens *security.TokenManager
	revoke *usecase.RevocationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := red.NewClient(&red.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	client := store.Wrap(rdb, config.RedisSettings{OperationTimeout: time.Second}, logger)

	registry, err := usecase.NewPolicyRegistry(domain.RateLimitPolicy{
		Scope: "api", Limit: 2, Window: time.Minute, IdentitySource: domain.IdentitySourceIP,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	limiter := usecase.NewSlidingWindowLimiter(registry, redisrepo.NewSlidingWindowRepository(client), usecase.LimiterOptions{})
	revocations := usecase.NewRevocationService(
		redisrepo.NewRevocationRepository(client, redisrepo.RevocationConfig{}),
		usecase.RevocationOptions{SubjectMarkerTTL: time.Hour},
	)
	gate := usecase.NewAdmissionGate(limiter, revocations, usecase.AdmissionGateOptions{Enabled: true})

	tokens, err := security.NewTokenManager(config.JWTSettings{Secret: "grpc-secret"})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	server, err := NewServer(ServerDependencies{
		Gate:     gate,
		Policies: limiter,
		Tokens:   tokens,
		Scope:    "api",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.RegisterService(&echoDesc, echoService{})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &testEnv{conn: conn, server: server, tokens: tokens, revoke: revocations}
}

func (e *testEnv) ping(ctx context.Context, header *metadata.MD) error {
	opts := []grpc.CallOption{}
	if header != nil {
		opts = append(opts, grpc.Header(header))
	}
	return e.conn.Invoke(ctx, pingMethod, &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

func TestServerRateLimitsUnaryCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var header metadata.MD
	if err := env.ping(ctx, &header); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if got := header.Get("x-ratelimit-remaining"); len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected remaining quota header, got %v", got)
	}
	if got := header.Get("x-ratelimit-limit"); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected limit header, got %v", got)
	}
	reset := header.Get("x-ratelimit-reset")
	if len(reset) != 1 {
		t.Fatalf("expected reset header, got %v", reset)
	}
	if secs, err := strconv.ParseInt(reset[0], 10, 64); err != nil || secs < time.Now().Unix() {
		t.Fatalf("expected reset in the future, got %q (%v)", reset[0], err)
	}
	if err := env.ping(ctx, nil); err != nil {
		t.Fatalf("second call: %v", err)
	}

	err := env.ping(ctx, &header)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if got := header.Get("retry-after"); len(got) != 1 {
		t.Fatalf("expected retry-after header, got %v", got)
	}
}

func TestServerRejectsRevokedToken(t *testing.T) {
	env := newTestEnv(t)

	raw, credential, err := env.tokens.Issue("user-1", domain.TokenTypeAccess, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+raw)

	if err := env.ping(ctx, nil); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
	if err := env.revoke.Revoke(context.Background(), credential.TokenID, credential.ExpiresAt); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.ping(ctx, nil); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestServerHealthBypassesAdmission(t *testing.T) {
	env := newTestEnv(t)
	client := healthpb.NewHealthClient(env.conn)

	for i := 0; i < 5; i++ {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("health check %d: %v", i+1, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("expected SERVING, got %v", resp.GetStatus())
		}
	}
}

func TestWatchReadinessTracksDependency(t *testing.T) {
	env := newTestEnv(t)
	client := healthpb.NewHealthClient(env.conn)

	failing := make(chan struct{})
	check := func(context.Context) error {
		select {
		case <-failing:
			return errors.New("redis down")
		default:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.WatchReadiness(ctx, check, 10*time.Millisecond, zaptest.NewLogger(t))

	close(failing)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected NOT_SERVING after the dependency failed, got %v", resp.GetStatus())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewServerRequiresGate(t *testing.T) {
	if _, err := NewServer(ServerDependencies{}); err == nil {
		t.Fatal("expected an error without a gate")
	}
}
