package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	"github.com/arklim/webapp-admission/internal/infra/config"
	kafkainfra "github.com/arklim/webapp-admission/internal/infra/kafka"
	"github.com/arklim/webapp-admission/internal/infra/logger"
	redisinfra "github.com/arklim/webapp-admission/internal/infra/redis"
	"github.com/arklim/webapp-admission/internal/infra/security"
	"github.com/arklim/webapp-admission/internal/infra/telemetry"
	redisrepo "github.com/arklim/webapp-admission/internal/repository/redis"
	transportgrpc "github.com/arklim/webapp-admission/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/webapp-admission/internal/transport/grpc/interceptors"
	"github.com/arklim/webapp-admission/internal/transport/http/middleware"
	"github.com/arklim/webapp-admission/internal/transport/http/routes"
	"github.com/arklim/webapp-admission/internal/usecase"
)

const metricsNamespace = "webapp"

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
	tracer   *telemetry.TracerProvider

	consumer      *kafkainfra.RevocationConsumer
	consumerGroup sarama.ConsumerGroup

	grpcServer *transportgrpc.Server
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log}
	if err := a.init(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.redis = redisClient
	if err := prometheus.DefaultRegisterer.Register(redisinfra.NewPoolCollector(redisClient, metricsNamespace)); err != nil {
		return fmt.Errorf("register redis pool collector: %w", err)
	}

	policies, err := cfg.RateLimit.PolicyList()
	if err != nil {
		return fmt.Errorf("rate limit policies: %w", err)
	}
	registry, err := usecase.NewPolicyRegistry(policies...)
	if err != nil {
		return fmt.Errorf("init policy registry: %w", err)
	}
	limiter := usecase.NewSlidingWindowLimiter(registry, redisrepo.NewSlidingWindowRepository(redisClient), usecase.LimiterOptions{
		KeyPrefix:     cfg.RateLimit.KeyPrefix,
		UseStoreClock: cfg.RateLimit.UsesStoreClock(),
	})

	revocationStore := redisrepo.NewRevocationRepository(redisClient, redisrepo.RevocationConfig{
		KeyPrefix:        cfg.Revocation.KeyPrefix,
		SubjectKeyPrefix: cfg.Revocation.SubjectKeyPrefix,
	})
	revocations := usecase.NewRevocationService(revocationStore, usecase.RevocationOptions{
		SubjectMarkerTTL: cfg.JWT.RefreshTokenTTL,
	}).WithLogger(log).WithPublisher(a.eventPublisher())

	admissionMetrics, err := telemetry.NewAdmissionMetrics(telemetry.MetricsOptions{Namespace: metricsNamespace})
	if err != nil {
		return fmt.Errorf("init admission metrics: %w", err)
	}
	degradation := domain.NewDegradationPolicy(domain.ParseDegradationPolicyMode(cfg.Revocation.DegradationPolicy))
	gate := usecase.NewAdmissionGate(limiter, revocations, usecase.AdmissionGateOptions{
		Enabled:           cfg.RateLimit.Enabled,
		DegradationPolicy: degradation,
	}).WithLogger(log).WithMetrics(admissionMetrics)

	if cfg.Kafka.ConsumeEvents && len(cfg.Kafka.Brokers) > 0 {
		if err := a.initConsumer(revocations); err != nil {
			return err
		}
	}

	tokens, err := security.NewTokenManager(cfg.JWT)
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Namespace: metricsNamespace})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	engine, err := routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		Gate:        gate,
		Limiter:     limiter,
		Scopes:      registry,
		Tokens:      tokens,
		Revocations: revocations,
		HTTPMetrics: httpMetrics,
		Gatherer:    prometheus.DefaultGatherer,
		Cache:       redisClient,
	})
	if err != nil {
		return fmt.Errorf("register routes: %w", err)
	}
	a.engine = engine

	if cfg.GRPC.Enabled {
		grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{Namespace: metricsNamespace})
		if err != nil {
			return fmt.Errorf("init grpc metrics: %w", err)
		}
		a.grpcServer, err = transportgrpc.NewServer(transportgrpc.ServerDependencies{
			Gate:     gate,
			Policies: limiter,
			Tokens:   tokens,
			Scope:    cfg.GRPC.Scope,
			Metrics:  grpcMetrics,
			Tracing:  cfg.Telemetry.TracingEnabled,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("init grpc server: %w", err)
		}
	}

	log.Info("admission control configured",
		zap.Bool("enabled", cfg.RateLimit.Enabled),
		zap.Strings("scopes", registry.Scopes()),
		zap.String("clock_source", cfg.RateLimit.ClockSource),
		zap.String("degradation_policy", string(degradation.Mode())),
	)
	return nil
}

// eventPublisher falls back to logging when Kafka is not reachable.
func (a *Application) eventPublisher() port.RevocationEventPublisher {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.producer = producer
	a.logger.Info("kafka event publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

func (a *Application) initConsumer(applier kafkainfra.RevocationApplier) error {
	eventMetrics, err := telemetry.NewRevocationEventMetrics(telemetry.MetricsOptions{Namespace: metricsNamespace})
	if err != nil {
		return fmt.Errorf("init revocation event metrics: %w", err)
	}
	group, err := kafkainfra.NewConsumerGroup(a.cfg.Kafka)
	if err != nil {
		return fmt.Errorf("init revocation consumer: %w", err)
	}
	a.consumerGroup = group
	a.consumer = kafkainfra.NewRevocationConsumer(applier, eventMetrics, a.logger, kafkainfra.RevocationConsumerOptions{
		MaxEventLag: a.cfg.Kafka.MaxEventLag,
	})
	return nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close(context.Background())

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx, a.consumerGroup, kafkainfra.Topics(a.cfg.Kafka)); err != nil {
				a.logger.Error("revocation consumer stopped", zap.Error(err))
			}
		}()
	}

	grpcErrCh := make(chan error, 1)
	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.GRPC.Host, a.cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		a.logger.Info("starting gRPC server", zap.String("address", lis.Addr().String()))
		go a.grpcServer.WatchReadiness(ctx, a.redis.HealthCheck, a.cfg.GRPC.ReadinessInterval, a.logger)
		go func() {
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
			}
		}()
		defer a.grpcServer.GracefulStop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting admission API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	case err := <-grpcErrCh:
		return err
	}
}

// close releases resources in reverse order of acquisition. Safe on a partially built app.
func (a *Application) close(ctx context.Context) {
	if a.consumerGroup != nil {
		if err := a.consumerGroup.Close(); err != nil {
			a.logger.Warn("close kafka consumer group", zap.Error(err))
		}
		a.consumerGroup = nil
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
		a.producer = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracer provider", zap.Error(err))
		}
		a.tracer = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
}
