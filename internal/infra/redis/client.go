package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/infra/config"
)

const defaultOperationTimeout = 1500 * time.Millisecond

// Client wraps redis.Client with health check and lifecycle management
type Client struct {
	client *redis.Client
	logger *zap.Logger
	cfg    config.RedisSettings
}

// NewClient initializes the Redis connection pool shared by every admission component.
// A failed initial ping is logged but not fatal; admission degrades until the store returns.
func NewClient(cfg config.RedisSettings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not reachable at startup, admission will degrade until it is",
			zap.String("addr", opts.Addr),
			zap.Error(err),
		)
	} else {
		logger.Info("Redis connection established",
			zap.String("addr", opts.Addr),
			zap.Int("db", opts.DB),
			zap.Int("pool_size", opts.PoolSize),
			zap.Bool("tls_enabled", opts.TLSConfig != nil),
		)
	}

	return &Client{
		client: client,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Wrap adapts an existing go-redis client, used by tests against miniredis.
func Wrap(client *redis.Client, cfg config.RedisSettings, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: client, logger: logger, cfg: cfg}
}

func options(cfg config.RedisSettings) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	opts.PoolSize = positiveOr(cfg.PoolSize, 10)
	opts.MinIdleConns = cfg.MinIdleConns
	// Retries would stretch a single admission check past its operation timeout.
	opts.MaxRetries = -1

	opts.PoolTimeout = durationOr(cfg.PoolTimeout, time.Second)
	opts.DialTimeout = durationOr(cfg.DialTimeout, 2*time.Second)
	opts.ReadTimeout = durationOr(cfg.ReadTimeout, 500*time.Millisecond)
	opts.WriteTimeout = durationOr(cfg.WriteTimeout, 500*time.Millisecond)
	opts.ConnMaxIdleTime = 5 * time.Minute

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts, nil
}

// Client returns the underlying redis.Client for direct access
func (c *Client) Client() *redis.Client {
	return c.client
}

// OperationContext derives the context for one store operation. Caller cancellation
// is ignored so a started atomic step finishes; the operation timeout still applies.
func (c *Client) OperationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), durationOr(c.cfg.OperationTimeout, defaultOperationTimeout))
}

// HealthCheck performs a ping to verify Redis connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the Redis connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics for monitoring
func (c *Client) Stats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Unavailable wraps a store failure so callers can classify it with domain.ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}

// IsTimeout reports whether err came from a deadline, a pool wait or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrPoolTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// PoolCollector exports pool statistics as Prometheus gauges and counters.
type PoolCollector struct {
	client *Client

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
	staleConns *prometheus.Desc
}

// NewPoolCollector builds a collector for the client's connection pool.
func NewPoolCollector(client *Client, namespace string) *PoolCollector {
	name := func(metric string) string {
		return prometheus.BuildFQName(namespace, "redis_pool", metric)
	}
	return &PoolCollector{
		client:     client,
		hits:       prometheus.NewDesc(name("hits_total"), "Number of times a free connection was found in the pool.", nil, nil),
		misses:     prometheus.NewDesc(name("misses_total"), "Number of times a free connection was not found in the pool.", nil, nil),
		timeouts:   prometheus.NewDesc(name("timeouts_total"), "Number of times a wait for a pooled connection timed out.", nil, nil),
		totalConns: prometheus.NewDesc(name("connections"), "Number of connections in the pool.", nil, nil),
		idleConns:  prometheus.NewDesc(name("idle_connections"), "Number of idle connections in the pool.", nil, nil),
		staleConns: prometheus.NewDesc(name("stale_connections_total"), "Number of stale connections removed from the pool.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.staleConns
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.Stats()
	if stats == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.staleConns, prometheus.CounterValue, float64(stats.StaleConns))
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
