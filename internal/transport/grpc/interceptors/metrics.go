package interceptors

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arklim/webapp-admission/internal/infra/telemetry"
)

// GRPCMetricsOptions controls construction of gRPC metrics collectors.
type GRPCMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// GRPCMetrics records unary calls. throttled counts calls answered with
// ResourceExhausted, which is how the admission interceptor reports a full window.
type GRPCMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	throttled *prometheus.CounterVec
}

func NewGRPCMetrics(opts GRPCMetricsOptions) (*GRPCMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "webapp"
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	var (
		m   GRPCMetrics
		err error
	)
	callLabels := []string{"service", "method", "code"}

	if m.requests, err = telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Unary gRPC calls by service, method and status code.",
	}, callLabels)); err != nil {
		return nil, err
	}
	if m.duration, err = telemetry.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "Unary gRPC call latency by service, method and status code.",
		Buckets:   buckets,
	}, callLabels)); err != nil {
		return nil, err
	}
	if m.inFlight, err = telemetry.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "in_flight_requests",
		Help:      "Unary gRPC calls currently being served, by service.",
	}, []string{"service"})); err != nil {
		return nil, err
	}
	if m.throttled, err = telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "throttled_total",
		Help:      "Unary gRPC calls rejected with ResourceExhausted, by service and method.",
	}, []string{"service", "method"})); err != nil {
		return nil, err
	}

	return &m, nil
}

// UnaryServerInterceptor records every call. A nil receiver passes calls straight through.
func (m *GRPCMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	if m == nil {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := splitFullMethod(info.FullMethod)
		start := time.Now()

		inflight := m.inFlight.WithLabelValues(service)
		inflight.Inc()
		defer inflight.Dec()

		resp, err := handler(ctx, req)

		code := status.Code(err)
		m.requests.WithLabelValues(service, method, code.String()).Inc()
		m.duration.WithLabelValues(service, method, code.String()).Observe(time.Since(start).Seconds())
		if code == codes.ResourceExhausted {
			m.throttled.WithLabelValues(service, method).Inc()
		}

		return resp, err
	}
}

func splitFullMethod(full string) (string, string) {
	full = strings.TrimPrefix(full, "/")
	service, method, ok := strings.Cut(full, "/")
	if !ok || strings.Contains(method, "/") {
		if full == "" {
			return "unknown", "unknown"
		}
		return full, "unknown"
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
