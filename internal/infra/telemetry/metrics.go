package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
)

// MetricsOptions configures the admission collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// AdmissionMetrics exposes Prometheus collectors for admission decisions and store health.
type AdmissionMetrics struct {
	Decisions    *prometheus.CounterVec
	StoreErrors  *prometheus.CounterVec
	StoreLatency *prometheus.HistogramVec
}

// NewAdmissionMetrics constructs and registers the admission collectors.
func NewAdmissionMetrics(opts MetricsOptions) (*AdmissionMetrics, error) {
	namespace, reg := defaults(opts)

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
	}

	decisions, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions partitioned by scope and reason.",
	}, []string{"scope", "reason"}))
	if err != nil {
		return nil, err
	}

	storeErrors, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "store_errors_total",
		Help:      "Store failures during admission checks partitioned by operation.",
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	latency, err := Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "store_duration_seconds",
		Help:      "Latency of admission store operations in seconds.",
		Buckets:   buckets,
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	return &AdmissionMetrics{
		Decisions:    decisions,
		StoreErrors:  storeErrors,
		StoreLatency: latency,
	}, nil
}

// ObserveDecision counts one decision.
func (m *AdmissionMetrics) ObserveDecision(decision domain.AdmissionDecision) {
	m.Decisions.WithLabelValues(decision.Scope, string(decision.Reason)).Inc()
}

// IncStoreError counts one store failure.
func (m *AdmissionMetrics) IncStoreError(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// ObserveStoreLatency records the duration of one store operation.
func (m *AdmissionMetrics) ObserveStoreLatency(operation string, elapsed time.Duration) {
	m.StoreLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RevocationEventMetrics exposes collectors for revocation events consumed from Kafka.
type RevocationEventMetrics struct {
	Consumed *prometheus.CounterVec
	Lag      prometheus.Histogram
}

// NewRevocationEventMetrics constructs and registers the revocation event collectors.
func NewRevocationEventMetrics(opts MetricsOptions) (*RevocationEventMetrics, error) {
	namespace, reg := defaults(opts)

	consumed, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "revocation",
		Name:      "events_consumed_total",
		Help:      "Revocation events applied from the event stream partitioned by type.",
	}, []string{"event_type"}))
	if err != nil {
		return nil, err
	}

	lag, err := Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "revocation",
		Name:      "event_lag_seconds",
		Help:      "Delay between a revocation and its application by this service.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}))
	if err != nil {
		return nil, err
	}

	return &RevocationEventMetrics{Consumed: consumed, Lag: lag}, nil
}

// IncConsumed counts one applied event.
func (m *RevocationEventMetrics) IncConsumed(eventType string) {
	m.Consumed.WithLabelValues(eventType).Inc()
}

// ObserveLag records how late an event was applied.
func (m *RevocationEventMetrics) ObserveLag(duration time.Duration) {
	m.Lag.Observe(duration.Seconds())
}

func defaults(opts MetricsOptions) (string, prometheus.Registerer) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "webapp"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return namespace, reg
}

// Register adds c to reg, reusing an identical collector registered earlier.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

var (
	_ port.AdmissionMetrics       = (*AdmissionMetrics)(nil)
	_ port.RevocationEventMetrics = (*RevocationEventMetrics)(nil)
)
