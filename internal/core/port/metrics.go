package port

import (
	"time"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// AdmissionMetrics captures telemetry hooks for admission decisions.
type AdmissionMetrics interface {
	ObserveDecision(decision domain.AdmissionDecision)
	IncStoreError(operation string)
	ObserveStoreLatency(operation string, elapsed time.Duration)
}

// RevocationEventMetrics captures telemetry hooks for consumed revocation events.
type RevocationEventMetrics interface {
	IncConsumed(eventType string)
	ObserveLag(duration time.Duration)
}
