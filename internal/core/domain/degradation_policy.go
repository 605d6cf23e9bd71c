package domain

import "strings"

// DegradationPolicyMode enumerates supported behaviours when the shared store cannot answer.
type DegradationPolicyMode string

const (
	// DegradationPolicyModeLenient lets requests proceed when the store is unavailable.
	DegradationPolicyModeLenient DegradationPolicyMode = "lenient"
	// DegradationPolicyModeStrict rejects requests whenever the store cannot confirm their status.
	DegradationPolicyModeStrict DegradationPolicyMode = "strict"
)

// DegradationReason captures the check for which a fallback decision is evaluated.
type DegradationReason string

const (
	// DegradationReasonRateLimitStoreUnavailable denotes the sliding-window script failed or timed out.
	DegradationReasonRateLimitStoreUnavailable DegradationReason = "rate_limit_store_unavailable"
	// DegradationReasonRevocationStoreUnavailable denotes revocation lookups failed or timed out.
	DegradationReasonRevocationStoreUnavailable DegradationReason = "revocation_store_unavailable"
)

// DegradationPolicy centralises how the gate responds when admission data is unavailable.
type DegradationPolicy struct {
	mode DegradationPolicyMode
}

// NewDegradationPolicy constructs a policy with the provided mode, defaulting to strict when unspecified.
func NewDegradationPolicy(mode DegradationPolicyMode) DegradationPolicy {
	if mode != DegradationPolicyModeLenient {
		mode = DegradationPolicyModeStrict
	}
	return DegradationPolicy{mode: mode}
}

// ParseDegradationPolicyMode normalises textual input into a supported policy mode.
func ParseDegradationPolicyMode(value string) DegradationPolicyMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DegradationPolicyModeLenient), "fail_open", "open":
		return DegradationPolicyModeLenient
	default:
		return DegradationPolicyModeStrict
	}
}

// Mode returns the underlying policy mode.
func (p DegradationPolicy) Mode() DegradationPolicyMode {
	return p.mode
}

// IsStrict indicates whether the policy rejects degraded states.
func (p DegradationPolicy) IsStrict() bool {
	return p.mode != DegradationPolicyModeLenient
}

// IsLenient indicates whether the policy permits degraded states.
func (p DegradationPolicy) IsLenient() bool {
	return !p.IsStrict()
}

// AllowsFallback determines if the policy permits continuing when the supplied reason occurs.
// Rate limiting always fails open; only revocation checks honour the configured mode.
func (p DegradationPolicy) AllowsFallback(reason DegradationReason) bool {
	if reason == DegradationReasonRateLimitStoreUnavailable {
		return true
	}
	return p.IsLenient()
}
