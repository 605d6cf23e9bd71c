package domain

import (
	"fmt"
	"strings"
	"time"
)

// IdentitySource selects which caller attribute scopes a rate limit.
type IdentitySource string

const (
	// IdentitySourceIP keys the limit on the client IP address.
	IdentitySourceIP IdentitySource = "ip"
	// IdentitySourceUser keys the limit on the authenticated user's stable identifier.
	IdentitySourceUser IdentitySource = "user"
)

// ParseIdentitySource normalises textual input into a supported identity source.
func ParseIdentitySource(value string) (IdentitySource, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(IdentitySourceIP):
		return IdentitySourceIP, nil
	case string(IdentitySourceUser):
		return IdentitySourceUser, nil
	default:
		return "", fmt.Errorf("unknown identity source %q", value)
	}
}

// RateLimitPolicy binds a scope name to a sliding-window quota.
type RateLimitPolicy struct {
	Scope          string
	Limit          int
	Window         time.Duration
	IdentitySource IdentitySource
}

// Validate reports a ConfigurationError when the policy cannot be enforced.
func (p RateLimitPolicy) Validate() error {
	if strings.TrimSpace(p.Scope) == "" {
		return NewConfigurationError("", "scope must not be empty")
	}
	if strings.ContainsAny(p.Scope, ": ") {
		return NewConfigurationError(p.Scope, "scope must not contain ':' or spaces")
	}
	if p.Limit <= 0 {
		return NewConfigurationError(p.Scope, fmt.Sprintf("limit must be positive, got %d", p.Limit))
	}
	if p.Window < time.Second {
		return NewConfigurationError(p.Scope, fmt.Sprintf("window must be at least one second, got %s", p.Window))
	}
	if p.Window%time.Second != 0 {
		return NewConfigurationError(p.Scope, fmt.Sprintf("window must be a whole number of seconds, got %s", p.Window))
	}
	switch p.IdentitySource {
	case IdentitySourceIP, IdentitySourceUser:
	default:
		return NewConfigurationError(p.Scope, fmt.Sprintf("unknown identity source %q", p.IdentitySource))
	}
	return nil
}

// WindowMicros returns the window length in microseconds.
func (p RateLimitPolicy) WindowMicros() int64 {
	return p.Window.Microseconds()
}

// RateLimitKey derives the store key for a scope and identity: prefix:scope:identity.
// The identity is kept verbatim after trimming, so distinct identities never collide.
func RateLimitKey(prefix, scope, identity string) string {
	scope = strings.TrimSpace(scope)
	identity = strings.TrimSpace(identity)
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return scope + ":" + identity
	}
	return prefix + ":" + scope + ":" + identity
}

// DecisionReason explains how an admission decision was reached.
type DecisionReason string

const (
	// DecisionReasonAllowed indicates the identity is within quota.
	DecisionReasonAllowed DecisionReason = "allowed"
	// DecisionReasonRateLimited indicates the quota for the window is exhausted.
	DecisionReasonRateLimited DecisionReason = "rate_limited"
	// DecisionReasonRevoked indicates the presented token was revoked.
	DecisionReasonRevoked DecisionReason = "revoked"
	// DecisionReasonStoreUnavailable indicates the store failed and the request was let through.
	DecisionReasonStoreUnavailable DecisionReason = "store_unavailable"
	// DecisionReasonRevocationUnverified indicates revocation status could not be confirmed under a strict policy.
	DecisionReasonRevocationUnverified DecisionReason = "revocation_unverified"
	// DecisionReasonDisabled indicates admission control is switched off.
	DecisionReasonDisabled DecisionReason = "disabled"
)

// AdmissionDecision is the per-request outcome handed to the transport layer.
type AdmissionDecision struct {
	Scope     string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Reason    DecisionReason
}

// HasQuota reports whether the decision carries rate-limit metadata worth exposing as headers.
// Fail-open decisions report the full limit so clients still see quota headers.
func (d AdmissionDecision) HasQuota() bool {
	switch d.Reason {
	case DecisionReasonAllowed, DecisionReasonRateLimited, DecisionReasonStoreUnavailable:
		return true
	}
	return false
}

// ResetUnix returns ResetAt rounded up to whole unix seconds, or 0 when unset.
func (d AdmissionDecision) ResetUnix() int64 {
	if d.ResetAt.IsZero() {
		return 0
	}
	secs := d.ResetAt.Unix()
	if d.ResetAt.Nanosecond() > 0 {
		secs++
	}
	return secs
}

// RetryAfter returns how long the caller should wait before the oldest counted request expires.
func (d AdmissionDecision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// WindowState is the raw outcome of one atomic sliding-window step.
type WindowState struct {
	Allowed   bool
	Count     int
	OldestAt  int64
	Reference int64
}

// MicrosToTime converts a microsecond unix timestamp into a UTC time.
func MicrosToTime(micros int64) time.Time {
	return time.UnixMicro(micros).UTC()
}

// AdmissionRequest is what the transport layer knows about a request when asking for admission.
type AdmissionRequest struct {
	Scope      string
	Identity   string
	Credential *Credential
}
