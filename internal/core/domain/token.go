package domain

import (
	"strings"
	"time"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	// TokenTypeAccess marks short-lived bearer tokens used on API calls.
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh marks long-lived tokens exchanged for new access tokens.
	TokenTypeRefresh TokenType = "refresh"
)

// Credential is the part of a verified bearer token the admission layer needs.
type Credential struct {
	TokenID   string
	SubjectID string
	Type      TokenType
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the credential has elapsed its validity window.
func (c Credential) IsExpired(at time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(at)
}

// RemainingLifetime returns how long the credential stays valid after at.
func (c Credential) RemainingLifetime(at time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(at)
}

// HasRole reports whether the credential carries the supplied role.
func (c Credential) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenRevocation records a revoked token identifier until its natural expiry.
type TokenRevocation struct {
	TokenID   string
	SubjectID string
	ExpiresAt time.Time
	Reason    string
	RevokedAt time.Time
}

// TTL returns the marker lifetime needed to outlive the token; non-positive means nothing to revoke.
func (r TokenRevocation) TTL(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

const (
	// RevocationReasonLogout is stored when a user logs out.
	RevocationReasonLogout = "logout"
	// RevocationReasonLogoutAll is stored when every token of a subject is revoked.
	RevocationReasonLogoutAll = "logout_all"
	// RevocationReasonDefault is stored when no explicit reason is supplied.
	RevocationReasonDefault = "revoked"
)
