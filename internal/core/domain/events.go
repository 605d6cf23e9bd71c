package domain

import "time"

// TokenRevokedEvent represents the payload for token.revoked messages.
type TokenRevokedEvent struct {
	EventID   string         `json:"event_id"`
	TokenID   string         `json:"jti"`
	SubjectID string         `json:"subject_id,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
	Reason    string         `json:"reason,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	RevokedAt time.Time      `json:"revoked_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SubjectTokensRevokedEvent represents the payload for token.subject_revoked messages.
type SubjectTokensRevokedEvent struct {
	EventID    string         `json:"event_id"`
	SubjectID  string         `json:"subject_id"`
	RevokedAt  time.Time      `json:"revoked_at"`
	TTLSeconds int64          `json:"ttl_seconds"`
	Actor      string         `json:"actor,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Revocation converts the event into the revocation record it describes.
func (e TokenRevokedEvent) Revocation() TokenRevocation {
	reason := e.Reason
	if reason == "" {
		reason = RevocationReasonDefault
	}
	return TokenRevocation{
		TokenID:   e.TokenID,
		SubjectID: e.SubjectID,
		ExpiresAt: e.ExpiresAt.UTC(),
		Reason:    reason,
		RevokedAt: e.RevokedAt.UTC(),
	}
}
