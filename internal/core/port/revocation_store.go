package port

import (
	"context"
	"time"
)

// RevocationStore keeps TTL-bound revocation markers for token identifiers and subjects.
type RevocationStore interface {
	MarkRevoked(ctx context.Context, tokenID string, reason string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	MarkSubjectRevoked(ctx context.Context, subjectID string, at time.Time, ttl time.Duration) error
	SubjectRevokedAt(ctx context.Context, subjectID string) (time.Time, bool, error)
}
