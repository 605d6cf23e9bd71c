package port

import (
	"context"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// RevocationEventPublisher announces revocations to other services sharing the token issuer.
type RevocationEventPublisher interface {
	PublishTokenRevoked(ctx context.Context, event domain.TokenRevokedEvent) error
	PublishSubjectTokensRevoked(ctx context.Context, event domain.SubjectTokensRevokedEvent) error
}
