package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	"github.com/arklim/webapp-admission/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, subjectID string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published", append([]zap.Field{
		zap.String("event_type", eventType),
		zap.String("subject_id", subjectID),
		zap.Time("timestamp", at.UTC()),
	}, fields...)...)
}

// PublishTokenRevoked logs token.revoked events.
func (p *StubPublisher) PublishTokenRevoked(_ context.Context, event domain.TokenRevokedEvent) error {
	p.logEvent(EventTypeTokenRevoked, event.SubjectID, event.RevokedAt,
		zap.String("jti", logger.MaskString(event.TokenID)),
		zap.Time("expires_at", event.ExpiresAt.UTC()),
		zap.String("reason", event.Reason),
		zap.String("actor", event.Actor),
	)
	return nil
}

// PublishSubjectTokensRevoked logs token.subject_revoked events.
func (p *StubPublisher) PublishSubjectTokensRevoked(_ context.Context, event domain.SubjectTokensRevokedEvent) error {
	p.logEvent(EventTypeSubjectTokensRevoked, event.SubjectID, event.RevokedAt,
		zap.Int64("ttl_seconds", event.TTLSeconds),
		zap.String("actor", event.Actor),
	)
	return nil
}

var _ port.RevocationEventPublisher = (*StubPublisher)(nil)
