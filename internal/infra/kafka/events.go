package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	"github.com/arklim/webapp-admission/internal/infra/config"
)

const schemaVersion = "1.0"

const (
	// EventTypeTokenRevoked announces a single revoked token.
	EventTypeTokenRevoked = "token.revoked"
	// EventTypeSubjectTokensRevoked announces that every token of a subject issued before a moment is revoked.
	EventTypeSubjectTokensRevoked = "token.subject_revoked"
)

// EventPublisher implements port.RevocationEventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed revocation publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	SubjectID string           `json:"subject_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   json.RawMessage  `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, subjectID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		SubjectID: subjectID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   body,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(subjectID),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Input() <- message:
		p.logger.Debug("revocation event queued", zap.String("event_type", eventType), zap.String("event_id", id))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishTokenRevoked publishes token.revoked events.
func (p *EventPublisher) PublishTokenRevoked(ctx context.Context, event domain.TokenRevokedEvent) error {
	event.ExpiresAt = event.ExpiresAt.UTC()
	event.RevokedAt = event.RevokedAt.UTC()
	return p.publish(ctx, event.EventID, EventTypeTokenRevoked, event.SubjectID, event.RevokedAt, event)
}

// PublishSubjectTokensRevoked publishes token.subject_revoked events.
func (p *EventPublisher) PublishSubjectTokensRevoked(ctx context.Context, event domain.SubjectTokensRevokedEvent) error {
	event.RevokedAt = event.RevokedAt.UTC()
	return p.publish(ctx, event.EventID, EventTypeSubjectTokensRevoked, event.SubjectID, event.RevokedAt, event)
}

var _ port.RevocationEventPublisher = (*EventPublisher)(nil)
