package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/core/domain"
	"github.com/arklim/webapp-admission/internal/core/port"
	"github.com/arklim/webapp-admission/internal/infra/config"
)

// ErrUnknownEventType is returned for envelopes this consumer does not handle.
var ErrUnknownEventType = errors.New("kafka: unknown event type")

// RevocationApplier stores revocations announced by other instances.
type RevocationApplier interface {
	Record(ctx context.Context, revocation domain.TokenRevocation) (bool, error)
	RevokeAllForSubject(ctx context.Context, subjectID string, at time.Time, ttl time.Duration) error
}

// RevocationConsumerOptions controls lag monitoring and retry of store writes.
type RevocationConsumerOptions struct {
	MaxEventLag  time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// RevocationConsumer applies token.revoked and token.subject_revoked events to the revocation store.
type RevocationConsumer struct {
	applier      RevocationApplier
	metrics      port.RevocationEventMetrics
	logger       *zap.Logger
	maxEventLag  time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewRevocationConsumer constructs a consumer backed by applier.
func NewRevocationConsumer(applier RevocationApplier, metrics port.RevocationEventMetrics, logger *zap.Logger, opts RevocationConsumerOptions) *RevocationConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	consumer := &RevocationConsumer{
		applier:      applier,
		metrics:      metrics,
		logger:       logger,
		maxEventLag:  opts.MaxEventLag,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if consumer.maxAttempts <= 0 {
		consumer.maxAttempts = 3
	}
	if consumer.retryBackoff <= 0 {
		consumer.retryBackoff = 200 * time.Millisecond
	}
	return consumer
}

// WithClock overrides the consumer clock for deterministic testing.
func (c *RevocationConsumer) WithClock(clock func() time.Time) *RevocationConsumer {
	if clock != nil {
		c.now = clock
	}
	return c
}

// HandleMessage decodes a Kafka message envelope and dispatches on its event type.
func (c *RevocationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}

	eventType := envelope.EventType
	if eventType == "" {
		eventType = msg.Topic
	}

	switch {
	case strings.HasSuffix(eventType, EventTypeTokenRevoked):
		var event domain.TokenRevokedEvent
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return fmt.Errorf("decode token revoked event: %w", err)
		}
		return c.HandleTokenRevoked(ctx, event)
	case strings.HasSuffix(eventType, EventTypeSubjectTokensRevoked):
		var event domain.SubjectTokensRevokedEvent
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return fmt.Errorf("decode subject tokens revoked event: %w", err)
		}
		return c.HandleSubjectTokensRevoked(ctx, event)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

// HandleTokenRevoked stores the revocation marker unless the token has already expired.
func (c *RevocationConsumer) HandleTokenRevoked(ctx context.Context, event domain.TokenRevokedEvent) error {
	if c.applier == nil {
		return nil
	}

	c.observeLag(event.RevokedAt, zap.String("event_id", event.EventID))

	written, err := c.applier.Record(ctx, event.Revocation())
	if err != nil {
		return fmt.Errorf("apply token revocation: %w", err)
	}
	if !written {
		c.logger.Debug("skip expired revocation", zap.String("event_id", event.EventID))
		return nil
	}

	if c.metrics != nil {
		c.metrics.IncConsumed(EventTypeTokenRevoked)
	}
	return nil
}

// HandleSubjectTokensRevoked stores the subject-wide revocation marker.
func (c *RevocationConsumer) HandleSubjectTokensRevoked(ctx context.Context, event domain.SubjectTokensRevokedEvent) error {
	if c.applier == nil {
		return nil
	}

	c.observeLag(event.RevokedAt, zap.String("event_id", event.EventID))

	at := event.RevokedAt.UTC()
	if at.IsZero() {
		at = c.now()
	}
	ttl := time.Duration(event.TTLSeconds) * time.Second
	if err := c.applier.RevokeAllForSubject(ctx, event.SubjectID, at, ttl); err != nil {
		return fmt.Errorf("apply subject revocation: %w", err)
	}

	if c.metrics != nil {
		c.metrics.IncConsumed(EventTypeSubjectTokensRevoked)
	}
	return nil
}

func (c *RevocationConsumer) observeLag(revokedAt time.Time, fields ...zap.Field) {
	if revokedAt.IsZero() {
		return
	}
	lag := c.now().Sub(revokedAt)
	if lag < 0 {
		lag = 0
	}
	if c.metrics != nil {
		c.metrics.ObserveLag(lag)
	}
	if c.maxEventLag > 0 && lag > c.maxEventLag {
		c.logger.Warn("revocation event lag exceeds threshold",
			append(fields, zap.Duration("lag", lag), zap.Duration("threshold", c.maxEventLag))...)
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *RevocationConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *RevocationConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim applies every message of the claim. Undecodable messages are logged and skipped;
// store failures are retried before the message is skipped.
func (c *RevocationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleWithRetry(session.Context(), msg); err != nil {
				c.logger.Error("revocation event dropped",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *RevocationConsumer) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.HandleMessage(ctx, msg)
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Topics returns the topics a revocation consumer subscribes to for cfg.
func Topics(cfg config.KafkaSettings) []string {
	return []string{
		topicName(cfg.TopicPrefix, EventTypeTokenRevoked),
		topicName(cfg.TopicPrefix, EventTypeSubjectTokensRevoked),
	}
}

// NewConsumerGroup opens a sarama consumer group for the revocation topics.
func NewConsumerGroup(cfg config.KafkaSettings) (sarama.ConsumerGroup, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("create kafka consumer group: no brokers configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return group, nil
}

// Run consumes topics with group until ctx is cancelled.
func (c *RevocationConsumer) Run(ctx context.Context, group sarama.ConsumerGroup, topics []string) error {
	go func() {
		for err := range group.Errors() {
			c.logger.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	c.logger.Info("Revocation consumer started", zap.Strings("topics", topics))
	for {
		if err := group.Consume(ctx, topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*RevocationConsumer)(nil)
