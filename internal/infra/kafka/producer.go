package kafka

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/infra/config"
	"github.com/arklim/webapp-admission/internal/infra/logger"
)

const clientID = "webapp-admission"

// Producer owns the Sarama AsyncProducer used for revocation events.
// Delivery failures are logged and counted; callers never block on them.
type Producer struct {
	producer sarama.AsyncProducer
	logger   *zap.Logger
	cfg      config.KafkaSettings
	failures atomic.Uint64
	done     chan struct{}
	drained  sync.WaitGroup
	closed   sync.Once
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("create kafka producer: no brokers configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	saramaConfig.ClientID = clientID

	// Revocations are rare and must survive a leader failover.
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 50 * time.Millisecond
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return newProducer(producer, cfg, logger), nil
}

func newProducer(producer sarama.AsyncProducer, cfg config.KafkaSettings, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}

	p := &Producer{
		producer: producer,
		logger:   log,
		cfg:      cfg,
		done:     make(chan struct{}),
	}

	p.drained.Add(1)
	go p.handleErrors()

	log.Info("Kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
	)

	return p
}

func (p *Producer) handleErrors() {
	defer p.drained.Done()
	for {
		select {
		case perr, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			if perr == nil {
				continue
			}
			p.failures.Add(1)
			fields := []zap.Field{zap.Error(perr.Err)}
			if perr.Msg != nil {
				fields = append(fields, zap.String("topic", perr.Msg.Topic))
				if key, err := keyString(perr.Msg.Key); err == nil {
					fields = append(fields, zap.String("subject_id", logger.MaskString(key)))
				}
			}
			p.logger.Error("revocation event delivery failed", fields...)
		case <-p.done:
			return
		}
	}
}

func keyString(key sarama.Encoder) (string, error) {
	if key == nil {
		return "", fmt.Errorf("no key")
	}
	raw, err := key.Encode()
	return string(raw), err
}

// Input exposes the send side of the underlying producer.
func (p *Producer) Input() chan<- *sarama.ProducerMessage {
	return p.producer.Input()
}

// Failures returns how many events the brokers rejected after retries.
func (p *Producer) Failures() uint64 {
	return p.failures.Load()
}

// Close flushes buffered messages and stops the error loop. Safe to call more than once.
func (p *Producer) Close() error {
	var err error
	p.closed.Do(func() {
		p.logger.Info("Closing Kafka producer")
		close(p.done)
		p.drained.Wait()
		if cerr := p.producer.Close(); cerr != nil {
			err = fmt.Errorf("close kafka producer: %w", cerr)
		}
	})
	return err
}

// TopicName returns the full topic name with prefix.
func (p *Producer) TopicName(eventType string) string {
	return topicName(p.cfg.TopicPrefix, eventType)
}

func topicName(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}

	prefix += "."
	if strings.HasPrefix(eventType, prefix) {
		return eventType
	}
	return prefix + eventType
}
