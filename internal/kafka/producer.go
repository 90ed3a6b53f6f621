package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"cef-viewer/internal/schema"
)

var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
)

// permanent lists broker errors that retrying cannot fix.
var permanent = []error{
	kafka.MessageSizeTooLarge,
	kafka.InvalidTopic,
	kafka.TopicAuthorizationFailed,
	kafka.GroupAuthorizationFailed,
	kafka.ClusterAuthorizationFailed,
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes records as JSON keyed by record ID.
type Producer struct {
	w      messageWriter
	cfg    *Config
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Uint64
	bytes     atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64

	mu      sync.Mutex
	lastErr error
	lastAt  time.Time
}

// ProducerStats is a snapshot of producer counters.
type ProducerStats struct {
	Published   uint64    `json:"published"`
	Bytes       uint64    `json:"bytes"`
	Retries     uint64    `json:"retries"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// NewProducer dials nothing up front; the writer connects on first Write.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	info, errs := loggers(logger, "kafka-writer")
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		BatchBytes:   int64(cfg.MaxMessageBytes),
		MaxAttempts:  1,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
		RequiredAcks: cfg.RequiredAcks,
		Compression:  cfg.codec(),
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
			TLS:         d.TLS,
			SASL:        d.SASLMechanism,
		},
		Logger:      info,
		ErrorLogger: errs,
	}

	logger.Info("kafka producer ready",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)
	return newProducer(w, cfg, logger), nil
}

func newProducer(w messageWriter, cfg *Config, logger *slog.Logger) *Producer {
	return &Producer{w: w, cfg: cfg, logger: logger}
}

// Write publishes one record. Transport and schema version travel as
// headers so readers can route without decoding the value.
func (p *Producer) Write(ctx context.Context, record *schema.Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka: encode record %s: %w", record.ID, err)
	}
	return p.publish(ctx, kafka.Message{
		Key:   []byte(record.ID.String()),
		Value: value,
		Time:  record.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "transport", Value: []byte(record.Transport)},
			{Key: "schema_version", Value: []byte(record.SchemaVersion)},
		},
	})
}

// publish writes msg, retrying transient failures with doubling backoff.
func (p *Producer) publish(ctx context.Context, msg kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	wait := p.cfg.RetryBackoff
	attempts := p.cfg.MaxRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		if err = p.w.WriteMessages(ctx, msg); err == nil {
			p.published.Add(1)
			p.bytes.Add(uint64(len(msg.Key) + len(msg.Value)))
			return nil
		}
		p.fail(err)
		p.logger.Warn("kafka publish failed", "topic", p.cfg.Topic, "attempt", i+1, "error", err)

		if isPermanent(err) {
			return fmt.Errorf("kafka: publish to %s: %w", p.cfg.Topic, err)
		}
	}
	return fmt.Errorf("kafka: publish to %s failed after %d attempts: %w", p.cfg.Topic, attempts, err)
}

func (p *Producer) fail(err error) {
	p.failures.Add(1)
	p.mu.Lock()
	p.lastErr, p.lastAt = err, time.Now()
	p.mu.Unlock()
}

// Stats returns the producer counters.
func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{
		Published: p.published.Load(),
		Bytes:     p.bytes.Load(),
		Retries:   p.retries.Load(),
		Failures:  p.failures.Load(),
	}
	p.mu.Lock()
	if p.lastErr != nil {
		s.LastError, s.LastErrorAt = p.lastErr.Error(), p.lastAt
	}
	p.mu.Unlock()
	return s
}

// Close flushes buffered messages. Later calls are no-ops.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "topic", p.cfg.Topic, "published", p.published.Load())
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

func isPermanent(err error) bool {
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
