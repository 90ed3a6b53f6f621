package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"cef-viewer/internal/ingest"
	"cef-viewer/internal/schema"
)

// handleTimeout bounds a single handler call.
const handleTimeout = 30 * time.Second

// MessageHandler processes one message. The offset is committed only when
// it returns nil.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads an input topic in a consumer group.
type Consumer struct {
	r       messageReader
	cfg     *Config
	handle  MessageHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	consumed atomic.Uint64
	bytes    atomic.Uint64
	failures atomic.Uint64
	offset   atomic.Int64
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	Consumed uint64 `json:"consumed"`
	Bytes    uint64 `json:"bytes"`
	Failures uint64 `json:"failures"`
	Offset   int64  `json:"offset"`
}

// NewConsumer creates a group reader on cfg.Topic.
func NewConsumer(cfg *Config, handle MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if handle == nil {
		return nil, errors.New("kafka: consumer needs a message handler")
	}
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

	info, errs := loggers(logger, "kafka-reader")
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		Dialer:         d,
		MaxBytes:       10 * cfg.MaxMessageBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		Logger:         info,
		ErrorLogger:    errs,
	})

	logger.Info("kafka consumer ready", "brokers", cfg.Brokers, "topic", cfg.Topic, "group", cfg.GroupID)
	return newConsumer(r, cfg, handle, logger), nil
}

func newConsumer(r messageReader, cfg *Config, handle MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{r: r, cfg: cfg, handle: handle, logger: logger}
}

// LineHandler feeds each line of a message into the pipeline. Lines the
// parser rejects are counted by the pipeline and still let the message
// commit; lines the queue could not take fail it.
func LineHandler(p *ingest.Pipeline) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		lost := 0
		for _, line := range ingest.SplitLines(msg.Value) {
			if _, err := p.Process(ctx, line, schema.TransportKafka, ""); err != nil && !errors.Is(err, ingest.ErrRejected) {
				lost++
			}
		}
		if lost > 0 {
			return fmt.Errorf("kafka: %d lines from partition %d offset %d not queued", lost, msg.Partition, msg.Offset)
		}
		return nil
	}
}

// Start launches the read loop.
func (c *Consumer) Start() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		c.run(ctx)
	}()
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.failures.Add(1)
			c.logger.Error("kafka fetch failed", "topic", c.cfg.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		err = c.handle(hctx, msg)
		cancel()
		if err != nil {
			c.failures.Add(1)
			c.logger.Error("kafka message not processed",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("kafka commit failed", "offset", msg.Offset, "error", err)
		}
		c.consumed.Add(1)
		c.bytes.Add(uint64(len(msg.Key) + len(msg.Value)))
		c.offset.Store(msg.Offset)
	}
}

// Stats returns the consumer counters. Offset is the last committed offset.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Bytes:    c.bytes.Load(),
		Failures: c.failures.Load(),
		Offset:   c.offset.Load(),
	}
}

// Stop ends the read loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.done.Wait()

	c.logger.Info("kafka consumer stopped", "topic", c.cfg.Topic, "consumed", c.consumed.Load())
	if err := c.r.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	return nil
}
