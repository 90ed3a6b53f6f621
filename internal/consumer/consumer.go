// Package consumer drains the record queue and fans each record out to the
// configured sinks.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cef-viewer/internal/queue"
	"cef-viewer/internal/schema"
)

// Sink receives every consumed record. Implementations must be safe for
// concurrent use; Close flushes anything buffered.
type Sink interface {
	Write(ctx context.Context, record *schema.Record) error
	Close() error
}

// NamedSink pairs a sink with the name used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads records from the queue and writes them to every sink. A
// failing sink does not stop the others from receiving the record.
type Consumer struct {
	queue  *queue.RingBuffer
	sinks  []NamedSink
	config Config

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	consumed   atomic.Uint64
	errors     atomic.Uint64
	sinkErrors []atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, cfg Config, sinks ...NamedSink) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &Consumer{
		queue:      q,
		sinks:      sinks,
		config:     cfg,
		done:       make(chan struct{}),
		sinkErrors: make([]atomic.Uint64, len(sinks)),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	names := make([]string, len(c.sinks))
	for i, s := range c.sinks {
		names[i] = s.Name
	}
	slog.Info("queue consumer started", "workers", c.config.Workers, "sinks", names)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
		}

		record, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		c.dispatch(ctx, id, record)
	}
}

func (c *Consumer) dispatch(ctx context.Context, workerID int, record *schema.Record) {
	failed := false
	for i, s := range c.sinks {
		if err := s.Sink.Write(ctx, record); err != nil {
			failed = true
			c.sinkErrors[i].Add(1)
			slog.Error("failed to write record",
				"worker_id", workerID,
				"sink", s.Name,
				"record_id", record.ID,
				"error", err,
			)
		}
	}
	if failed {
		c.errors.Add(1)
		return
	}
	c.consumed.Add(1)
}

// Drain writes whatever is still queued to the sinks. It is used on shutdown
// once the listeners have stopped.
func (c *Consumer) Drain(ctx context.Context) int {
	var n int
	for {
		batch := c.queue.Drain(256)
		if len(batch) == 0 {
			return n
		}
		for _, record := range batch {
			c.dispatch(ctx, -1, record)
		}
		n += len(batch)
	}
}

// Stop stops the workers, drains the queue and closes every sink.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		// Wait for workers with timeout
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("queue consumer stopped gracefully")
		case <-time.After(c.config.ShutdownWait):
			slog.Warn("queue consumer shutdown timed out")
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownWait)
		defer cancel()
		if n := c.Drain(ctx); n > 0 {
			slog.Info("drained queued records", "count", n)
		}

		for _, s := range c.sinks {
			if err := s.Sink.Close(); err != nil {
				slog.Error("failed to close sink", "sink", s.Name, "error", err)
			}
		}
	})
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	m := ConsumerMetrics{
		Consumed:   c.consumed.Load(),
		Errors:     c.errors.Load(),
		SinkErrors: make(map[string]uint64, len(c.sinks)),
	}
	for i, s := range c.sinks {
		m.SinkErrors[s.Name] = c.sinkErrors[i].Load()
	}
	return m
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed   uint64            `json:"consumed"`
	Errors     uint64            `json:"errors"`
	SinkErrors map[string]uint64 `json:"sink_errors"`
}
