package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cef-viewer/internal/config"
	"cef-viewer/internal/schema"
)

const (
	// EventsTable receives one row per record.
	EventsTable = "cef_events"
	hourlyTable = "cef_events_hourly"
)

const insertEvents = `
	INSERT INTO cef_events (
		id, received_at, event_time, transport, source_ip, host,
		cef_version, device_vendor, device_product, device_version,
		signature_id, name, severity_raw, severity, severity_level,
		outcome, header_count, ext_keys, ext_values, labels,
		schema_version, raw
	)
`

// BatchWriter buffers records and inserts them into ClickHouse in batches.
// It is a consumer sink.
type BatchWriter struct {
	client *Client
	config config.BatchWriterConfig

	buffer []*schema.Record
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics
	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a new BatchWriter. Zero settings take the
// application defaults.
func NewBatchWriter(client *Client, cfg config.BatchWriterConfig) *BatchWriter {
	defaults := config.DefaultConfig().Storage.BatchWriter
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*schema.Record, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds a record to the batch and flushes when the batch is full.
func (bw *BatchWriter) Write(ctx context.Context, record *schema.Record) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, record)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked(ctx)
	}

	return nil
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(context.Background()); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	records := bw.buffer
	bw.buffer = make([]*schema.Record, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := bw.config.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				bw.totalFailed.Add(uint64(len(records)))
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := bw.insertBatch(ctx, records); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(records)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(records)))
	return insertFailed(EventsTable, bw.config.MaxRetries+1, lastErr)
}

// insertBatch inserts a batch of records into ClickHouse.
func (bw *BatchWriter) insertBatch(ctx context.Context, records []*schema.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch, err := bw.client.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, record := range records {
		if err := batch.Append(recordRow(record)...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append record %s: %w", record.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("batch inserted", "count", len(records))
	return nil
}

// recordRow returns the column values of a record in insertEvents order.
func recordRow(r *schema.Record) []any {
	e := r.Event
	keys := make([]string, len(e.Extensions))
	values := make([]string, len(e.Extensions))
	for i, ext := range e.Extensions {
		keys[i] = ext.Key
		values[i] = ext.Value
	}

	return []any{
		r.ID,
		r.ReceivedAt,
		r.EventTime,
		string(r.Transport),
		r.SourceIP,
		r.Host,
		e.Version,
		e.DeviceVendor,
		e.DeviceProduct,
		e.DeviceVersion,
		e.SignatureID,
		e.Name,
		e.Severity,
		int8(r.Severity),
		string(r.SeverityLevel),
		string(r.Outcome),
		uint8(e.HeaderCount()),
		keys,
		values,
		r.Labels(),
		r.SchemaVersion,
		r.Raw,
	}
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close stops the flush timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	return bw.Flush(context.Background())
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
