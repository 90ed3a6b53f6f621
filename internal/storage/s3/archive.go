package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cef-viewer/internal/schema"
)

// ErrArchiverClosed is returned by writes after Close.
var ErrArchiverClosed = errors.New("s3: archiver is closed")

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	// MaxObjectBytes is the uncompressed size at which an object is flushed.
	MaxObjectBytes int `json:"max_object_bytes" yaml:"max_object_bytes"`

	// FlushInterval is how often a partial object is flushed.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		MaxObjectBytes: 8 * 1024 * 1024,
		FlushInterval:  time.Minute,
	}
}

// Archiver buffers records as NDJSON and uploads them as gzip objects keyed
// YYYY/MM/DD/HH/<id>.ndjson.gz by the receipt time of the first record.
// It is a consumer sink.
type Archiver struct {
	client *Client
	config ArchiverConfig
	logger *slog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	count   int
	first   time.Time
	timer   *time.Timer
	closed  bool
	metrics archiverMetrics
}

type archiverMetrics struct {
	recordsArchived atomic.Int64
	recordsFailed   atomic.Int64
	objectsWritten  atomic.Int64
	bytesCompressed atomic.Int64
}

// NewArchiver creates a new archiver. Zero settings take the defaults.
func NewArchiver(client *Client, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	defaults := DefaultArchiverConfig()
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = defaults.MaxObjectBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Archiver{
		client: client,
		config: cfg,
		logger: logger,
	}
	a.timer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// Write appends a record and uploads the object once it is large enough.
func (a *Archiver) Write(ctx context.Context, record *schema.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("s3: failed to marshal record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiverClosed
	}

	if a.count == 0 {
		a.first = record.ReceivedAt
	}
	a.buf.Write(data)
	a.buf.WriteByte('\n')
	a.count++

	if a.buf.Len() >= a.config.MaxObjectBytes {
		return a.flushLocked(ctx)
	}
	return nil
}

func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if err := a.flushLocked(context.Background()); err != nil {
		a.logger.Error("archive flush failed", "error", err)
	}
	a.timer.Reset(a.config.FlushInterval)
}

// flushLocked uploads the buffer. Caller must hold the lock. The buffer is
// reset whether or not the upload succeeds.
func (a *Archiver) flushLocked(ctx context.Context) error {
	if a.count == 0 {
		return nil
	}

	count := a.count
	key := objectKey(a.first, uuid.New())
	body, err := compress(a.buf.Bytes())
	a.buf.Reset()
	a.count = 0
	if err != nil {
		a.metrics.recordsFailed.Add(int64(count))
		return fmt.Errorf("s3: failed to compress archive: %w", err)
	}

	location, err := a.client.Put(ctx, Object{
		Key:             key,
		Body:            body,
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		Metadata: map[string]string{
			"record-count": strconv.Itoa(count),
		},
	})
	if err != nil {
		a.metrics.recordsFailed.Add(int64(count))
		return err
	}

	a.metrics.recordsArchived.Add(int64(count))
	a.metrics.objectsWritten.Add(1)
	a.metrics.bytesCompressed.Add(int64(len(body)))

	a.logger.Info("archived records",
		"location", location,
		"records", count,
		"bytes", len(body),
	)
	return nil
}

// Flush uploads whatever is buffered.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

// Close stops the flush timer and uploads what is buffered.
func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.timer.Stop()

	return a.flushLocked(context.Background())
}

// Restore downloads an archived object and decodes its records.
func (a *Archiver) Restore(ctx context.Context, key string) ([]*schema.Record, error) {
	data, err := a.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("s3: archive %s is not gzip: %w", key, err)
	}
	defer zr.Close()

	var records []*schema.Record
	dec := json.NewDecoder(zr)
	for {
		var r schema.Record
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return records, fmt.Errorf("s3: failed to decode archive %s: %w", key, err)
		}
		records = append(records, &r)
	}

	return records, nil
}

// ListHour lists the objects archived for the hour containing t.
func (a *Archiver) ListHour(ctx context.Context, t time.Time) ([]ObjectInfo, error) {
	return a.client.List(ctx, t.UTC().Format("2006/01/02/15/"), 0)
}

// objectKey names an object by the hour of t.
func objectKey(t time.Time, id uuid.UUID) string {
	return t.UTC().Format("2006/01/02/15/") + id.String() + ".ndjson.gz"
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ArchiverMetrics holds archiver counters.
type ArchiverMetrics struct {
	RecordsArchived int64 `json:"records_archived"`
	RecordsFailed   int64 `json:"records_failed"`
	ObjectsWritten  int64 `json:"objects_written"`
	BytesCompressed int64 `json:"bytes_compressed"`
	Pending         int   `json:"pending"`
}

// Stats returns archiver statistics.
func (a *Archiver) Stats() ArchiverMetrics {
	a.mu.Lock()
	pending := a.count
	a.mu.Unlock()

	return ArchiverMetrics{
		RecordsArchived: a.metrics.recordsArchived.Load(),
		RecordsFailed:   a.metrics.recordsFailed.Load(),
		ObjectsWritten:  a.metrics.objectsWritten.Load(),
		BytesCompressed: a.metrics.bytesCompressed.Load(),
		Pending:         pending,
	}
}
