// Package ingest receives CEF lines over the network, turns them into records
// and queues them for the consumer.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/logging"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/schema"
)

var (
	// ErrEmptyLine is returned for lines that hold only whitespace.
	ErrEmptyLine = errors.New("empty line")
	// ErrRejected wraps validation failures.
	ErrRejected = errors.New("record rejected")
)

// PipelineMetrics holds per-stage counters.
type PipelineMetrics struct {
	Received uint64 `json:"received"`
	Parsed   uint64 `json:"parsed"`
	Rejected uint64 `json:"rejected"`
	Queued   uint64 `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}

// Pipeline parses, normalizes, validates and queues lines. It is shared by
// every listener and safe for concurrent use.
type Pipeline struct {
	parser     *cef.Parser
	normalizer *schema.Normalizer
	validator  *schema.Validator
	queue      *queue.RingBuffer
	logger     *slog.Logger

	received atomic.Uint64
	parsed   atomic.Uint64
	rejected atomic.Uint64
	queued   atomic.Uint64
	dropped  atomic.Uint64
}

// NewPipeline creates a pipeline. A nil logger uses slog.Default.
func NewPipeline(
	parser *cef.Parser,
	normalizer *schema.Normalizer,
	validator *schema.Validator,
	q *queue.RingBuffer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		parser:     parser,
		normalizer: normalizer,
		validator:  validator,
		queue:      q,
		logger:     logger,
	}
}

// Process handles a single line. The record is returned even when it was
// rejected or dropped, so callers can report what was parsed.
func (p *Pipeline) Process(ctx context.Context, line string, transport schema.Transport, sourceIP string) (*schema.Record, error) {
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}
	p.received.Add(1)

	event := p.parser.Parse(line)
	if event.IsCEF() {
		p.parsed.Add(1)
	}

	record := p.normalizer.Normalize(event, line, transport, sourceIP)

	if err := p.validator.Validate(record); err != nil {
		p.rejected.Add(1)
		p.logger.DebugContext(ctx, "CEF line rejected",
			"error", err,
			"transport", transport,
			"source", sourceIP,
			"raw", logging.MaskSensitivePatterns(line),
		)
		return record, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if err := p.queue.Push(record); err != nil {
		p.dropped.Add(1)
		return record, err
	}
	p.queued.Add(1)

	p.logger.DebugContext(ctx, "CEF line queued",
		"id", record.ID,
		"transport", transport,
		"source", sourceIP,
		"vendor", event.DeviceVendor,
		"product", event.DeviceProduct,
		"signature", event.SignatureID,
		"extensions", logging.ExtensionsValue(event.Extensions),
	)
	return record, nil
}

// ProcessBatch handles every line of a payload. Blank lines are skipped.
// It returns the number of queued records and one error per failed line,
// prefixed with the line's index.
func (p *Pipeline) ProcessBatch(ctx context.Context, lines []string, transport schema.Transport, sourceIP string) (int, []error) {
	var accepted int
	var errs []error
	for i, line := range lines {
		if _, err := p.Process(ctx, line, transport, sourceIP); err != nil {
			if errors.Is(err, ErrEmptyLine) {
				continue
			}
			errs = append(errs, fmt.Errorf("line[%d]: %w", i, err))
			continue
		}
		accepted++
	}
	return accepted, errs
}

// Parser returns the pipeline's parser.
func (p *Pipeline) Parser() *cef.Parser {
	return p.parser
}

// Metrics returns the current pipeline counters.
func (p *Pipeline) Metrics() PipelineMetrics {
	return PipelineMetrics{
		Received: p.received.Load(),
		Parsed:   p.parsed.Load(),
		Rejected: p.rejected.Load(),
		Queued:   p.queued.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// SplitLines splits a payload on LF, dropping a trailing CR from each line
// and skipping blank lines.
func SplitLines(data []byte) []string {
	var lines []string
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		raw = bytes.TrimRight(raw, "\r")
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		lines = append(lines, string(raw))
	}
	return lines
}
