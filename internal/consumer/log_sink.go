package consumer

import (
	"context"
	"log/slog"

	"cef-viewer/internal/logging"
	"cef-viewer/internal/schema"
)

// LogSink writes each record to a logger, masking sensitive extensions.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Write(ctx context.Context, record *schema.Record) error {
	event := record.Event
	s.logger.Log(ctx, s.level, "cef record",
		"id", record.ID,
		"transport", record.Transport,
		"source", record.SourceIP,
		"host", record.Host,
		"vendor", event.DeviceVendor,
		"product", event.DeviceProduct,
		"signature", event.SignatureID,
		"name", event.Name,
		"severity", record.Severity,
		"outcome", record.Outcome,
		"extensions", logging.ExtensionsValue(event.Extensions),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
