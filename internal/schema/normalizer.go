package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cef-viewer/internal/ingest/cef"
)

// timestampFormats are the date layouts allowed for CEF time fields, after
// milliseconds since the epoch.
var timestampFormats = []string{
	"Jan 02 2006 15:04:05.000 MST",
	"Jan 02 2006 15:04:05 MST",
	"Jan 02 2006 15:04:05.000",
	"Jan 02 2006 15:04:05",
	"Jan 02 15:04:05.000 MST",
	"Jan 02 15:04:05 MST",
	"Jan 02 15:04:05.000",
	"Jan 02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// NormalizerConfig holds configuration for the normalizer.
type NormalizerConfig struct {
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Normalizer wraps parsed events into records and derives the fields that
// sinks index on.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a new normalizer with the given configuration.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Normalizer{now: cfg.Now}
}

// Normalize builds a record for an event read from the given transport.
func (n *Normalizer) Normalize(event *cef.Event, raw string, transport Transport, sourceIP string) *Record {
	now := n.now().UTC()
	severity, level := ParseSeverity(event.Severity)

	return &Record{
		ID:            uuid.New(),
		ReceivedAt:    now,
		Transport:     transport,
		SourceIP:      sourceIP,
		Raw:           raw,
		Event:         event,
		EventTime:     n.extractTimestamp(event, now),
		Host:          extractHost(event, sourceIP),
		Severity:      severity,
		SeverityLevel: level,
		Outcome:       extractOutcome(event),
		SchemaVersion: SchemaVersionCurrent,
	}
}

// extractTimestamp uses rt, then start, then the receipt time.
func (n *Normalizer) extractTimestamp(event *cef.Event, received time.Time) time.Time {
	for _, key := range []string{"rt", "start"} {
		if v, ok := event.Extensions.Get(key); ok {
			if t, err := ParseTimestamp(v, received); err == nil {
				return t
			}
		}
	}
	return received
}

// ParseTimestamp parses a CEF time field. Layouts without a year take the
// year of ref.
func ParseTimestamp(s string, ref time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}

	for _, layout := range timestampFormats {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = t.AddDate(ref.Year(), 0, 0)
		}
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ParseSeverity maps a CEF severity to a 0-10 score and its band. Named
// severities map to the top of their band. Unrecognised values return -1.
func ParseSeverity(s string) (int, SeverityLevel) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n < 0 || n > 10:
			return -1, SeverityUnknown
		case n <= 3:
			return n, SeverityLow
		case n <= 6:
			return n, SeverityMedium
		case n <= 8:
			return n, SeverityHigh
		default:
			return n, SeverityVeryHigh
		}
	}

	switch strings.ToLower(s) {
	case "low":
		return 3, SeverityLow
	case "medium":
		return 6, SeverityMedium
	case "high":
		return 8, SeverityHigh
	case "very-high", "very high", "veryhigh":
		return 10, SeverityVeryHigh
	}
	return -1, SeverityUnknown
}

// extractHost gets the device host from extensions or falls back to the peer address.
func extractHost(event *cef.Event, sourceIP string) string {
	for _, key := range []string{"dvchost", "dvc", "shost"} {
		if v, ok := event.Extensions.Get(key); ok && v != "" {
			return v
		}
	}
	return sourceIP
}

// extractOutcome determines the outcome from the outcome and act extensions.
func extractOutcome(event *cef.Event) Outcome {
	if outcome, ok := event.Extensions.Get("outcome"); ok {
		switch strings.ToLower(outcome) {
		case "success", "succeeded", "allowed", "permit", "/success":
			return OutcomeSuccess
		case "failure", "failed", "denied", "blocked", "reject", "/failure":
			return OutcomeFailure
		}
	}

	if act, ok := event.Extensions.Get("act"); ok {
		actLower := strings.ToLower(act)
		if strings.Contains(actLower, "block") || strings.Contains(actLower, "deny") {
			return OutcomeFailure
		}
		if strings.Contains(actLower, "allow") || strings.Contains(actLower, "permit") {
			return OutcomeSuccess
		}
	}

	return OutcomeUnknown
}
