// Package schema defines the record envelope that carries a parsed CEF line
// through the ingest pipeline to the sinks.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cef-viewer/internal/ingest/cef"
)

// SchemaVersionCurrent is the current version of the record schema.
const SchemaVersionCurrent = "1.0.0"

// Transport identifies how a line reached the pipeline.
type Transport string

const (
	TransportUDP   Transport = "udp"
	TransportTCP   Transport = "tcp"
	TransportDTLS  Transport = "dtls"
	TransportHTTP  Transport = "http"
	TransportKafka Transport = "kafka"
	TransportFile  Transport = "file"
)

// IsValid checks if the transport is a known value.
func (t Transport) IsValid() bool {
	switch t {
	case TransportUDP, TransportTCP, TransportDTLS, TransportHTTP, TransportKafka, TransportFile:
		return true
	}
	return false
}

// Outcome represents the result reported by the device.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

// SeverityLevel is the named band of a CEF severity.
type SeverityLevel string

const (
	SeverityUnknown  SeverityLevel = "unknown"
	SeverityLow      SeverityLevel = "low"
	SeverityMedium   SeverityLevel = "medium"
	SeverityHigh     SeverityLevel = "high"
	SeverityVeryHigh SeverityLevel = "very-high"
)

// Record is a parsed line plus the metadata collected on ingest.
type Record struct {
	// Required fields
	ID         uuid.UUID  `validate:"required"`
	ReceivedAt time.Time  `validate:"required"`
	Transport  Transport  `validate:"required,oneof=udp tcp dtls http kafka file"`
	Event      *cef.Event `validate:"required"`

	// Optional fields
	SourceIP string `validate:"omitempty,ip"`
	Raw      string `validate:"max=65536"`

	// Derived from the event by the normalizer
	EventTime     time.Time
	Host          string        `validate:"max=1023"`
	Severity      int           `validate:"min=-1,max=10"`
	SeverityLevel SeverityLevel `validate:"oneof=unknown low medium high very-high"`
	Outcome       Outcome       `validate:"oneof=success failure unknown"`
	SchemaVersion string
}

// Labels returns the label view of the record's extensions.
func (r *Record) Labels() map[string]string {
	if r.Event == nil {
		return nil
	}
	return r.Event.ByLabel()
}

// RecordJSON is the wire form of a record used by every sink and the HTTP API.
type RecordJSON struct {
	ID            string            `json:"id"`
	SchemaVersion string            `json:"schema_version"`
	ReceivedAt    time.Time         `json:"received_at"`
	EventTime     time.Time         `json:"event_time"`
	Transport     Transport         `json:"transport"`
	SourceIP      string            `json:"source_ip,omitempty"`
	Host          string            `json:"host,omitempty"`
	Severity      int               `json:"severity"`
	SeverityLevel SeverityLevel     `json:"severity_level"`
	Outcome       Outcome           `json:"outcome"`
	Event         *cef.Event        `json:"event"`
	Labels        map[string]string `json:"labels,omitempty"`
	Raw           string            `json:"raw,omitempty"`
}

// View flattens the record for serialization.
func (r *Record) View() RecordJSON {
	return RecordJSON{
		ID:            r.ID.String(),
		SchemaVersion: r.SchemaVersion,
		ReceivedAt:    r.ReceivedAt,
		EventTime:     r.EventTime,
		Transport:     r.Transport,
		SourceIP:      r.SourceIP,
		Host:          r.Host,
		Severity:      r.Severity,
		SeverityLevel: r.SeverityLevel,
		Outcome:       r.Outcome,
		Event:         r.Event,
		Labels:        r.Labels(),
		Raw:           r.Raw,
	}
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.View())
}

// UnmarshalJSON implements json.Unmarshaler. Labels are recomputed from the
// extensions rather than read back.
func (r *Record) UnmarshalJSON(data []byte) error {
	var v RecordJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	id, err := uuid.Parse(v.ID)
	if err != nil {
		return fmt.Errorf("invalid record id: %w", err)
	}

	*r = Record{
		ID:            id,
		SchemaVersion: v.SchemaVersion,
		ReceivedAt:    v.ReceivedAt,
		EventTime:     v.EventTime,
		Transport:     v.Transport,
		SourceIP:      v.SourceIP,
		Host:          v.Host,
		Severity:      v.Severity,
		SeverityLevel: v.SeverityLevel,
		Outcome:       v.Outcome,
		Event:         v.Event,
		Raw:           v.Raw,
	}
	if r.Event == nil {
		r.Event = &cef.Event{}
	}
	return nil
}
