package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"cef-viewer/internal/ingest/cef"
)

const testLine = "CEF:0|Security|threatmanager|1.0|100|worm successfully stopped|10|src=10.0.0.1 dst=2.1.2.2 spt=1232"

func TestValidator_Validate(t *testing.T) {
	validator := NewValidator()
	now := time.Now().UTC()

	validRecord := func() *Record {
		return &Record{
			ID:            uuid.New(),
			ReceivedAt:    now,
			Transport:     TransportUDP,
			SourceIP:      "192.168.1.10",
			Raw:           testLine,
			Event:         cef.Parse(testLine),
			EventTime:     now,
			Severity:      10,
			SeverityLevel: SeverityVeryHigh,
			Outcome:       OutcomeUnknown,
			SchemaVersion: SchemaVersionCurrent,
		}
	}

	t.Run("valid record", func(t *testing.T) {
		if err := validator.Validate(validRecord()); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("nil event", func(t *testing.T) {
		record := validRecord()
		record.Event = nil
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for nil event")
		}
	})

	t.Run("not CEF", func(t *testing.T) {
		record := validRecord()
		record.Event = cef.Parse("hello world")
		err := validator.Validate(record)
		if !errors.Is(err, cef.ErrNotCEF) {
			t.Errorf("Validate() error = %v, want ErrNotCEF", err)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		record := validRecord()
		record.Event = cef.Parse("CEF:0|Vendor|Product")
		err := validator.Validate(record)
		if !errors.Is(err, cef.ErrTruncatedHeader) {
			t.Errorf("Validate() error = %v, want ErrTruncatedHeader", err)
		}
	})

	t.Run("invalid transport", func(t *testing.T) {
		record := validRecord()
		record.Transport = "carrier-pigeon"
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for invalid transport")
		}
	})

	t.Run("invalid source IP", func(t *testing.T) {
		record := validRecord()
		record.SourceIP = "not-an-ip"
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for invalid source IP")
		}
	})

	t.Run("empty source IP", func(t *testing.T) {
		record := validRecord()
		record.SourceIP = ""
		if err := validator.Validate(record); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("missing ID", func(t *testing.T) {
		record := validRecord()
		record.ID = uuid.Nil
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for missing ID")
		}
	})

	t.Run("severity out of range", func(t *testing.T) {
		record := validRecord()
		record.Severity = 11
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for severity > 10")
		}
	})

	t.Run("invalid outcome", func(t *testing.T) {
		record := validRecord()
		record.Outcome = "invalid"
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for invalid outcome")
		}
	})

	t.Run("raw too large", func(t *testing.T) {
		record := validRecord()
		record.Raw = string(make([]byte, 65537))
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for oversized raw line")
		}
	})

	t.Run("event time in future", func(t *testing.T) {
		record := validRecord()
		record.EventTime = now.Add(48 * time.Hour)
		if err := validator.Validate(record); err == nil {
			t.Error("Validate() should fail for event time in future")
		}
	})

	t.Run("old event time allowed by default", func(t *testing.T) {
		record := validRecord()
		record.EventTime = now.Add(-365 * 24 * time.Hour)
		if err := validator.Validate(record); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})
}

func TestValidatorWithConfig(t *testing.T) {
	now := time.Now().UTC()

	record := func(line string, eventTime time.Time) *Record {
		return &Record{
			ID:            uuid.New(),
			ReceivedAt:    now,
			Transport:     TransportTCP,
			Event:         cef.Parse(line),
			EventTime:     eventTime,
			Severity:      -1,
			SeverityLevel: SeverityUnknown,
			Outcome:       OutcomeUnknown,
		}
	}

	t.Run("custom max age", func(t *testing.T) {
		validator := NewValidatorWithConfig(ValidatorConfig{MaxAge: time.Hour})
		if err := validator.Validate(record(testLine, now.Add(-2*time.Hour))); err == nil {
			t.Error("Validate() should fail for event time older than custom max age")
		}
	})

	t.Run("custom max future", func(t *testing.T) {
		validator := NewValidatorWithConfig(ValidatorConfig{MaxFuture: time.Minute})
		if err := validator.Validate(record(testLine, now.Add(2*time.Minute))); err == nil {
			t.Error("Validate() should fail for event time beyond custom max future")
		}
	})

	t.Run("truncated header allowed", func(t *testing.T) {
		validator := NewValidatorWithConfig(ValidatorConfig{RequireComplete: false})
		if err := validator.Validate(record("CEF:0|Vendor|Product", now)); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("non-CEF still rejected", func(t *testing.T) {
		validator := NewValidatorWithConfig(ValidatorConfig{RequireComplete: false})
		if err := validator.Validate(record("plain text", now)); !errors.Is(err, cef.ErrNotCEF) {
			t.Errorf("Validate() error = %v, want ErrNotCEF", err)
		}
	})
}

func TestOutcome_IsValid(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{OutcomeSuccess, true},
		{OutcomeFailure, true},
		{OutcomeUnknown, true},
		{Outcome("invalid"), false},
		{Outcome(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.IsValid(); got != tt.want {
				t.Errorf("Outcome.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransport_IsValid(t *testing.T) {
	tests := []struct {
		transport Transport
		want      bool
	}{
		{TransportUDP, true},
		{TransportTCP, true},
		{TransportDTLS, true},
		{TransportHTTP, true},
		{TransportKafka, true},
		{TransportFile, true},
		{Transport("smtp"), false},
		{Transport(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.transport), func(t *testing.T) {
			if got := tt.transport.IsValid(); got != tt.want {
				t.Errorf("Transport.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}
