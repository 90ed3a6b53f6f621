package schema

import (
	"testing"
	"time"

	"cef-viewer/internal/ingest/cef"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
}

func TestNormalizer_Normalize(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{Now: fixedNow})

	line := "CEF:0|Security|threatmanager|1.0|100|worm stopped|7|rt=1710417600000 dvchost=fw01 act=blocked"
	record := n.Normalize(cef.Parse(line), line, TransportTCP, "10.1.1.1")

	if record.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("ID not assigned")
	}
	if !record.ReceivedAt.Equal(fixedNow()) {
		t.Errorf("ReceivedAt = %v, want %v", record.ReceivedAt, fixedNow())
	}
	if want := time.UnixMilli(1710417600000).UTC(); !record.EventTime.Equal(want) {
		t.Errorf("EventTime = %v, want %v", record.EventTime, want)
	}
	if record.Host != "fw01" {
		t.Errorf("Host = %q, want fw01", record.Host)
	}
	if record.Severity != 7 || record.SeverityLevel != SeverityHigh {
		t.Errorf("Severity = %d/%s, want 7/high", record.Severity, record.SeverityLevel)
	}
	if record.Outcome != OutcomeFailure {
		t.Errorf("Outcome = %s, want failure", record.Outcome)
	}
	if record.Transport != TransportTCP || record.SourceIP != "10.1.1.1" || record.Raw != line {
		t.Errorf("envelope fields not carried: %+v", record)
	}
	if record.SchemaVersion != SchemaVersionCurrent {
		t.Errorf("SchemaVersion = %q", record.SchemaVersion)
	}
}

func TestNormalizer_Fallbacks(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{Now: fixedNow})

	line := "CEF:0|V|P|1|sig|name|bogus|msg=hello"
	record := n.Normalize(cef.Parse(line), line, TransportUDP, "192.0.2.7")

	if !record.EventTime.Equal(fixedNow()) {
		t.Errorf("EventTime = %v, want receipt time", record.EventTime)
	}
	if record.Host != "192.0.2.7" {
		t.Errorf("Host = %q, want source IP", record.Host)
	}
	if record.Severity != -1 || record.SeverityLevel != SeverityUnknown {
		t.Errorf("Severity = %d/%s, want -1/unknown", record.Severity, record.SeverityLevel)
	}
	if record.Outcome != OutcomeUnknown {
		t.Errorf("Outcome = %s, want unknown", record.Outcome)
	}
}

func TestParseTimestamp(t *testing.T) {
	ref := fixedNow()

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"epoch millis", "1710417600000", time.UnixMilli(1710417600000).UTC(), false},
		{"with year", "Mar 14 2024 10:20:30", time.Date(2024, 3, 14, 10, 20, 30, 0, time.UTC), false},
		{"with millis and zone", "Mar 14 2024 10:20:30.250 UTC", time.Date(2024, 3, 14, 10, 20, 30, 250e6, time.UTC), false},
		{"without year", "Jan 05 08:00:00", time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC), false},
		{"rfc3339", "2024-03-14T10:20:30Z", time.Date(2024, 3, 14, 10, 20, 30, 0, time.UTC), false},
		{"garbage", "yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input, ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimestamp(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input     string
		wantScore int
		wantLevel SeverityLevel
	}{
		{"0", 0, SeverityLow},
		{"3", 3, SeverityLow},
		{"4", 4, SeverityMedium},
		{"6", 6, SeverityMedium},
		{"8", 8, SeverityHigh},
		{"10", 10, SeverityVeryHigh},
		{"11", -1, SeverityUnknown},
		{"Low", 3, SeverityLow},
		{"Very-High", 10, SeverityVeryHigh},
		{"", -1, SeverityUnknown},
		{"Unknown", -1, SeverityUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			score, level := ParseSeverity(tt.input)
			if score != tt.wantScore || level != tt.wantLevel {
				t.Errorf("ParseSeverity(%q) = %d/%s, want %d/%s", tt.input, score, level, tt.wantScore, tt.wantLevel)
			}
		})
	}
}

func TestExtractOutcome(t *testing.T) {
	tests := []struct {
		ext  string
		want Outcome
	}{
		{"outcome=success", OutcomeSuccess},
		{"outcome=Failure", OutcomeFailure},
		{"act=Allowed", OutcomeSuccess},
		{"act=deny", OutcomeFailure},
		{"outcome=maybe act=permit", OutcomeSuccess},
		{"msg=hi", OutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			event := cef.Parse("CEF:0|V|P|1|s|n|1|" + tt.ext)
			if got := extractOutcome(event); got != tt.want {
				t.Errorf("extractOutcome(%q) = %s, want %s", tt.ext, got, tt.want)
			}
		})
	}
}
