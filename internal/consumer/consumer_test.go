package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/schema"
)

// mockSink records what it receives.
type mockSink struct {
	mu      sync.Mutex
	records []*schema.Record
	err     error
	closed  bool
}

func (m *mockSink) Write(_ context.Context, record *schema.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

func (m *mockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func newTestRecord(line string) *schema.Record {
	normalizer := schema.NewNormalizer(schema.NormalizerConfig{})
	return normalizer.Normalize(cef.Parse(line), line, schema.TransportTCP, "10.0.0.1")
}

func waitFor(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workers <= 0 {
		t.Error("Workers should be positive")
	}
	if cfg.PollInterval <= 0 {
		t.Error("PollInterval should be positive")
	}
	if cfg.ShutdownWait <= 0 {
		t.Error("ShutdownWait should be positive")
	}
}

func TestConsumer_FansOut(t *testing.T) {
	q := queue.NewRingBuffer(100)
	a, b := &mockSink{}, &mockSink{}

	c := New(q, Config{Workers: 2, PollInterval: 5 * time.Millisecond, ShutdownWait: time.Second},
		NamedSink{Name: "a", Sink: a},
		NamedSink{Name: "b", Sink: b},
	)
	c.Start(context.Background())

	for i := 0; i < 10; i++ {
		q.Push(newTestRecord("CEF:0|V|P|1|100|N|5|src=10.0.0.1"))
	}

	ok := waitFor(2*time.Second, func() bool {
		return a.count() == 10 && b.count() == 10
	})
	if !ok {
		t.Fatalf("sinks received %d and %d records, want 10 each", a.count(), b.count())
	}

	c.Stop()

	if !a.closed || !b.closed {
		t.Error("Stop() should close every sink")
	}
	m := c.Metrics()
	if m.Consumed != 10 {
		t.Errorf("Consumed = %d, want 10", m.Consumed)
	}
	if m.Errors != 0 {
		t.Errorf("Errors = %d, want 0", m.Errors)
	}
}

func TestConsumer_FailingSink(t *testing.T) {
	q := queue.NewRingBuffer(100)
	good := &mockSink{}
	bad := &mockSink{err: errors.New("unavailable")}

	c := New(q, Config{Workers: 1, PollInterval: 5 * time.Millisecond, ShutdownWait: time.Second},
		NamedSink{Name: "bad", Sink: bad},
		NamedSink{Name: "good", Sink: good},
	)
	c.Start(context.Background())

	for i := 0; i < 3; i++ {
		q.Push(newTestRecord("CEF:0|V|P|1|100|N|5|"))
	}

	if !waitFor(2*time.Second, func() bool { return good.count() == 3 }) {
		t.Fatalf("good sink received %d records, want 3", good.count())
	}
	c.Stop()

	m := c.Metrics()
	if m.Errors != 3 {
		t.Errorf("Errors = %d, want 3", m.Errors)
	}
	if m.SinkErrors["bad"] != 3 || m.SinkErrors["good"] != 0 {
		t.Errorf("SinkErrors = %v, want bad=3 good=0", m.SinkErrors)
	}
}

func TestConsumer_StopDrainsQueue(t *testing.T) {
	q := queue.NewRingBuffer(100)
	sink := &mockSink{}

	c := New(q, Config{Workers: 1, PollInterval: 5 * time.Millisecond, ShutdownWait: time.Second},
		NamedSink{Name: "mock", Sink: sink},
	)

	// Never started: everything must be written by the drain.
	for i := 0; i < 5; i++ {
		q.Push(newTestRecord("CEF:0|V|P|1|100|N|5|"))
	}
	c.Stop()
	c.Stop()

	if sink.count() != 5 {
		t.Errorf("sink received %d records, want 5", sink.count())
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestConsumer_ContextCancel(t *testing.T) {
	q := queue.NewRingBuffer(10)
	c := New(q, Config{Workers: 2, PollInterval: 5 * time.Millisecond, ShutdownWait: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after context cancellation")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger, slog.LevelInfo)

	record := newTestRecord("CEF:0|Acme|FW|1|100|Login|5|suser=alice password=hunter2")
	if err := sink.Write(context.Background(), record); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["vendor"] != "Acme" {
		t.Errorf("vendor = %v, want Acme", entry["vendor"])
	}
	exts, _ := entry["extensions"].(map[string]any)
	if exts["suser"] != "alice" {
		t.Errorf("suser = %v, want alice", exts["suser"])
	}
	if exts["password"] == "hunter2" {
		t.Error("password should be masked")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
