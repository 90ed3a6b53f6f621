package ingest

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"cef-viewer/internal/config"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/schema"
)

// startTCP runs a loopback TCP listener until the test ends. opts adjust the
// config before the server starts.
func startTCP(t *testing.T, opts ...func(*TCPServerConfig)) (*TCPServer, *queue.RingBuffer) {
	t.Helper()

	p, q := newTestPipeline(t, 1000)

	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.IdleTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewTCPServer(cfg, p)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, q
}

func dialTCP(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendTCP writes payload on a fresh connection and closes it.
func sendTCP(t *testing.T, srv *TCPServer, payload string) {
	t.Helper()

	conn := dialTCP(t, srv)
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	conn.Close()
}

func TestDefaultTCPServerConfig(t *testing.T) {
	cfg := DefaultTCPServerConfig()

	if cfg.Address != ":5515" || cfg.TLSEnabled {
		t.Errorf("Address = %q, TLSEnabled = %v; want :5515 without TLS", cfg.Address, cfg.TLSEnabled)
	}
	if cfg.MaxConnections != 1000 || cfg.IdleTimeout != 5*time.Minute || cfg.MaxLineLength != 65535 {
		t.Errorf("limits = %d/%v/%d, want 1000/5m/65535", cfg.MaxConnections, cfg.IdleTimeout, cfg.MaxLineLength)
	}
	if cfg.Limiter != nil {
		t.Error("Limiter should be unset by default")
	}
}

func TestNewTCPServer_DefaultsLineLength(t *testing.T) {
	srv := NewTCPServer(TCPServerConfig{}, nil)
	if srv.config.MaxLineLength != 65535 {
		t.Errorf("MaxLineLength = %d, want 65535", srv.config.MaxLineLength)
	}
	if srv.Addr() != nil {
		t.Error("Addr() should be nil before Start")
	}
}

func TestTCPServer_Lifecycle(t *testing.T) {
	t.Run("stop closes listener", func(t *testing.T) {
		srv, _ := startTCP(t)
		addr := srv.Addr().String()

		dialTCP(t, srv)
		srv.Stop()
		srv.Stop()

		if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
			conn.Close()
			t.Error("dial succeeded after Stop")
		}
	})

	t.Run("context cancel", func(t *testing.T) {
		p, _ := newTestPipeline(t, 10)
		cfg := DefaultTCPServerConfig()
		cfg.Address = "127.0.0.1:0"

		ctx, cancel := context.WithCancel(context.Background())
		srv := NewTCPServer(cfg, p)
		if err := srv.Start(ctx); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		addr := srv.Addr().String()
		cancel()

		closed := waitForCondition(2*time.Second, func() bool {
			conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
			if err != nil {
				return true
			}
			conn.Close()
			return false
		})
		if !closed {
			t.Error("listener still accepting after context cancel")
		}
		srv.Stop()
	})

	t.Run("stop before start", func(t *testing.T) {
		NewTCPServer(DefaultTCPServerConfig(), nil).Stop()
	})
}

func TestTCPServer_Framing(t *testing.T) {
	line := strings.TrimSuffix(validCEFLine(), "\n")

	tests := []struct {
		name       string
		payload    string
		wantLines  uint64
		wantQueued uint64
		wantErrors uint64
	}{
		{"single line", line + "\n", 1, 1, 0},
		{"several lines", strings.Repeat(line+"\n", 5), 5, 5, 0},
		{"crlf", line + "\r\n" + line + "\r\n", 2, 2, 0},
		{"unterminated tail", line + "\n" + line, 2, 2, 0},
		{"blank lines skipped", "\n" + line + "\n\n\n", 1, 1, 0},
		{"rejected lines", line + "\nhello world\nCEF:0|Vendor|Product|1.0\n", 3, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, q := startTCP(t)
			sendTCP(t, srv, tt.payload)

			ok := waitForCondition(2*time.Second, func() bool {
				return srv.Metrics().Received >= tt.wantLines
			})
			if !ok {
				t.Fatalf("Received = %d, want %d", srv.Metrics().Received, tt.wantLines)
			}

			m := srv.Metrics()
			if m.Received != tt.wantLines || m.Queued != tt.wantQueued || m.Errors != tt.wantErrors {
				t.Errorf("received/queued/errors = %d/%d/%d, want %d/%d/%d",
					m.Received, m.Queued, m.Errors, tt.wantLines, tt.wantQueued, tt.wantErrors)
			}
			if got := uint64(q.Len()); got != tt.wantQueued {
				t.Errorf("queue length = %d, want %d", got, tt.wantQueued)
			}
		})
	}
}

func TestTCPServer_RecordMetadata(t *testing.T) {
	srv, q := startTCP(t)
	sendTCP(t, srv, validCEFLine())

	if !waitForCondition(2*time.Second, func() bool { return q.Len() == 1 }) {
		t.Fatal("record never queued")
	}
	record, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}

	if record.Transport != schema.TransportTCP {
		t.Errorf("Transport = %q, want tcp", record.Transport)
	}
	if record.SourceIP != "127.0.0.1" {
		t.Errorf("SourceIP = %q, want 127.0.0.1", record.SourceIP)
	}
	if record.Event.Name != "Session Created" {
		t.Errorf("Name = %q, want Session Created", record.Event.Name)
	}
	if got, _ := record.Event.Extensions.Get("outcome"); got != "success" {
		t.Errorf("outcome = %q, want success", got)
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	srv, _ := startTCP(t, func(cfg *TCPServerConfig) { cfg.MaxConnections = 2 })

	dialTCP(t, srv)
	dialTCP(t, srv)
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 2 }) {
		t.Fatalf("ActiveConnections() = %d, want 2", srv.ActiveConnections())
	}

	// The third connection is accepted by the kernel and then closed.
	extra := dialTCP(t, srv)
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); err == nil {
		t.Error("connection over the limit should be closed")
	}

	m := srv.Metrics()
	if m.Connections != 2 || m.Errors != 1 {
		t.Errorf("Connections = %d, Errors = %d, want 2 and 1", m.Connections, m.Errors)
	}
}

func TestTCPServer_ActiveConnectionsDrain(t *testing.T) {
	srv, _ := startTCP(t)

	conn := dialTCP(t, srv)
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 1 }) {
		t.Fatalf("ActiveConnections() = %d, want 1", srv.ActiveConnections())
	}
	conn.Close()
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Errorf("ActiveConnections() = %d after close, want 0", srv.ActiveConnections())
	}
}

func TestTCPServer_LineLength(t *testing.T) {
	const limit = 128
	prefix := "CEF:0|V|P|1|1|n|1|msg="

	tests := []struct {
		name       string
		line       string
		wantQueued int
		wantErrors uint64
	}{
		{"at limit", prefix + strings.Repeat("x", limit-len(prefix)), 1, 0},
		{"at limit with crlf", prefix + strings.Repeat("x", limit-len(prefix)) + "\r", 1, 0},
		{"one over", prefix + strings.Repeat("x", limit-len(prefix)+1), 0, 1},
		{"far over", prefix + strings.Repeat("x", 512), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, q := startTCP(t, func(cfg *TCPServerConfig) { cfg.MaxLineLength = limit })
			sendTCP(t, srv, tt.line+"\n")

			done := waitForCondition(2*time.Second, func() bool {
				m := srv.Metrics()
				return m.Queued+m.Errors > 0
			})
			if !done {
				t.Fatal("line neither queued nor refused")
			}

			if got := srv.Metrics().Errors; got != tt.wantErrors {
				t.Errorf("Errors = %d, want %d", got, tt.wantErrors)
			}
			if q.Len() != tt.wantQueued {
				t.Errorf("queue length = %d, want %d", q.Len(), tt.wantQueued)
			}
		})
	}
}

func TestTCPServer_LineLimiter(t *testing.T) {
	limiter := NewLineLimiter(config.RateLimitConfig{LinesPerSource: 2, WindowSize: time.Minute})
	defer limiter.Stop()

	srv, q := startTCP(t, func(cfg *TCPServerConfig) { cfg.Limiter = limiter })
	sendTCP(t, srv, strings.Repeat(validCEFLine(), 4))

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Received == 4 }) {
		t.Fatalf("Received = %d, want 4", srv.Metrics().Received)
	}

	m := srv.Metrics()
	if m.Queued != 2 || m.Limited != 2 {
		t.Errorf("Queued = %d, Limited = %d, want 2 and 2", m.Queued, m.Limited)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}
