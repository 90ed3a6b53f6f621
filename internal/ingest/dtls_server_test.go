package ingest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"cef-viewer/internal/schema"
)

func TestDefaultDTLSServerConfig(t *testing.T) {
	cfg := DefaultDTLSServerConfig()

	if cfg.Address != ":5516" {
		t.Errorf("Address = %s, want :5516", cfg.Address)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.MaxMessageSize != 65535 {
		t.Errorf("MaxMessageSize = %d, want 65535", cfg.MaxMessageSize)
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 30s", cfg.ConnectionTimeout)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.AllowInsecure {
		t.Error("AllowInsecure should be false by default")
	}
}

func TestNewDTLSServer(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*DTLSServerConfig)
		wantErr error
	}{
		{
			name:    "requires certificate",
			modify:  func(c *DTLSServerConfig) {},
			wantErr: ErrDTLSCertRequired,
		},
		{
			name:    "key without cert",
			modify:  func(c *DTLSServerConfig) { c.KeyFile = "server.key" },
			wantErr: ErrDTLSCertRequired,
		},
		{
			name: "mutual TLS requires CA",
			modify: func(c *DTLSServerConfig) {
				c.AllowInsecure = true
				c.RequireClientCert = true
			},
			wantErr: ErrDTLSClientCertRequired,
		},
		{
			name:   "insecure allowed",
			modify: func(c *DTLSServerConfig) { c.AllowInsecure = true },
		},
		{
			name: "certificate configured",
			modify: func(c *DTLSServerConfig) {
				c.CertFile = "server.crt"
				c.KeyFile = "server.key"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDTLSServerConfig()
			tt.modify(&cfg)

			srv, err := NewDTLSServer(cfg, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewDTLSServer() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && srv == nil {
				t.Fatal("server should not be nil")
			}
		})
	}
}

func TestDTLSServer_MissingCertificateFile(t *testing.T) {
	cfg := DefaultDTLSServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.CertFile = "/nonexistent/server.crt"
	cfg.KeyFile = "/nonexistent/server.key"

	srv, err := NewDTLSServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewDTLSServer() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("Start() should fail when the certificate cannot be loaded")
	}
}

func TestDTLSServer_InitialState(t *testing.T) {
	cfg := DefaultDTLSServerConfig()
	cfg.AllowInsecure = true

	srv, _ := NewDTLSServer(cfg, nil)

	if srv.IsSecure() {
		t.Error("should not be secure before starting")
	}
	if srv.Addr() != nil {
		t.Error("Addr() should be nil before starting")
	}

	m := srv.Metrics()
	if m.Connections != 0 || m.Received != 0 || m.Errors != 0 || m.HandshakeErrors != 0 {
		t.Errorf("initial metrics = %+v, want zero", m)
	}
}

func TestDTLSServer_InsecureFallback(t *testing.T) {
	p, q := newTestPipeline(t, 100)

	cfg := DefaultDTLSServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.AllowInsecure = true
	cfg.Workers = 1

	srv, err := NewDTLSServer(cfg, p)
	if err != nil {
		t.Fatalf("NewDTLSServer() error: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	if srv.IsSecure() {
		t.Error("insecure fallback should not report secure")
	}

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(validCEFLine())); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	record, err := q.PopWithTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("expected a record in the queue: %v", err)
	}
	// Plain datagrams are recorded as UDP, not DTLS.
	if record.Transport != schema.TransportUDP {
		t.Errorf("Transport = %q, want udp", record.Transport)
	}
	if srv.Metrics().Queued != 1 {
		t.Errorf("Queued = %d, want 1", srv.Metrics().Queued)
	}
}
