package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"cef-viewer/internal/schema"
)

// Common errors for DTLS server.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServerConfig holds configuration for the DTLS server.
type DTLSServerConfig struct {
	// Address to listen on (e.g., ":5516")
	Address string

	CertFile string
	KeyFile  string

	// CAFile verifies client certificates when RequireClientCert is set.
	CAFile            string
	RequireClientCert bool

	Workers        int
	MaxMessageSize int

	// ConnectionTimeout bounds the handshake.
	ConnectionTimeout time.Duration
	// IdleTimeout closes sessions that send nothing.
	IdleTimeout time.Duration

	// AllowInsecure falls back to plain UDP when no certificate is configured.
	AllowInsecure bool

	// Limiter is an optional per-source line budget.
	Limiter *RateLimiter
}

// DefaultDTLSServerConfig returns secure default configuration.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":5516",
		Workers:           8,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	ListenerMetrics
	HandshakeErrors uint64 `json:"handshake_errors"`
	Secure          bool   `json:"secure"`
}

// DTLSServer receives CEF datagrams over DTLS. Each datagram is decrypted by
// the session it arrived on and may carry several newline-separated lines.
type DTLSServer struct {
	config   DTLSServerConfig
	pipeline *Pipeline

	listener net.Listener
	// fallback serves plain UDP when running insecure.
	fallback *UDPServer

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	stats         listenerStats
	handshakeErrs atomic.Uint64
}

// NewDTLSServer creates a new DTLS server feeding the given pipeline.
func NewDTLSServer(cfg DTLSServerConfig, pipeline *Pipeline) (*DTLSServer, error) {
	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}

	return &DTLSServer{
		config:   cfg,
		pipeline: pipeline,
		done:     make(chan struct{}),
	}, nil
}

// Start starts the server, in plain UDP mode when insecure fallback applies.
func (s *DTLSServer) Start(ctx context.Context) error {
	if s.config.AllowInsecure && (s.config.CertFile == "" || s.config.KeyFile == "") {
		slog.Warn("DTLS listener has no certificate, falling back to plain UDP",
			"address", s.config.Address,
		)
		s.fallback = NewUDPServer(UDPServerConfig{
			Address:        s.config.Address,
			Workers:        s.config.Workers,
			MaxMessageSize: s.config.MaxMessageSize,
			Limiter:        s.config.Limiter,
		}, s.pipeline)
		return s.fallback.Start(ctx)
	}

	dtlsConfig, err := s.buildConfig(ctx)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	slog.Info("DTLS server started",
		"address", listener.Addr().String(),
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	return nil
}

func (s *DTLSServer) buildConfig(ctx context.Context) (*dtls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isClosed(err) {
				return
			}
			s.handshakeErrs.Add(1)
			slog.Debug("DTLS accept error", "error", err)
			continue
		}

		s.stats.connections.Add(1)
		s.wg.Add(1)
		go s.handleSession(ctx, conn)
	}
}

// handleSession reads datagrams from one DTLS session until it idles out,
// errors or the server stops.
func (s *DTLSServer) handleSession(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sourceIP := hostOf(conn.RemoteAddr())
	slog.Debug("new DTLS session", "remote", sourceIP)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.done:
			conn.Close()
		case <-stop:
		}
	}()

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				slog.Debug("DTLS session idle, closing", "remote", sourceIP)
			}
			return
		}
		s.stats.submit(ctx, s.pipeline, s.config.Limiter, buffer[:n], schema.TransportDTLS, sourceIP)
	}
}

func (s *DTLSServer) close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// Stop stops the server and waits for open sessions to finish.
func (s *DTLSServer) Stop() {
	if s.fallback != nil {
		s.fallback.Stop()
		return
	}

	s.close()
	s.wg.Wait()

	m := s.Metrics()
	slog.Info("DTLS server stopped",
		"connections", m.Connections,
		"handshake_errors", m.HandshakeErrors,
		"received", m.Received,
		"queued", m.Queued,
		"errors", m.Errors,
	)
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	if s.fallback != nil {
		return DTLSServerMetrics{ListenerMetrics: s.fallback.Metrics()}
	}
	return DTLSServerMetrics{
		ListenerMetrics: s.stats.snapshot(),
		HandshakeErrors: s.handshakeErrs.Load(),
		Secure:          s.listener != nil,
	}
}

// IsSecure returns true if the server is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && s.fallback == nil
}

// Addr returns the listening address, or nil before Start.
func (s *DTLSServer) Addr() net.Addr {
	if s.fallback != nil {
		return s.fallback.Addr()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
