package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cef-viewer/internal/schema"
)

// TCPServerConfig holds configuration for the TCP server.
type TCPServerConfig struct {
	Address        string
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int
	Limiter        *RateLimiter // optional per-source line budget
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServer receives newline-framed CEF lines over TCP, optionally with TLS.
type TCPServer struct {
	config   TCPServerConfig
	pipeline *Pipeline
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active    atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	stats listenerStats
}

// NewTCPServer creates a new TCP server feeding the given pipeline.
func NewTCPServer(cfg TCPServerConfig, pipeline *Pipeline) *TCPServer {
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 65535
	}
	return &TCPServer{
		config:   cfg,
		pipeline: pipeline,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start opens the listener and begins accepting connections. The server
// stops when ctx is cancelled or Stop is called.
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			listener.Close()
			return err
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = listener

	slog.Info("TCP server started",
		"address", listener.Addr().String(),
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.done:
		}
	}()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			slog.Debug("TCP accept error", "error", err)
			continue
		}

		if s.config.MaxConnections > 0 && int(s.active.Load()) >= s.config.MaxConnections {
			slog.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr())
			s.stats.errors.Add(1)
			conn.Close()
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.active.Add(1)
		s.stats.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// track registers conn so shutdown can close it. It fails once shutdown began.
func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer s.untrack(conn)
	defer conn.Close()

	sourceIP := hostOf(conn.RemoteAddr())
	slog.Debug("new TCP connection", "remote", conn.RemoteAddr())

	// The scanner's limit is the larger of the buffer capacity and max, so the
	// initial buffer must not exceed it. The +2 leaves room for CRLF.
	limit := s.config.MaxLineLength + 2
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, limit)), limit)

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		if len(scanner.Bytes()) > s.config.MaxLineLength {
			s.stats.errors.Add(1)
			slog.Warn("TCP line exceeds maximum length, closing", "remote", conn.RemoteAddr(), "max", s.config.MaxLineLength)
			return
		}
		s.stats.submit(ctx, s.pipeline, s.config.Limiter, scanner.Bytes(), schema.TransportTCP, sourceIP)
	}

	if err := scanner.Err(); err != nil && !isClosed(err) {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			slog.Debug("TCP connection idle, closing", "remote", conn.RemoteAddr())
		case errors.Is(err, bufio.ErrTooLong):
			s.stats.errors.Add(1)
			slog.Warn("TCP line exceeds maximum length, closing", "remote", conn.RemoteAddr(), "max", s.config.MaxLineLength)
		default:
			slog.Debug("TCP read error", "error", err)
		}
	}
}

func (s *TCPServer) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// Stop stops the TCP server and waits for open connections to finish.
func (s *TCPServer) Stop() {
	s.shutdown()
	s.wg.Wait()

	m := s.stats.snapshot()
	slog.Info("TCP server stopped",
		"connections", m.Connections,
		"received", m.Received,
		"queued", m.Queued,
		"errors", m.Errors,
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() ListenerMetrics {
	return s.stats.snapshot()
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.active.Load())
}
