package ingest

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"cef-viewer/internal/schema"
)

// UDPServerConfig holds configuration for the UDP server.
type UDPServerConfig struct {
	Address        string
	BufferSize     int
	Workers        int
	MaxMessageSize int
	Limiter        *RateLimiter // optional per-source line budget
}

// DefaultUDPServerConfig returns the default UDP server configuration.
func DefaultUDPServerConfig() UDPServerConfig {
	return UDPServerConfig{
		Address:        ":5514",
		BufferSize:     16 * 1024 * 1024, // 16MB
		Workers:        8,
		MaxMessageSize: 65535,
	}
}

// UDPServer receives CEF datagrams in cleartext. A datagram may carry several
// newline-separated lines.
type UDPServer struct {
	config   UDPServerConfig
	pipeline *Pipeline
	conn     *net.UDPConn

	wg       sync.WaitGroup
	stopOnce sync.Once

	stats listenerStats
}

// datagram is a received payload and the peer it came from.
type datagram struct {
	data     []byte
	sourceIP string
}

// NewUDPServer creates a new UDP server feeding the given pipeline.
func NewUDPServer(cfg UDPServerConfig, pipeline *Pipeline) *UDPServer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}
	return &UDPServer{
		config:   cfg,
		pipeline: pipeline,
	}
}

// Start starts the UDP server. Prefer DTLSServer or TCP with TLS where the
// sender supports it.
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	if s.config.BufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
			slog.Warn("failed to set UDP read buffer", "error", err)
		}
	}
	s.conn = conn

	slog.Warn("UDP server started without encryption",
		"address", conn.LocalAddr().String(),
		"recommendation", "use DTLS or TCP with TLS for production",
	)

	datagrams := make(chan datagram, s.config.Workers*100)
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, datagrams)
	}

	s.wg.Add(1)
	go s.receiver(datagrams)

	go func() {
		<-ctx.Done()
		s.close()
	}()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServer) receiver(datagrams chan<- datagram) {
	defer s.wg.Done()
	defer close(datagrams)

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if isClosed(err) {
				return
			}
			slog.Debug("UDP read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case datagrams <- datagram{data: data, sourceIP: remote.IP.String()}:
		default:
			s.stats.errors.Add(1)
			slog.Debug("UDP worker queue full, dropping datagram", "source", remote.IP.String())
		}
	}
}

func (s *UDPServer) worker(ctx context.Context, datagrams <-chan datagram) {
	defer s.wg.Done()
	for d := range datagrams {
		s.stats.submit(ctx, s.pipeline, s.config.Limiter, d.data, schema.TransportUDP, d.sourceIP)
	}
}

func (s *UDPServer) close() {
	s.stopOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Stop stops the UDP server and drains received datagrams.
func (s *UDPServer) Stop() {
	s.close()
	s.wg.Wait()

	m := s.stats.snapshot()
	slog.Info("UDP server stopped",
		"received", m.Received,
		"queued", m.Queued,
		"errors", m.Errors,
	)
}

// Metrics returns the current server metrics.
func (s *UDPServer) Metrics() ListenerMetrics {
	return s.stats.snapshot()
}
