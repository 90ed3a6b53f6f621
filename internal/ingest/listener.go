package ingest

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"cef-viewer/internal/schema"
)

// ListenerMetrics holds counters common to the network listeners.
type ListenerMetrics struct {
	Connections uint64 `json:"connections"`
	Received    uint64 `json:"received"`
	Queued      uint64 `json:"queued"`
	Errors      uint64 `json:"errors"`
	Limited     uint64 `json:"limited"`
}

// listenerStats is embedded by each listener.
type listenerStats struct {
	connections atomic.Uint64
	received    atomic.Uint64
	queued      atomic.Uint64
	errors      atomic.Uint64
	limited     atomic.Uint64
}

func (s *listenerStats) snapshot() ListenerMetrics {
	return ListenerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Queued:      s.queued.Load(),
		Errors:      s.errors.Load(),
		Limited:     s.limited.Load(),
	}
}

// submit hands every line of a datagram or frame to the pipeline. Lines
// over the source's budget are counted and dropped.
func (s *listenerStats) submit(ctx context.Context, p *Pipeline, limiter *RateLimiter, data []byte, transport schema.Transport, sourceIP string) {
	for _, line := range SplitLines(data) {
		s.received.Add(1)
		if !limiter.Allow(sourceIP).Allowed {
			s.limited.Add(1)
			continue
		}
		if _, err := p.Process(ctx, line, transport, sourceIP); err != nil {
			s.errors.Add(1)
			continue
		}
		s.queued.Add(1)
	}
}

// hostOf returns the IP part of a network address.
func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// isClosed reports whether err came from a closed listener or connection.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
