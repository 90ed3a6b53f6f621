package ingest

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cef-viewer/internal/config"
)

// RateLimiter gives every source a fixed budget per window. The HTTP API
// spends one unit per request and the listeners one unit per line.
type RateLimiter struct {
	limit  int
	window time.Duration
	exempt map[string]bool

	mu      sync.Mutex
	sources map[string]*budget

	stop     chan struct{}
	stopOnce sync.Once

	allowed atomic.Uint64
	limited atomic.Uint64
}

type budget struct {
	spent int
	reset time.Time
}

// Decision is the outcome of spending from a source's budget.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates the HTTP request limiter: RequestsPerIP plus
// BurstSize requests per window for each client address.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return newRateLimiter(cfg.RequestsPerIP+cfg.BurstSize, cfg.WindowSize, cfg.CleanupPeriod, cfg.ExemptPaths)
}

// NewLineLimiter creates the listener limiter: LinesPerSource lines per
// window for each sending host. It returns nil when LinesPerSource is 0.
func NewLineLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.LinesPerSource <= 0 {
		return nil
	}
	return newRateLimiter(cfg.LinesPerSource, cfg.WindowSize, cfg.CleanupPeriod, nil)
}

func newRateLimiter(limit int, window, cleanup time.Duration, exemptPaths []string) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}

	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		exempt:  make(map[string]bool, len(exemptPaths)),
		sources: make(map[string]*budget),
		stop:    make(chan struct{}),
	}
	for _, p := range exemptPaths {
		rl.exempt[p] = true
	}

	go rl.cleanupLoop(cleanup)
	return rl
}

// Allow spends one unit from source's budget.
func (rl *RateLimiter) Allow(source string) Decision {
	return rl.AllowN(source, 1)
}

// AllowN spends n units from source's budget. A refused call spends nothing.
// A nil limiter allows everything.
func (rl *RateLimiter) AllowN(source string, n int) Decision {
	if rl == nil {
		return Decision{Allowed: true}
	}

	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.sources[source]
	if !ok || now.After(b.reset) {
		b = &budget{reset: now.Add(rl.window)}
		rl.sources[source] = b
	}

	d := Decision{Limit: rl.limit, Reset: b.reset}
	if b.spent+n <= rl.limit {
		b.spent += n
		d.Allowed = true
	}
	d.Remaining = rl.limit - b.spent
	rl.mu.Unlock()

	if d.Allowed {
		rl.allowed.Add(uint64(n))
	} else {
		rl.limited.Add(uint64(n))
	}
	return d
}

// Exempt reports whether an HTTP path bypasses the limiter.
func (rl *RateLimiter) Exempt(path string) bool {
	return rl.exempt[path]
}

func (rl *RateLimiter) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.expire(now)
		case <-rl.stop:
			return
		}
	}
}

// expire drops budgets whose window ended before now.
func (rl *RateLimiter) expire(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for source, b := range rl.sources {
		if now.After(b.reset) {
			delete(rl.sources, source)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.sources))
	}
}

// Stop ends the cleanup goroutine. It is safe on a nil limiter.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	Sources int    `json:"sources"`
	Allowed uint64 `json:"allowed"`
	Limited uint64 `json:"limited"`
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	sources := len(rl.sources)
	rl.mu.Unlock()

	return RateLimiterStats{
		Sources: sources,
		Allowed: rl.allowed.Load(),
		Limited: rl.limited.Load(),
	}
}

// rateLimitMiddleware refuses requests once the client's budget is spent.
func rateLimitMiddleware(next http.Handler, limiter *RateLimiter, trustProxy bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := getClientIP(r, trustProxy)
		d := limiter.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			retry := int(time.Until(d.Reset).Seconds()) + 1
			slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":     false,
				"error":       "too many requests",
				"retry_after": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request. Forwarding headers
// are read only behind a trusted proxy.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
