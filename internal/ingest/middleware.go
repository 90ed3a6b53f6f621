package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cef-viewer/internal/config"
	"cef-viewer/internal/logging"
)

// WithMiddleware wraps the handler with middleware. The returned stop
// function releases the rate limiter.
func WithMiddleware(handler http.Handler, cfg *config.Config) (http.Handler, func()) {
	// Apply middleware in reverse order (last applied runs first)
	h := handler
	stop := func() {}

	// API key authentication (if enabled)
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}

	if cfg.RateLimit.Enabled {
		limiter := NewRateLimiter(cfg.RateLimit)
		h = rateLimitMiddleware(h, limiter, cfg.RateLimit.TrustProxy)
		stop = limiter.Stop
	}

	if cfg.Headers.Enabled {
		h = securityHeadersMiddleware(h, cfg.Headers)
	}

	h = loggingMiddleware(h)
	h = recoveryMiddleware(h)

	return h, stop
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// keyVerifier checks presented API keys against plain and bcrypt-hashed keys.
type keyVerifier struct {
	plain  [][]byte
	hashed [][]byte
}

func newKeyVerifier(keys []string) *keyVerifier {
	v := &keyVerifier{}
	for _, key := range keys {
		if strings.HasPrefix(key, "$2") {
			v.hashed = append(v.hashed, []byte(key))
			continue
		}
		v.plain = append(v.plain, []byte(key))
	}
	return v
}

func (v *keyVerifier) valid(key string) bool {
	presented := []byte(key)
	for _, k := range v.plain {
		if subtle.ConstantTimeCompare(presented, k) == 1 {
			return true
		}
	}
	for _, h := range v.hashed {
		if bcrypt.CompareHashAndPassword(h, presented) == nil {
			return true
		}
	}
	return false
}

// authMiddleware checks for a valid API key.
func authMiddleware(next http.Handler, authCfg config.AuthConfig) http.Handler {
	verifier := newKeyVerifier(authCfg.APIKeys)

	exempt := make(map[string]bool, len(authCfg.ExemptPaths))
	for _, p := range authCfg.ExemptPaths {
		exempt[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(authCfg.APIKeyHeader)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}

		if !verifier.valid(apiKey) {
			slog.Warn("rejected API key",
				"key", logging.MaskAPIKey(apiKey),
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			respondError(w, http.StatusUnauthorized, "invalid API key", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
