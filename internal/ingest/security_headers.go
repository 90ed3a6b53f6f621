package ingest

import (
	"fmt"
	"net/http"

	"cef-viewer/internal/config"
)

// securityHeaders renders the configured headers once; they are the same
// for every response.
func securityHeaders(cfg config.HeadersConfig) http.Header {
	h := http.Header{}

	// The API only serves JSON and plain text
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")

	if cfg.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", cfg.HSTSMaxAge))
	}
	if cfg.FrameOptions != "" {
		h.Set("X-Frame-Options", cfg.FrameOptions)
	}
	if cfg.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
	}
	if cfg.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", cfg.ReferrerPolicy)
	}

	for key, value := range cfg.Custom {
		h.Set(key, value)
	}
	return h
}

// securityHeadersMiddleware sets the security headers before the handler runs.
func securityHeadersMiddleware(next http.Handler, cfg config.HeadersConfig) http.Handler {
	headers := securityHeaders(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for key, values := range headers {
			dst[key] = values
		}
		next.ServeHTTP(w, r)
	})
}
