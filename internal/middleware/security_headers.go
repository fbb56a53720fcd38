package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// SecurityHeadersConfig holds security header settings for the JSON API.
// The API serves no browser content, so the defaults lock everything down.
type SecurityHeadersConfig struct {
	Enabled bool

	// HSTS (HTTP Strict Transport Security)
	HSTSEnabled           bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	FrameOptionsValue   string // DENY or SAMEORIGIN
	ReferrerPolicyValue string

	// CORS
	CORSEnabled        bool
	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// DefaultSecurityHeadersConfig returns the default security header settings.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		Enabled:               true,
		HSTSEnabled:           false, // enable behind TLS termination
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		FrameOptionsValue:     "DENY",
		ReferrerPolicyValue:   "no-referrer",
		CORSEnabled:           false,
		CORSAllowedHeaders:    []string{"Content-Type", "X-API-Key"},
	}
}

// SecurityHeaders returns middleware that sets security and CORS headers.
// CORS preflight requests are answered directly with 204.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	allowedOrigins := make(map[string]bool)
	for _, o := range cfg.CORSAllowedOrigins {
		allowedOrigins[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.HSTSEnabled {
				hsts := fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
				if cfg.HSTSIncludeSubdomains {
					hsts += "; includeSubDomains"
				}
				w.Header().Set("Strict-Transport-Security", hsts)
			}

			if cfg.FrameOptionsValue != "" {
				w.Header().Set("X-Frame-Options", cfg.FrameOptionsValue)
			}

			w.Header().Set("X-Content-Type-Options", "nosniff")

			if cfg.ReferrerPolicyValue != "" {
				w.Header().Set("Referrer-Policy", cfg.ReferrerPolicyValue)
			}

			// Decision responses carry risk detail; keep them out of caches.
			w.Header().Set("Cache-Control", "no-store")

			if cfg.CORSEnabled {
				origin := r.Header.Get("Origin")
				if origin != "" && (allowedOrigins["*"] || allowedOrigins[origin]) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")

					if r.Method == http.MethodOptions {
						w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
						w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ", "))
						w.Header().Set("Access-Control-Max-Age", "600")
						w.WriteHeader(http.StatusNoContent)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
