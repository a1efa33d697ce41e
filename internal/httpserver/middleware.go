package httpserver

import (
	"crypto/subtle"
	"net/http"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
)

// securityHeaders adds baseline hardening headers to every response. HSTS is
// only emitted on TLS requests.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth guards the /api/admin surface with the configured X-API-Key.
// An empty configured key disables the surface entirely rather than leaving
// it open.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidSignature,
					"admin API is not enabled")
				return
			}
			presented := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidSignature,
					"invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminMetricsAuth protects /metrics with a bearer token. No configured key
// leaves the endpoint open; scrapers inside the perimeter do not carry keys.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(presented), []byte("Bearer "+apiKey)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidSignature,
					"invalid or missing metrics API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
