// Package idempotency replays cached responses for repeated POSTs carrying
// the same Idempotency-Key. The ramp endpoints that create transactions sit
// behind it so a client retrying a timed-out request cannot double-create.
package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey is the request header clients send.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL keeps replays available for a day, which outlives any
	// sane client retry policy.
	DefaultTTL = 24 * time.Hour
)

// recordingWriter captures status and body while passing them through.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// snapshotHeaders copies the response headers after the handler ran.
func (rw *recordingWriter) snapshotHeaders() map[string]string {
	headers := make(map[string]string, len(rw.ResponseWriter.Header()))
	for key := range rw.ResponseWriter.Header() {
		headers[key] = rw.ResponseWriter.Header().Get(key)
	}
	return headers
}

// Middleware caches 2xx responses keyed by method, path, and the client's
// idempotency key. A replay carries X-Idempotency-Replay: true. Requests
// without the header pass through untouched, and failures are never cached
// so the client can retry them for real.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scoping by method and path keeps one client key from
			// colliding across endpoints.
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, ok := store.Get(r.Context(), key); ok {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				store.Set(r.Context(), key, &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.snapshotHeaders(),
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
