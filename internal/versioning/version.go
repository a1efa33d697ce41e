// Package versioning negotiates the API version per request. Only v1 is
// live; v2 is reserved so clients can start sending explicit versions now.
package versioning

import (
	"context"
	"net/http"
	"strings"
)

// Version is a major API version.
type Version int

const (
	V1 Version = 1
	V2 Version = 2

	// DefaultVersion is assumed when the client does not ask for one.
	DefaultVersion = V1
)

// String renders the version as "v1", "v2".
func (v Version) String() string {
	if v <= 0 {
		return "v1"
	}
	return "v" + string(rune('0'+v))
}

type contextKey string

const versionContextKey contextKey = "api-version"

// FromContext returns the negotiated version, or the default.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(versionContextKey).(Version); ok {
		return v
	}
	return DefaultVersion
}

// WithVersion stores the version on the context.
func WithVersion(ctx context.Context, version Version) context.Context {
	return context.WithValue(ctx, versionContextKey, version)
}

// Negotiation resolves the requested API version and echoes it back on the
// response. Accepted forms, highest priority first:
//
//	X-API-Version: 2
//	Accept: application/vnd.nairabridge.v2+json
//	Accept: application/json; version=2
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := negotiateVersion(r)
		w.Header().Set("X-API-Version", version.String())
		w.Header().Set("Vary", "Accept, X-API-Version")
		next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), version)))
	})
}

func negotiateVersion(r *http.Request) Version {
	if header := r.Header.Get("X-API-Version"); header != "" {
		if v := parseVersionString(header); v > 0 {
			return v
		}
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/vnd.nairabridge.") {
		for _, part := range strings.Split(accept, ".") {
			versionPart := strings.Split(part, "+")[0]
			if strings.HasPrefix(strings.ToLower(versionPart), "v") {
				if v := parseVersionString(versionPart); v > 0 {
					return v
				}
			}
		}
	}

	if strings.Contains(accept, "version=") {
		parts := strings.Split(accept, "version=")
		if len(parts) > 1 {
			versionStr := strings.TrimSpace(strings.Split(parts[1], ";")[0])
			if v := parseVersionString(versionStr); v > 0 {
				return v
			}
		}
	}

	return DefaultVersion
}

func parseVersionString(s string) Version {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "v")
	switch s {
	case "1":
		return V1
	case "2":
		return V2
	default:
		return 0
	}
}

// DeprecationWarning stamps RFC 8594 deprecation headers on responses served
// under a version scheduled for removal.
type DeprecationWarning struct {
	deprecatedVersion Version
	sunsetDate        string // RFC 3339
	message           string
}

// NewDeprecationWarning targets one version for the warning headers.
func NewDeprecationWarning(version Version, sunsetDate, message string) *DeprecationWarning {
	return &DeprecationWarning{
		deprecatedVersion: version,
		sunsetDate:        sunsetDate,
		message:           message,
	}
}

// Middleware adds the deprecation headers when the negotiated version
// matches.
func (d *DeprecationWarning) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == d.deprecatedVersion {
			w.Header().Set("Deprecation", "true")
			if d.sunsetDate != "" {
				w.Header().Set("Sunset", d.sunsetDate)
			}
			if d.message != "" {
				w.Header().Set("Warning", `299 - "Deprecated API Version: `+d.message+`"`)
			}
		}
		next.ServeHTTP(w, r)
	})
}
