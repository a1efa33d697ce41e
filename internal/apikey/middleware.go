// Package apikey resolves the caller's service tier from the X-API-Key
// header. Tiers only loosen rate limits; they never grant access to the
// admin surface, which has its own key check in the HTTP server.
package apikey

import (
	"context"
	"net/http"
	"strings"
)

// Tier is the service level attached to an API key.
type Tier string

const (
	TierFree       Tier = "free"       // Anonymous and unrecognized keys
	TierPro        Tier = "pro"        // Raised per-wallet and per-IP limits
	TierEnterprise Tier = "enterprise" // Exempt from wallet/IP limits
	TierPartner    Tier = "partner"    // Aggregator partners, exempt from all limits
)

type contextKey string

const tierContextKey contextKey = "api-key-tier"

// Config maps issued keys to their tier.
type Config struct {
	APIKeys map[string]Tier
	Enabled bool
}

// Middleware resolves the tier for every request and stores it on the
// context. An unknown or absent key degrades to TierFree rather than
// failing: the public quote and rate endpoints stay open, keys only buy
// headroom.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := TierFree
			if cfg.Enabled && len(cfg.APIKeys) > 0 {
				if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
					if keyTier, ok := cfg.APIKeys[key]; ok {
						tier = keyTier
					}
				}
			}
			ctx := context.WithValue(r.Context(), tierContextKey, tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTier returns the tier resolved for the request, defaulting to free.
func GetTier(r *http.Request) Tier {
	if tier, ok := r.Context().Value(tierContextKey).(Tier); ok {
		return tier
	}
	return TierFree
}

// IsExemptFromRateLimits reports whether the wallet and IP limiters should
// skip this request.
func IsExemptFromRateLimits(r *http.Request) bool {
	tier := GetTier(r)
	return tier == TierEnterprise || tier == TierPartner
}

// ShouldBypassGlobalLimit reports whether the global limiter should skip
// this request. Only partners bypass it; the global cap is the backstop
// against a runaway integration.
func ShouldBypassGlobalLimit(r *http.Request) bool {
	return GetTier(r) == TierPartner
}
