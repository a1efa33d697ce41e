// Package ratelimit provides the three-tier request limiter: a global
// ceiling, per-wallet fairness, and a per-IP fallback for anonymous traffic.
// API key tiers from the apikey middleware exempt trusted callers.
package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/nairabridge/nairabridge-server/internal/apikey"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-wallet rate limiting (identified by wallet address)
	PerWalletEnabled bool
	PerWalletLimit   int
	PerWalletWindow  time.Duration

	// Per-IP rate limiting (fallback when no wallet is identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate clients while
// stopping obvious spam.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerWalletEnabled: true,
		PerWalletLimit:   60,
		PerWalletWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

// limitHandler writes the standard error envelope with Retry-After set to
// the window length, recording the hit when metrics are wired.
func limitHandler(limitType string, window time.Duration, extractIdentifier func(*http.Request) string, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}
		if m != nil {
			m.ObserveRateLimit(limitType, identifier)
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
		apperrors.WriteError(w, apperrors.ErrCodeRateLimit,
			"rate limit exceeded, try again later",
			map[string]any{"limit_type": limitType})
	}
}

// GlobalLimiter caps total request volume. Partner-tier API keys bypass it.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, nil, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.ShouldBypassGlobalLimit(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// WalletLimiter limits per wallet address. Requests without a wallet fall
// back to their IP as the key. Enterprise and partner tiers are exempt.
func WalletLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerWalletEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerWalletLimit,
		cfg.PerWalletWindow,
		httprate.WithKeyFuncs(walletKey),
		httprate.WithLimitHandler(limitHandler("per_wallet", cfg.PerWalletWindow, WalletFromRequest, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// IPLimiter is the per-IP fallback for anonymous traffic. Enterprise and
// partner tiers are exempt.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow,
			func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// walletKey is an httprate.KeyFunc keyed on the wallet address when the
// request carries one.
func walletKey(r *http.Request) (string, error) {
	wallet := WalletFromRequest(r)
	if wallet == "" {
		return httprate.KeyByIP(r)
	}
	return "wallet:" + wallet, nil
}

// WalletFromRequest extracts the caller's wallet address from the cheap
// sources: the X-Wallet header, the {address} route param on wallet routes,
// and the wallet query parameter. Request bodies are deliberately not parsed
// here; body-borne wallets ride the IP limiter instead.
func WalletFromRequest(r *http.Request) string {
	if wallet := r.Header.Get("X-Wallet"); wallet != "" {
		return wallet
	}
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		return wallet
	}
	return ""
}
