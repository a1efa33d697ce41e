// Package circuitbreaker isolates Horizon, provider API, and webhook
// calls behind independent gobreaker circuits so one failing upstream
// cannot drag the others down.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// ServiceType names an external dependency with its own breaker.
type ServiceType string

const (
	ServiceHorizon     ServiceType = "horizon"
	ServiceProviderAPI ServiceType = "provider_api"
	ServiceWebhook     ServiceType = "webhook"
)

// BreakerConfig configures a single breaker. The circuit trips on
// ConsecutiveFailures in a row, or once the failure ratio exceeds
// FailureRatio after MinRequests observations.
type BreakerConfig struct {
	MaxRequests         uint32        // requests let through while half-open
	Interval            time.Duration // closed-state counter reset period, 0 never resets
	Timeout             time.Duration // open duration before probing half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Config holds per-service breaker settings plus the global toggle.
type Config struct {
	Enabled     bool
	Horizon     BreakerConfig
	ProviderAPI BreakerConfig
	Webhook     BreakerConfig
}

// Counts are breaker statistics surfaced on the admin status endpoint.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Manager holds one breaker per external service. With Enabled false it
// carries no breakers and every Execute passes straight through.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// NewManagerFromConfig builds a Manager from the application config block.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	fromFile := func(b config.BreakerServiceConfig) BreakerConfig {
		return BreakerConfig{
			MaxRequests:         b.MaxRequests,
			Interval:            b.Interval.Duration,
			Timeout:             b.Timeout.Duration,
			ConsecutiveFailures: b.ConsecutiveFailures,
			FailureRatio:        b.FailureRatio,
			MinRequests:         b.MinRequests,
		}
	}
	return NewManager(Config{
		Enabled:     cfg.Enabled,
		Horizon:     fromFile(cfg.Horizon),
		ProviderAPI: fromFile(cfg.ProviderAPI),
		Webhook:     fromFile(cfg.Webhook),
	})
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
	if !cfg.Enabled {
		return m
	}
	for service, bc := range map[ServiceType]BreakerConfig{
		ServiceHorizon:     cfg.Horizon,
		ServiceProviderAPI: cfg.ProviderAPI,
		ServiceWebhook:     cfg.Webhook,
	} {
		m.breakers[service] = gobreaker.NewCircuitBreaker(settingsFor(string(service), bc))
	}
	return m
}

// Execute runs fn through the service's breaker. Disabled or unknown
// services execute directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State reports the breaker state, "disabled" when breakers are off and
// "not_configured" for an unknown service.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts returns the breaker's statistics, zero when disabled or unknown.
func (m *Manager) Counts(service ServiceType) Counts {
	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

func settingsFor(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_change")
		},
	}
}

// DefaultConfig returns the defaults applied when the config file has no
// circuit_breaker block. Webhook endpoints are merchant-operated and
// flakier than Horizon, so their breaker tolerates more failures.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Horizon: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		ProviderAPI: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		Webhook: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second,
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}
