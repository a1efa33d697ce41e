package providers

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/circuitbreaker"
	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/httputil"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

const defaultProviderTimeout = 30 * time.Second

// Registry holds the enabled provider adapters and the configured failover
// orders. Orders are filtered down to providers that are actually enabled.
type Registry struct {
	providers       map[string]PaymentProvider
	paymentOrder    []string
	withdrawalOrder []string
}

// NewRegistry builds adapters for every enabled provider in cfg.
func NewRegistry(cfg config.ProvidersConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Registry {
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	httpClient := httputil.NewClient(timeout)
	newRest := func(provider string) *restClient {
		return &restClient{provider: provider, http: httpClient, breakers: breakers, metrics: m}
	}

	r := &Registry{providers: make(map[string]PaymentProvider)}
	if cfg.Paystack.Enabled {
		r.register(NewPaystack(cfg.Paystack, newRest("paystack")))
	}
	if cfg.Flutterwave.Enabled {
		r.register(NewFlutterwave(cfg.Flutterwave, newRest("flutterwave")))
	}
	if cfg.Stripe.Enabled {
		r.register(NewStripe(cfg.Stripe, breakers, m))
	}
	if cfg.VTPass.Enabled {
		r.register(NewVTPass(cfg.VTPass, newRest("vtpass")))
	}

	r.paymentOrder = r.filterOrder(cfg.PaymentOrder)
	r.withdrawalOrder = r.filterOrder(cfg.WithdrawalOrder)
	return r
}

func (r *Registry) register(p PaymentProvider) {
	r.providers[p.Name()] = p
}

// filterOrder drops disabled or unknown names so failover never dead-ends on
// a provider that cannot serve.
func (r *Registry) filterOrder(order []string) []string {
	out := make([]string, 0, len(order))
	for _, name := range order {
		if _, ok := r.providers[name]; ok {
			out = append(out, name)
			continue
		}
		log.Warn().Str("provider", name).Msg("providers.order_skips_disabled")
	}
	return out
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (PaymentProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"provider %q not configured", name)
	}
	return p, nil
}

// PaymentOrder is the failover order for collections.
func (r *Registry) PaymentOrder() []PaymentProvider {
	return r.resolve(r.paymentOrder)
}

// WithdrawalOrder is the failover order for bank payouts.
func (r *Registry) WithdrawalOrder() []PaymentProvider {
	return r.resolve(r.withdrawalOrder)
}

// Names lists the enabled providers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

func (r *Registry) resolve(order []string) []PaymentProvider {
	out := make([]PaymentProvider, 0, len(order))
	for _, name := range order {
		out = append(out, r.providers[name])
	}
	return out
}
