// Package httpserver is the HTTP surface: public ramp endpoints, provider
// webhook intake, and the admin surface, wired onto a chi router with the
// shared middleware stack.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/apikey"
	"github.com/nairabridge/nairabridge-server/internal/billers"
	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/idempotency"
	"github.com/nairabridge/nairabridge-server/internal/logger"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/orchestrator"
	"github.com/nairabridge/nairabridge-server/internal/quotes"
	"github.com/nairabridge/nairabridge-server/internal/ratelimit"
	"github.com/nairabridge/nairabridge-server/internal/rates"
	"github.com/nairabridge/nairabridge-server/internal/storage"
	"github.com/nairabridge/nairabridge-server/internal/versioning"
	"github.com/nairabridge/nairabridge-server/internal/webhooks"
)

var serverStartTime = time.Now()

// AccountReader is the Horizon view the wallet endpoints need. Satisfied by
// stellar.TrustlineManager.
type AccountReader interface {
	AssetBalance(ctx context.Context, accountID string) (decimal.Decimal, bool, error)
	NativeBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	HasTrustline(ctx context.Context, accountID string) (bool, error)
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	store            storage.Store
	rates            *rates.Engine
	fees             *fees.Engine
	quotes           *quotes.Service
	billers          billers.Repository
	orchestrator     *orchestrator.Orchestrator
	webhooks         *webhooks.Processor
	accounts         AccountReader
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(cfg *config.Config, store storage.Store, rateEngine *rates.Engine, feeEngine *fees.Engine, quoteSvc *quotes.Service, billerRepo billers.Repository, orch *orchestrator.Orchestrator, webhookProc *webhooks.Processor, accounts AccountReader, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              cfg,
			store:            store,
			rates:            rateEngine,
			fees:             feeEngine,
			quotes:           quoteSvc,
			billers:          billerRepo,
			orchestrator:     orch,
			webhooks:         webhookProc,
			accounts:         accounts,
			idempotencyStore: idempotencyStore,
			metrics:          metricsCollector,
			logger:           appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

// configureRouter attaches middleware and routes. Middleware order matters:
// logging before request id so the id lands in the request-scoped logger,
// API key resolution before the rate limiters so tier exemptions apply.
func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", "ETag", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeaders)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(versioning.Negotiation)

	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier, len(cfg.APIKey.Keys)),
	}
	for key, tier := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tier)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		PerWalletEnabled: cfg.RateLimit.PerWalletEnabled,
		PerWalletLimit:   cfg.RateLimit.PerWalletLimit,
		PerWalletWindow:  cfg.RateLimit.PerWalletWindow.Duration,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		Metrics:          s.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.WalletLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight reads: health, catalog lookups, metrics. Short timeout so
	// a stalled Horizon or provider call cannot pin these.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", s.health)
		r.Get(prefix+"/api/rates", s.getRates)
		r.Get(prefix+"/api/fees", s.getFees)
		r.Get(prefix+"/api/bills/providers", s.listBillers)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.Handler())
	})

	idempotencyMW := idempotency.Middleware(s.idempotencyStore, idempotency.DefaultTTL)

	// Transactional endpoints: quote creation, ramp initiation, webhook
	// intake. These reach Horizon and provider APIs, so they get the long
	// timeout, and every POST that creates state rides the idempotency cache.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(idempotencyMW).Post(prefix+"/api/quotes/onramp", s.createOnrampQuote)
		r.With(idempotencyMW).Post(prefix+"/api/payments/initiate", s.initiatePayment)
		r.With(idempotencyMW).Post(prefix+"/api/transactions/offramp", s.createOfframp)
		r.With(idempotencyMW).Post(prefix+"/api/bills/pay", s.createBillPayment)
		r.Get(prefix+"/api/transactions/{id}", s.getTransaction)
		r.Get(prefix+"/api/wallet/{address}/balances", s.walletBalances)

		// Webhook URLs must stay stable for the providers; no idempotency
		// middleware here, the processor has its own dedupe log.
		r.Post(prefix+"/api/webhooks/{provider}", s.handleProviderWebhook)

		r.Route(prefix+"/api/admin", func(r chi.Router) {
			r.Use(adminAuth(cfg.Server.AdminAPIKey))
			r.Post("/rates", s.adminUpdateRate)
			r.Post("/fees/tiers", s.adminUpsertFeeTier)
			r.Post("/notifications/{id}/requeue", s.adminRequeueNotification)
		})
	})
}

// Handler exposes the configured router for embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
