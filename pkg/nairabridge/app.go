// Package nairabridge assembles the full ramp service: storage, rate and fee
// engines, the quote service, the payment orchestrator, the Stellar monitor,
// the offramp worker, and the HTTP server. Embedders construct an App and
// either run it standalone or mount its handler on their own router.
package nairabridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/billers"
	"github.com/nairabridge/nairabridge-server/internal/circuitbreaker"
	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/dbpool"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/httpserver"
	"github.com/nairabridge/nairabridge-server/internal/idempotency"
	"github.com/nairabridge/nairabridge-server/internal/kvstore"
	"github.com/nairabridge/nairabridge-server/internal/lifecycle"
	"github.com/nairabridge/nairabridge-server/internal/logger"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/monitor"
	"github.com/nairabridge/nairabridge-server/internal/monitoring"
	"github.com/nairabridge/nairabridge-server/internal/notifications"
	"github.com/nairabridge/nairabridge-server/internal/offramp"
	"github.com/nairabridge/nairabridge-server/internal/orchestrator"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/quotes"
	"github.com/nairabridge/nairabridge-server/internal/rates"
	"github.com/nairabridge/nairabridge-server/internal/stellar"
	"github.com/nairabridge/nairabridge-server/internal/storage"
	"github.com/nairabridge/nairabridge-server/internal/webhooks"
)

// billerCacheTTL bounds how stale the bill payment catalog may get.
const billerCacheTTL = 5 * time.Minute

// worker is the shared start/stop contract the background loops follow.
type worker interface {
	Start(ctx context.Context)
	Stop()
}

// App wires the ramp components for standalone serving or embedding.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Rates            *rates.Engine
	Fees             *fees.Engine
	Quotes           *quotes.Service
	Billers          billers.Repository
	Orchestrator     *orchestrator.Orchestrator
	Webhooks         *webhooks.Processor
	IdempotencyStore *idempotency.MemoryStore

	server           *httpserver.Server
	logger           zerolog.Logger
	pool             *dbpool.SharedPool
	resources        *lifecycle.Manager
	metricsCollector *metrics.Metrics
	workers          []worker
	stopWorkers      context.CancelFunc
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	payouts  orchestrator.Payouts
	registry prometheus.Registerer
}

// WithStore sets a custom storage backend. The caller owns its lifecycle.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithPayouts injects a custom payout submitter in place of the distribution
// wallet signer.
func WithPayouts(payouts orchestrator.Payouts) Option {
	return func(o *options) {
		o.payouts = payouts
	}
}

// WithMetricsRegistry overrides the Prometheus registerer. Embedders running
// several apps in one process use this to avoid collector name collisions.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// NewApp assembles the service from configuration. Close releases every
// resource the app opened; injected dependencies stay with the caller.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nairabridge: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
		logger: logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "nairabridge-server",
			Environment: cfg.Logging.Environment,
		}),
	}

	m := metrics.New(optState.registry)
	app.metricsCollector = m
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	baseStore, err := app.initStore(cfg, optState.store, m)
	if err != nil {
		app.resources.Close()
		return nil, err
	}

	kv, err := kvstore.New(cfg.Redis, app.logger)
	if err != nil {
		app.resources.Close()
		return nil, fmt.Errorf("init kvstore: %w", err)
	}
	app.resources.Register("kvstore", kv)

	feeRepo, err := app.initFeeRepository(cfg)
	if err != nil {
		app.resources.Close()
		return nil, fmt.Errorf("init fee repository: %w", err)
	}
	app.resources.Register("fee-repository", feeRepo)
	app.Fees = fees.NewEngine(feeRepo, baseStore)

	app.Rates, err = rates.NewEngine(cfg.Rates, kv, baseStore, app.Fees, rates.NewPegProvider())
	if err != nil {
		app.resources.Close()
		return nil, fmt.Errorf("init rate engine: %w", err)
	}

	stellarClient := stellar.NewClient(cfg.Stellar, breakers, m)
	trustlines := stellar.NewTrustlineManager(cfg.Stellar, stellarClient)
	registry := providers.NewRegistry(cfg.Providers, breakers, m)

	// Lifecycle events fan out through the hook registry; the wrapped store
	// emits one event per committed status transition.
	hookRegistry := notifications.NewRegistry()
	hookRegistry.RegisterTransactionHook(notifications.LogHook{})
	hookRegistry.RegisterDeliveryHook(notifications.LogHook{})
	hookRegistry.RegisterDeliveryHook(notifications.NewPrometheusHook(m))
	emitter := notifications.NewEmitter(cfg.Notifications, baseStore, hookRegistry)
	app.Store = notifications.WrapStore(baseStore, emitter)

	payouts := optState.payouts
	if payouts == nil {
		payouts, err = app.initPayouts(cfg, stellarClient)
		if err != nil {
			app.resources.Close()
			return nil, err
		}
	}

	app.Orchestrator = orchestrator.New(app.Store, registry, payouts, m)

	app.Quotes, err = quotes.NewService(cfg.Quotes, cfg.Stellar, kv, app.Rates, app.Fees, trustlines, m)
	if err != nil {
		app.resources.Close()
		return nil, fmt.Errorf("init quote service: %w", err)
	}

	app.Billers, err = initBillers(cfg.Billers)
	if err != nil {
		app.resources.Close()
		return nil, err
	}
	app.resources.Register("biller-repository", app.Billers)

	app.Webhooks = webhooks.NewProcessor(registry, app.Store, app.Orchestrator, m, cfg.Monitor.MaxRetries)

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resources.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	app.server = httpserver.New(cfg, app.Store, app.Rates, app.Fees, app.Quotes,
		app.Billers, app.Orchestrator, app.Webhooks, trustlines,
		app.IdempotencyStore, m, app.logger)

	app.workers = []worker{
		monitor.New(cfg.Monitor, cfg.Stellar, app.Store, stellarClient, m),
		offramp.NewWorker(cfg.Offramp, app.Store, registry, payouts, m),
		webhooks.NewSweepWorker(app.Webhooks, 0),
		notifications.NewWorker(cfg.Notifications, baseStore, hookRegistry, 0),
		monitoring.NewBalanceMonitor(cfg.Monitoring, cfg.Stellar, trustlines, m),
		rates.NewRefresher(app.Rates, cfg.Rates.RefreshInterval.Duration, [][2]string{
			{"NGN", "cNGN"},
			{"cNGN", "NGN"},
		}),
	}

	return app, nil
}

// initStore selects the configured backend and wraps it with query timing.
// A postgres backend opens the shared pool so the fee repository can reuse
// the same connections.
func (a *App) initStore(cfg *config.Config, injected storage.Store, m *metrics.Metrics) (storage.Store, error) {
	if injected != nil {
		return injected, nil
	}

	storeCfg := storage.StoreConfig{
		Backend:         cfg.Storage.Backend,
		PostgresURL:     cfg.Storage.PostgresURL,
		MongoDBURL:      cfg.Storage.MongoDBURL,
		MongoDBDatabase: cfg.Storage.MongoDBDatabase,
		PostgresPool:    cfg.Storage.PostgresPool,
		SchemaMapping:   cfg.Storage.SchemaMapping,
	}

	var store storage.Store
	var err error
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresURL != "" {
		pool, poolErr := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if poolErr != nil {
			return nil, fmt.Errorf("init postgres pool: %w", poolErr)
		}
		a.pool = pool
		a.resources.Register("postgres-pool", pool)
		store, err = storage.NewStoreWithDB(storeCfg, pool.DB())
	} else {
		store, err = storage.NewStore(storeCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.resources.Register("storage", store)

	backend := cfg.Storage.Backend
	if backend == "" {
		backend = "memory"
	}
	if backend == "memory" {
		a.logger.Warn().Msg("app.storage_memory_backend")
	}
	return storage.NewMeteredStore(store, m, backend), nil
}

// initFeeRepository reuses the shared postgres pool when the tier table
// lives in the same database as the transaction store.
func (a *App) initFeeRepository(cfg *config.Config) (fees.Repository, error) {
	if cfg.Fees.Source == "postgres" && a.pool != nil {
		return fees.NewRepositoryWithDB(cfg.Fees, a.pool.DB())
	}
	return fees.NewRepository(cfg.Fees)
}

// initPayouts builds the distribution wallet signer. Without a seed the
// service still quotes and collects, but every payout attempt fails loudly.
func (a *App) initPayouts(cfg *config.Config, client *stellar.Client) (orchestrator.Payouts, error) {
	if cfg.Stellar.DistributionSeed == "" {
		a.logger.Warn().Msg("app.payouts_disabled_no_distribution_seed")
		return disabledPayouts{}, nil
	}
	builder, err := stellar.NewPaymentBuilder(cfg.Stellar, client)
	if err != nil {
		return nil, fmt.Errorf("init payment builder: %w", err)
	}
	return orchestrator.NewStellarPayouts(builder, client), nil
}

func initBillers(cfg config.BillersConfig) (billers.Repository, error) {
	switch cfg.Source {
	case "", "yaml":
		repo, err := billers.NewYAMLRepository(cfg.Services)
		if err != nil {
			return nil, fmt.Errorf("init biller catalog: %w", err)
		}
		return billers.NewCachedRepository(repo, billerCacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown biller source %q", cfg.Source)
	}
}

// disabledPayouts rejects every signing attempt. Installed when no
// distribution seed is configured.
type disabledPayouts struct{}

func (disabledPayouts) Build(context.Context, string, decimal.Decimal, string) (string, string, error) {
	return "", "", errors.New("payouts disabled: no distribution seed configured")
}

func (disabledPayouts) Submit(context.Context, string) error {
	return errors.New("payouts disabled: no distribution seed configured")
}

// Start launches the background workers. Idempotent only across
// Start/Shutdown pairs.
func (a *App) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.stopWorkers = cancel
	for _, w := range a.workers {
		w.Start(workerCtx)
	}
	a.logger.Info().Int("workers", len(a.workers)).Msg("app.workers_started")
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (a *App) ListenAndServe() error {
	a.logger.Info().Str("address", a.Config.Server.Address).Msg("app.listening")
	return a.server.ListenAndServe()
}

// Handler exposes the HTTP router for embedding.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Logger returns the process logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Shutdown drains the HTTP server, stops the workers, and releases
// resources in reverse construction order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.stopWorkers != nil {
		a.stopWorkers()
		for _, w := range a.workers {
			w.Stop()
		}
		a.stopWorkers = nil
	}
	if err := a.resources.Close(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info().Msg("app.stopped")
	return errors.Join(errs...)
}

// Close releases resources without draining HTTP. Embedders that never
// called Start or ListenAndServe use this.
func (a *App) Close() error {
	if a.stopWorkers != nil {
		a.stopWorkers()
		for _, w := range a.workers {
			w.Stop()
		}
		a.stopWorkers = nil
	}
	return a.resources.Close()
}

// LoadConfig wraps the internal loader for embedding use.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// Config is an exported alias of the internal configuration struct.
type Config = config.Config
