package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Stellar        StellarConfig        `yaml:"stellar"`
	Storage        StorageConfig        `yaml:"storage"`
	Redis          RedisConfig          `yaml:"redis"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Fees           FeesConfig           `yaml:"fees"`
	Rates          RatesConfig          `yaml:"rates"`
	Quotes         QuotesConfig         `yaml:"quotes"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Offramp        OfframpConfig        `yaml:"offramp"`
	Billers        BillersConfig        `yaml:"billers"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api", "/nairabridge")
	AdminAPIKey        string   `yaml:"admin_api_key"`         // X-API-Key for /api/admin endpoints; empty disables the admin surface
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StellarConfig holds Stellar network and wallet configuration.
type StellarConfig struct {
	Network            string   `yaml:"network"`             // "testnet" or "pubnet"
	HorizonURL         string   `yaml:"horizon_url"`         // Auto-derived from network when empty
	NetworkPassphrase  string   `yaml:"network_passphrase"`  // Auto-derived from network when empty
	AssetCode          string   `yaml:"asset_code"`          // Stablecoin asset code (default: cNGN)
	AssetIssuer        string   `yaml:"asset_issuer"`        // Issuer account of the stablecoin
	SystemWallet       string   `yaml:"system_wallet"`       // Receives user cNGN for offramps and bill payments
	DistributionWallet string   `yaml:"distribution_wallet"` // Sends cNGN for onramp payouts and refunds
	DistributionSeed   string   `yaml:"-"`                   // Loaded from env (NAIRABRIDGE_DISTRIBUTION_SEED), never from file
	BaseFeeStroops     int64    `yaml:"base_fee_stroops"`    // Per-operation fee bid (default: 100)
	SubmitTimeout      Duration `yaml:"submit_timeout"`      // Transaction submission timeout (default: 30s)
	RequestTimeout     Duration `yaml:"request_timeout"`     // Horizon query timeout (default: 10s)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings for all entities
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Transactions  TableMappingConfig `yaml:"transactions"`   // Transaction rows
	WebhookEvents TableMappingConfig `yaml:"webhook_events"` // Inbound webhook dedupe log
	WebhookQueue  TableMappingConfig `yaml:"webhook_queue"`  // Outbound notification queue
	FeeTiers      TableMappingConfig `yaml:"fee_tiers"`      // Fee tier table
	ExchangeRates TableMappingConfig `yaml:"exchange_rates"` // Exchange rate history
	Conversions   TableMappingConfig `yaml:"conversions"`    // Conversion audit rows
	Cursors       TableMappingConfig `yaml:"cursors"`        // Ledger scan cursors
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"` // Custom table/collection name
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// RedisConfig holds the key-value cache backend configuration.
// When Addr is empty the process falls back to the in-memory KV store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // host:port, empty disables Redis
	Password string `yaml:"password"` // Loaded from env in production
	DB       int    `yaml:"db"`       // Logical database index
}

// ProvidersConfig holds payment provider credentials and routing order.
type ProvidersConfig struct {
	Paystack        ProviderCredentials `yaml:"paystack"`
	Flutterwave     ProviderCredentials `yaml:"flutterwave"`
	Stripe          StripeConfig        `yaml:"stripe"`
	VTPass          VTPassConfig        `yaml:"vtpass"`
	PaymentOrder    []string            `yaml:"payment_order"`    // Failover order for collections (onramp deposits)
	WithdrawalOrder []string            `yaml:"withdrawal_order"` // Failover order for bank payouts (offramp withdrawals)
	RequestTimeout  Duration            `yaml:"request_timeout"`  // Per-request HTTP timeout (default: 30s)
}

// ProviderCredentials holds credentials for an NGN rail provider.
type ProviderCredentials struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"` // Flutterwave verif-hash; Paystack signs with the secret key
}

// StripeConfig holds Stripe card-rail configuration.
type StripeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Mode          string `yaml:"mode"` // live | test
}

// VTPassConfig holds the bill payment aggregator configuration.
type VTPassConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	PublicKey     string `yaml:"public_key"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// FeesConfig holds fee engine configuration.
type FeesConfig struct {
	Source            string          `yaml:"source"`              // "yaml", "postgres", or "mongodb"
	PostgresURL       string          `yaml:"postgres_url"`        // PostgreSQL connection string
	PostgresTableName string          `yaml:"postgres_table_name"` // Table name (auto-populated from schema_mapping)
	MongoDBURL        string          `yaml:"mongodb_url"`         // MongoDB connection string
	MongoDBDatabase   string          `yaml:"mongodb_database"`    // MongoDB database name
	MongoDBCollection string          `yaml:"mongodb_collection"`  // Collection name (default: "fee_tiers")
	Tiers             []FeeTierConfig `yaml:"tiers"`               // Only used when Source = "yaml"
	PostgresPool      PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
}

// FeeTierConfig defines a single fee tier in YAML configuration.
// All monetary values are decimal strings to preserve precision.
type FeeTierConfig struct {
	TransactionType    string `yaml:"transaction_type"`     // onramp, offramp, bill_payment, or split keys like onramp_provider
	Provider           string `yaml:"provider"`             // paystack, flutterwave, stripe, vtpass, or "" for any
	Method             string `yaml:"method"`               // bank_transfer, card, ussd, or "" for any
	MinAmount          string `yaml:"min_amount"`           // NGN, "" means unbounded below
	MaxAmount          string `yaml:"max_amount"`           // NGN, "" means unbounded above
	ProviderFeePercent string `yaml:"provider_fee_percent"` // e.g. "1.5" for 1.5%
	ProviderFeeFlat    string `yaml:"provider_fee_flat"`    // NGN added after the percentage
	ProviderFeeCap     string `yaml:"provider_fee_cap"`     // NGN ceiling, "" means no cap
	PlatformFeePercent string `yaml:"platform_fee_percent"` // Platform cut, percent of gross
	EffectiveFrom      string `yaml:"effective_from"`       // RFC3339 timestamp, "" means always in force
	EffectiveUntil     string `yaml:"effective_until"`      // RFC3339 timestamp, "" means open-ended
}

// RatesConfig holds exchange rate engine configuration.
type RatesConfig struct {
	MaxRateDeviation string   `yaml:"max_rate_deviation"` // Peg tolerance, e.g. "0.02" for ±2%
	CacheTTL         Duration `yaml:"cache_ttl"`          // KV cache lifetime for resolved rates (default: 60s)
	RateExpiry       Duration `yaml:"rate_expiry"`        // Validity stamped on stored rates (default: 5m)
	RefreshInterval  Duration `yaml:"refresh_interval"`   // Background refresh cadence (default: 60s)
}

// QuotesConfig holds onramp quote service configuration.
type QuotesConfig struct {
	TTL                   Duration `yaml:"ttl"`                      // Quote validity window (default: 180s)
	MinAmountNGN          string   `yaml:"min_amount_ngn"`           // Minimum deposit, decimal string (default: "1000")
	DisableLiquidityCheck bool     `yaml:"disable_liquidity_check"`  // Skip distribution wallet balance check (tests only)
}

// MonitorConfig holds the Stellar transaction monitor configuration.
type MonitorConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`     // Outbound pending-poll cadence (default: 10s)
	MonitoringWindow Duration `yaml:"monitoring_window"` // How far back pending rows are considered (default: 24h)
	MaxRetries       int      `yaml:"max_retries"`       // Retry budget for retryable submission errors (default: 5)
	RetryTimeout     Duration `yaml:"retry_timeout"`     // Absolute deadline from created_at (default: 30m)
	InboundPageLimit int      `yaml:"inbound_page_limit"` // Horizon page size for inbound scans (default: 200)
}

// OfframpConfig holds the offramp worker configuration.
type OfframpConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`  // Stage advance cadence (default: 10s)
	PendingTTL    Duration `yaml:"pending_ttl"`    // pending_payment expiry window (default: 30m)
	SweepInterval Duration `yaml:"sweep_interval"` // Expiry sweep cadence (default: 5m)
	RetryTimeout  Duration `yaml:"retry_timeout"`  // Deadline from created_at for transfers and refunds (default: 30m)
	BatchSize     int      `yaml:"batch_size"`     // Max rows advanced per cycle (default: 50)
}

// BillersConfig holds the bill payment catalog configuration.
type BillersConfig struct {
	Source   string            `yaml:"source"`   // "yaml" (catalog below) or "vtpass" (live catalog)
	Services map[string]Biller `yaml:"services"` // Only used when Source = "yaml"
}

// Biller defines a payable service in YAML configuration.
type Biller struct {
	ServiceID     string   `yaml:"service_id"`     // Aggregator service identifier (e.g. "mtn", "dstv")
	Name          string   `yaml:"name"`           // Display name
	Category      string   `yaml:"category"`       // airtime, data, tv, electricity
	MinAmountNGN  string   `yaml:"min_amount_ngn"` // Decimal string, "" means no floor
	MaxAmountNGN  string   `yaml:"max_amount_ngn"` // Decimal string, "" means no ceiling
	States        []string `yaml:"states"`         // Served states (electricity discos); empty means nationwide
	RequiresMeter bool     `yaml:"requires_meter"` // Customer/meter number must be verified before purchase
}

// NotificationsConfig holds outbound webhook notification configuration.
type NotificationsConfig struct {
	EventURL      string            `yaml:"event_url"`      // Downstream endpoint for transaction events
	SigningSecret string            `yaml:"signing_secret"` // HMAC-SHA256 key for X-Nairabridge-Signature
	Headers       map[string]string `yaml:"headers"`
	BodyTemplate  string            `yaml:"body_template"`
	Timeout       Duration          `yaml:"timeout"`
	Retry         RetryConfig       `yaml:"retry"` // Retry configuration with exponential backoff
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum retry attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// MonitoringConfig holds wallet balance monitoring configuration.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // Webhook URL for low balance alerts (Discord, Slack, etc.)
	LowXLMThreshold     string            `yaml:"low_xlm_threshold"`     // XLM balance that triggers an alert (default: "5")
	LowCNGNThreshold    string            `yaml:"low_cngn_threshold"`    // Distribution wallet cNGN floor (default: "100000")
	CheckInterval       Duration          `yaml:"check_interval"`        // How often to check balances (default: 15m)
	Headers             map[string]string `yaml:"headers"`               // Custom headers for webhook
	BodyTemplate        string            `yaml:"body_template"`         // Custom body template (Go template)
	Timeout             Duration          `yaml:"timeout"`               // Request timeout (default: 5s)
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-wallet rate limiting (identified by X-Wallet header)
	PerWalletEnabled bool     `yaml:"per_wallet_enabled"` // Enable per-wallet rate limiting
	PerWalletLimit   int      `yaml:"per_wallet_limit"`   // Requests allowed per wallet per window
	PerWalletWindow  Duration `yaml:"per_wallet_window"`  // Time window for per-wallet limit

	// Per-IP rate limiting (fallback when wallet not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// APIKeyConfig holds API key authentication and tier configuration.
// Allows trusted partners to bypass rate limits via X-API-Key header.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"` // Enable API key authentication (default: false)
	Keys    map[string]string `yaml:"keys"`    // Map of API key -> tier (free, pro, enterprise, partner)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`      // Enable circuit breakers (default: true)
	Horizon     BreakerServiceConfig `yaml:"horizon"`      // Stellar Horizon circuit breaker
	ProviderAPI BreakerServiceConfig `yaml:"provider_api"` // NGN rail provider circuit breaker
	Webhook     BreakerServiceConfig `yaml:"webhook"`      // Webhook delivery circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
