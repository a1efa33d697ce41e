package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use NAIRABRIDGE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "NAIRABRIDGE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "NAIRABRIDGE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "NAIRABRIDGE_ADMIN_API_KEY")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "NAIRABRIDGE_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "NAIRABRIDGE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "NAIRABRIDGE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "NAIRABRIDGE_ENVIRONMENT")

	// Stellar config
	setIfEnv(&c.Stellar.Network, "NAIRABRIDGE_STELLAR_NETWORK")
	setIfEnv(&c.Stellar.HorizonURL, "NAIRABRIDGE_HORIZON_URL")
	setIfEnv(&c.Stellar.NetworkPassphrase, "NAIRABRIDGE_NETWORK_PASSPHRASE")
	setIfEnv(&c.Stellar.AssetCode, "NAIRABRIDGE_ASSET_CODE")
	setIfEnv(&c.Stellar.AssetIssuer, "NAIRABRIDGE_ASSET_ISSUER")
	setIfEnv(&c.Stellar.SystemWallet, "NAIRABRIDGE_SYSTEM_WALLET")
	setIfEnv(&c.Stellar.DistributionWallet, "NAIRABRIDGE_DISTRIBUTION_WALLET")
	setIfEnv(&c.Stellar.DistributionSeed, "NAIRABRIDGE_DISTRIBUTION_SEED")
	setDurationIfEnv(&c.Stellar.SubmitTimeout, "NAIRABRIDGE_STELLAR_SUBMIT_TIMEOUT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "NAIRABRIDGE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "NAIRABRIDGE_DATABASE_URL")
	setIfEnv(&c.Storage.MongoDBURL, "NAIRABRIDGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "NAIRABRIDGE_MONGODB_DATABASE")

	// Redis config
	setIfEnv(&c.Redis.Addr, "NAIRABRIDGE_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "NAIRABRIDGE_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "NAIRABRIDGE_REDIS_DB")

	// Provider credentials
	setBoolIfEnv(&c.Providers.Paystack.Enabled, "NAIRABRIDGE_PAYSTACK_ENABLED")
	setIfEnv(&c.Providers.Paystack.BaseURL, "NAIRABRIDGE_PAYSTACK_BASE_URL")
	setIfEnv(&c.Providers.Paystack.SecretKey, "NAIRABRIDGE_PAYSTACK_SECRET_KEY")
	setBoolIfEnv(&c.Providers.Flutterwave.Enabled, "NAIRABRIDGE_FLUTTERWAVE_ENABLED")
	setIfEnv(&c.Providers.Flutterwave.BaseURL, "NAIRABRIDGE_FLUTTERWAVE_BASE_URL")
	setIfEnv(&c.Providers.Flutterwave.SecretKey, "NAIRABRIDGE_FLUTTERWAVE_SECRET_KEY")
	setIfEnv(&c.Providers.Flutterwave.WebhookSecret, "NAIRABRIDGE_FLUTTERWAVE_WEBHOOK_SECRET")
	setBoolIfEnv(&c.Providers.Stripe.Enabled, "NAIRABRIDGE_STRIPE_ENABLED")
	setIfEnv(&c.Providers.Stripe.SecretKey, "NAIRABRIDGE_STRIPE_SECRET_KEY")
	setIfEnv(&c.Providers.Stripe.WebhookSecret, "NAIRABRIDGE_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Providers.Stripe.Mode, "NAIRABRIDGE_STRIPE_MODE")
	setBoolIfEnv(&c.Providers.VTPass.Enabled, "NAIRABRIDGE_VTPASS_ENABLED")
	setIfEnv(&c.Providers.VTPass.BaseURL, "NAIRABRIDGE_VTPASS_BASE_URL")
	setIfEnv(&c.Providers.VTPass.APIKey, "NAIRABRIDGE_VTPASS_API_KEY")
	setIfEnv(&c.Providers.VTPass.PublicKey, "NAIRABRIDGE_VTPASS_PUBLIC_KEY")
	setIfEnv(&c.Providers.VTPass.SecretKey, "NAIRABRIDGE_VTPASS_SECRET_KEY")
	setIfEnv(&c.Providers.VTPass.WebhookSecret, "NAIRABRIDGE_VTPASS_WEBHOOK_SECRET")
	setListIfEnv(&c.Providers.PaymentOrder, "NAIRABRIDGE_PAYMENT_ORDER")
	setListIfEnv(&c.Providers.WithdrawalOrder, "NAIRABRIDGE_WITHDRAWAL_ORDER")

	// Rates config
	setIfEnv(&c.Rates.MaxRateDeviation, "NAIRABRIDGE_MAX_RATE_DEVIATION")
	setDurationIfEnv(&c.Rates.CacheTTL, "NAIRABRIDGE_RATES_CACHE_TTL")
	setDurationIfEnv(&c.Rates.RateExpiry, "NAIRABRIDGE_RATE_EXPIRY")

	// Quotes config
	setDurationIfEnv(&c.Quotes.TTL, "NAIRABRIDGE_QUOTE_TTL")
	setIfEnv(&c.Quotes.MinAmountNGN, "NAIRABRIDGE_QUOTE_MIN_AMOUNT")
	setBoolIfEnv(&c.Quotes.DisableLiquidityCheck, "NAIRABRIDGE_DISABLE_LIQUIDITY_CHECK")

	// Monitor config
	setDurationIfEnv(&c.Monitor.PollInterval, "NAIRABRIDGE_MONITOR_POLL_INTERVAL")
	setDurationIfEnv(&c.Monitor.MonitoringWindow, "NAIRABRIDGE_MONITOR_WINDOW")
	setIntIfEnv(&c.Monitor.MaxRetries, "NAIRABRIDGE_MONITOR_MAX_RETRIES")
	setDurationIfEnv(&c.Monitor.RetryTimeout, "NAIRABRIDGE_MONITOR_RETRY_TIMEOUT")

	// Offramp config
	setDurationIfEnv(&c.Offramp.PollInterval, "NAIRABRIDGE_OFFRAMP_POLL_INTERVAL")
	setDurationIfEnv(&c.Offramp.PendingTTL, "NAIRABRIDGE_OFFRAMP_PENDING_TTL")
	setDurationIfEnv(&c.Offramp.SweepInterval, "NAIRABRIDGE_OFFRAMP_SWEEP_INTERVAL")
	setDurationIfEnv(&c.Offramp.RetryTimeout, "NAIRABRIDGE_OFFRAMP_RETRY_TIMEOUT")

	// Notifications config
	setIfEnv(&c.Notifications.EventURL, "NAIRABRIDGE_NOTIFY_URL")
	setIfEnv(&c.Notifications.SigningSecret, "NAIRABRIDGE_NOTIFY_SIGNING_SECRET")
	setDurationIfEnv(&c.Notifications.Timeout, "NAIRABRIDGE_NOTIFY_TIMEOUT")
	// Load notification headers (NAIRABRIDGE_NOTIFY_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "NAIRABRIDGE_NOTIFY_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "NAIRABRIDGE_NOTIFY_HEADER_")
		if name == "" {
			continue
		}
		if c.Notifications.Headers == nil {
			c.Notifications.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Notifications.Headers[headerName] = parts[1]
	}

	// Balance monitoring config
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "NAIRABRIDGE_LOW_BALANCE_ALERT_URL")
	setIfEnv(&c.Monitoring.LowXLMThreshold, "NAIRABRIDGE_LOW_XLM_THRESHOLD")
	setIfEnv(&c.Monitoring.LowCNGNThreshold, "NAIRABRIDGE_LOW_CNGN_THRESHOLD")
	setDurationIfEnv(&c.Monitoring.CheckInterval, "NAIRABRIDGE_MONITORING_CHECK_INTERVAL")
	setDurationIfEnv(&c.Monitoring.Timeout, "NAIRABRIDGE_MONITORING_TIMEOUT")
	// Load monitoring headers (NAIRABRIDGE_MONITORING_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "NAIRABRIDGE_MONITORING_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "NAIRABRIDGE_MONITORING_HEADER_")
		if name == "" {
			continue
		}
		if c.Monitoring.Headers == nil {
			c.Monitoring.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Monitoring.Headers[headerName] = parts[1]
	}

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "NAIRABRIDGE_API_KEY_ENABLED")
	// Load API keys (NAIRABRIDGE_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "NAIRABRIDGE_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "NAIRABRIDGE_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// NAIRABRIDGE_API_KEY_PARTNER_ABC123=partner -> key: "partner_abc123", tier: "partner"
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setListIfEnv sets a string slice from a comma-separated environment variable.
func setListIfEnv(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var items []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) > 0 {
		*target = items
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "naira-bridge" -> "/naira-bridge"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
