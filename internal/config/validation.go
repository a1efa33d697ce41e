package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
)

const (
	horizonPubnetURL  = "https://horizon.stellar.org"
	horizonTestnetURL = "https://horizon-testnet.stellar.org"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Providers.Stripe.Mode == "" {
		c.Providers.Stripe.Mode = "test"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	// Auto-derive Horizon URL and network passphrase from the network name.
	// Explicit values (private Horizon, custom network) take precedence.
	switch strings.ToLower(c.Stellar.Network) {
	case "pubnet", "public", "mainnet":
		c.Stellar.Network = "pubnet"
		if c.Stellar.HorizonURL == "" {
			c.Stellar.HorizonURL = horizonPubnetURL
		}
		if c.Stellar.NetworkPassphrase == "" {
			c.Stellar.NetworkPassphrase = network.PublicNetworkPassphrase
		}
	case "", "testnet":
		c.Stellar.Network = "testnet"
		if c.Stellar.HorizonURL == "" {
			c.Stellar.HorizonURL = horizonTestnetURL
		}
		if c.Stellar.NetworkPassphrase == "" {
			c.Stellar.NetworkPassphrase = network.TestNetworkPassphrase
		}
	}

	// Auto-derive the distribution wallet address from the signing seed when
	// only the seed is provided. The reverse is impossible, so a wallet with
	// no seed stays as-is and fails validation below if signing is needed.
	if c.Stellar.DistributionWallet == "" && c.Stellar.DistributionSeed != "" {
		if kp, err := keypair.ParseFull(c.Stellar.DistributionSeed); err == nil {
			c.Stellar.DistributionWallet = kp.Address()
		}
	}

	// IMPORTANT: Auto-configure fees source from storage.backend
	// This simplifies configuration - users only need to set storage.backend once
	// If explicitly set, respect user's choice (allow override)
	if c.Fees.Source == "" {
		switch c.Storage.Backend {
		case "postgres":
			c.Fees.Source = "postgres"
		case "mongodb":
			c.Fees.Source = "mongodb"
		default:
			c.Fees.Source = "yaml" // memory/empty defaults to yaml
		}
	}

	// Auto-copy database connection URLs from storage config to fees
	if c.Fees.Source == "postgres" {
		if c.Fees.PostgresURL == "" {
			c.Fees.PostgresURL = c.Storage.PostgresURL
		}
		if c.Fees.PostgresTableName == "" && c.Storage.SchemaMapping.FeeTiers.TableName != "" {
			c.Fees.PostgresTableName = c.Storage.SchemaMapping.FeeTiers.TableName
		}
	}
	if c.Fees.Source == "mongodb" {
		if c.Fees.MongoDBURL == "" {
			c.Fees.MongoDBURL = c.Storage.MongoDBURL
		}
		if c.Fees.MongoDBDatabase == "" {
			c.Fees.MongoDBDatabase = c.Storage.MongoDBDatabase
		}
		if c.Fees.MongoDBCollection == "" && c.Storage.SchemaMapping.FeeTiers.TableName != "" {
			c.Fees.MongoDBCollection = c.Storage.SchemaMapping.FeeTiers.TableName
		}
	}

	if c.Quotes.TTL.Duration == 0 {
		c.Quotes.TTL = Duration{Duration: 180 * time.Second}
	}
	if c.Notifications.Timeout.Duration == 0 {
		c.Notifications.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Notifications.Headers == nil {
		c.Notifications.Headers = make(map[string]string)
	}
	if c.Monitor.MaxRetries <= 0 {
		c.Monitor.MaxRetries = 5
	}
	if c.Monitor.PollInterval.Duration <= 0 {
		c.Monitor.PollInterval = Duration{Duration: 10 * time.Second}
	}
	if c.Monitor.RetryTimeout.Duration <= 0 {
		c.Monitor.RetryTimeout = Duration{Duration: 30 * time.Minute}
	}
	if c.Monitor.InboundPageLimit <= 0 {
		c.Monitor.InboundPageLimit = 200
	}
	if c.Offramp.BatchSize <= 0 {
		c.Offramp.BatchSize = 50
	}
	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 15 * time.Minute}
	}
	if c.Monitoring.Timeout.Duration <= 0 {
		c.Monitoring.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Monitoring.Headers == nil {
		c.Monitoring.Headers = make(map[string]string)
	}

	// Normalize provider order lists
	c.Providers.PaymentOrder = normalizeProviderOrder(c.Providers.PaymentOrder)
	c.Providers.WithdrawalOrder = normalizeProviderOrder(c.Providers.WithdrawalOrder)

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// Stellar validation. A wrong issuer is the catastrophic misconfiguration
	// here: inbound scans would credit deposits of an asset nobody backs, and
	// payouts would send a worthless token. Fail loudly at startup instead.
	if c.Stellar.AssetIssuer == "" {
		errs = append(errs, "stellar.asset_issuer is required")
	} else if !strkey.IsValidEd25519PublicKey(c.Stellar.AssetIssuer) {
		errs = append(errs, fmt.Sprintf("stellar.asset_issuer %q is not a valid Stellar account", c.Stellar.AssetIssuer))
	}
	if c.Stellar.SystemWallet == "" {
		errs = append(errs, "stellar.system_wallet is required")
	} else if !strkey.IsValidEd25519PublicKey(c.Stellar.SystemWallet) {
		errs = append(errs, fmt.Sprintf("stellar.system_wallet %q is not a valid Stellar account", c.Stellar.SystemWallet))
	}
	if c.Stellar.DistributionWallet == "" {
		errs = append(errs, "stellar.distribution_wallet is required (set NAIRABRIDGE_DISTRIBUTION_WALLET or NAIRABRIDGE_DISTRIBUTION_SEED)")
	} else if !strkey.IsValidEd25519PublicKey(c.Stellar.DistributionWallet) {
		errs = append(errs, fmt.Sprintf("stellar.distribution_wallet %q is not a valid Stellar account", c.Stellar.DistributionWallet))
	}
	if c.Stellar.DistributionSeed != "" {
		kp, err := keypair.ParseFull(c.Stellar.DistributionSeed)
		if err != nil {
			errs = append(errs, "stellar distribution seed is not a valid Stellar secret seed")
		} else if c.Stellar.DistributionWallet != "" && kp.Address() != c.Stellar.DistributionWallet {
			errs = append(errs, fmt.Sprintf("stellar distribution seed does not control wallet %s", c.Stellar.DistributionWallet))
		}
	}
	if err := validateAssetCode(c.Stellar.AssetCode); err != nil {
		errs = append(errs, fmt.Sprintf("stellar.asset_code: %v", err))
	}
	if c.Stellar.AssetIssuer != "" && c.Stellar.AssetIssuer == c.Stellar.SystemWallet {
		errs = append(errs, "stellar.asset_issuer must differ from stellar.system_wallet: payments to the issuer burn the asset")
	}
	if c.Stellar.NetworkPassphrase == "" {
		errs = append(errs, fmt.Sprintf("stellar.network %q is not recognized; set network_passphrase and horizon_url explicitly", c.Stellar.Network))
	}
	if c.Stellar.HorizonURL == "" {
		errs = append(errs, "stellar.horizon_url is required")
	}

	// Provider routing validation
	for _, name := range c.Providers.PaymentOrder {
		if !isKnownRailProvider(name) {
			errs = append(errs, fmt.Sprintf("providers.payment_order: unknown provider %q", name))
		}
	}
	for _, name := range c.Providers.WithdrawalOrder {
		if !isKnownRailProvider(name) {
			errs = append(errs, fmt.Sprintf("providers.withdrawal_order: unknown provider %q", name))
		}
		// Card rails collect money; they cannot push NGN to a bank account.
		if name == "stripe" {
			errs = append(errs, "providers.withdrawal_order: stripe cannot disburse NGN bank transfers")
		}
	}
	if len(c.Providers.PaymentOrder) == 0 {
		errs = append(errs, "providers.payment_order must list at least one provider")
	}
	if len(c.Providers.WithdrawalOrder) == 0 {
		errs = append(errs, "providers.withdrawal_order must list at least one provider")
	}

	// Fee tier validation (YAML source only; database tiers are validated on read)
	if c.Fees.Source == "yaml" {
		for i, tier := range c.Fees.Tiers {
			if err := validateFeeTier(tier); err != nil {
				errs = append(errs, fmt.Sprintf("fees.tiers[%d]: %v", i, err))
			}
		}
	}

	// Rates validation
	if dev, err := decimal.NewFromString(c.Rates.MaxRateDeviation); err != nil {
		errs = append(errs, fmt.Sprintf("rates.max_rate_deviation %q is not a decimal", c.Rates.MaxRateDeviation))
	} else if dev.IsNegative() || dev.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "rates.max_rate_deviation must be in [0, 1)")
	}

	// Quotes validation
	if minAmt, err := decimal.NewFromString(c.Quotes.MinAmountNGN); err != nil {
		errs = append(errs, fmt.Sprintf("quotes.min_amount_ngn %q is not a decimal", c.Quotes.MinAmountNGN))
	} else if !minAmt.IsPositive() {
		errs = append(errs, "quotes.min_amount_ngn must be positive")
	}

	// Balance monitoring thresholds
	if c.Monitoring.LowXLMThreshold != "" {
		if v, err := decimal.NewFromString(c.Monitoring.LowXLMThreshold); err != nil || v.IsNegative() {
			errs = append(errs, fmt.Sprintf("monitoring.low_xlm_threshold %q is not a non-negative decimal", c.Monitoring.LowXLMThreshold))
		}
	}
	if c.Monitoring.LowCNGNThreshold != "" {
		if v, err := decimal.NewFromString(c.Monitoring.LowCNGNThreshold); err != nil || v.IsNegative() {
			errs = append(errs, fmt.Sprintf("monitoring.low_cngn_threshold %q is not a non-negative decimal", c.Monitoring.LowCNGNThreshold))
		}
	}

	// Biller catalog validation (YAML source only)
	if c.Billers.Source == "yaml" {
		for key, biller := range c.Billers.Services {
			if biller.ServiceID == "" {
				biller.ServiceID = key
				c.Billers.Services[key] = biller
			}
			if biller.Category == "" {
				errs = append(errs, fmt.Sprintf("billers.services[%s]: category is required", key))
			}
			if err := validateOptionalAmount(biller.MinAmountNGN); err != nil {
				errs = append(errs, fmt.Sprintf("billers.services[%s].min_amount_ngn: %v", key, err))
			}
			if err := validateOptionalAmount(biller.MaxAmountNGN); err != nil {
				errs = append(errs, fmt.Sprintf("billers.services[%s].max_amount_ngn: %v", key, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateAssetCode enforces Stellar asset code rules: 1-12 alphanumeric chars.
func validateAssetCode(code string) error {
	if code == "" {
		return errors.New("asset code is required")
	}
	if len(code) > 12 {
		return fmt.Errorf("asset code %q exceeds 12 characters", code)
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("asset code %q contains non-alphanumeric characters", code)
		}
	}
	return nil
}

// validateFeeTier checks decimal fields and range ordering on a YAML fee tier.
func validateFeeTier(tier FeeTierConfig) error {
	switch tier.TransactionType {
	case "onramp", "offramp", "bill_payment", "onramp_platform", "onramp_provider":
	case "":
		return errors.New("transaction_type is required")
	default:
		return fmt.Errorf("unknown transaction_type %q", tier.TransactionType)
	}

	var minAmt, maxAmt decimal.Decimal
	var err error
	if tier.MinAmount != "" {
		if minAmt, err = decimal.NewFromString(tier.MinAmount); err != nil {
			return fmt.Errorf("min_amount %q is not a decimal", tier.MinAmount)
		}
	}
	if tier.MaxAmount != "" {
		if maxAmt, err = decimal.NewFromString(tier.MaxAmount); err != nil {
			return fmt.Errorf("max_amount %q is not a decimal", tier.MaxAmount)
		}
		if tier.MinAmount != "" && maxAmt.LessThan(minAmt) {
			return fmt.Errorf("max_amount %s is below min_amount %s", tier.MaxAmount, tier.MinAmount)
		}
	}
	for field, raw := range map[string]string{
		"provider_fee_percent": tier.ProviderFeePercent,
		"provider_fee_flat":    tier.ProviderFeeFlat,
		"provider_fee_cap":     tier.ProviderFeeCap,
		"platform_fee_percent": tier.PlatformFeePercent,
	} {
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s %q is not a decimal", field, raw)
		}
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	for field, raw := range map[string]string{
		"effective_from":  tier.EffectiveFrom,
		"effective_until": tier.EffectiveUntil,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("%s %q is not RFC3339", field, raw)
		}
	}
	return nil
}

// validateOptionalAmount accepts "" or a non-negative decimal string.
func validateOptionalAmount(raw string) error {
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%q is not a decimal", raw)
	}
	if v.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

// normalizeProviderOrder lowercases entries and drops duplicates preserving order.
func normalizeProviderOrder(order []string) []string {
	seen := make(map[string]bool, len(order))
	out := order[:0]
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// isKnownRailProvider reports whether name is a supported NGN rail.
func isKnownRailProvider(name string) bool {
	switch name {
	case "paystack", "flutterwave", "stripe":
		return true
	}
	return false
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
