package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Stellar: StellarConfig{
			Network:        "testnet",
			AssetCode:      "cNGN",
			BaseFeeStroops: 100,
			SubmitTimeout:  Duration{Duration: 30 * time.Second},
			RequestTimeout: Duration{Duration: 10 * time.Second},
		},
		Providers: ProvidersConfig{
			Paystack: ProviderCredentials{
				BaseURL: "https://api.paystack.co",
			},
			Flutterwave: ProviderCredentials{
				BaseURL: "https://api.flutterwave.com/v3",
			},
			Stripe: StripeConfig{
				Mode: "test",
			},
			VTPass: VTPassConfig{
				BaseURL: "https://sandbox.vtpass.com/api",
			},
			PaymentOrder:    []string{"paystack", "flutterwave"},
			WithdrawalOrder: []string{"paystack", "flutterwave"},
			RequestTimeout:  Duration{Duration: 30 * time.Second},
		},
		Fees: FeesConfig{
			Tiers: defaultFeeTiers(),
		},
		Rates: RatesConfig{
			MaxRateDeviation: "0.02",
			CacheTTL:         Duration{Duration: 60 * time.Second},
			RateExpiry:       Duration{Duration: 5 * time.Minute},
			RefreshInterval:  Duration{Duration: 60 * time.Second},
		},
		Quotes: QuotesConfig{
			TTL:          Duration{Duration: 180 * time.Second},
			MinAmountNGN: "1000",
		},
		Monitor: MonitorConfig{
			PollInterval:     Duration{Duration: 10 * time.Second},
			MonitoringWindow: Duration{Duration: 24 * time.Hour},
			MaxRetries:       5,
			RetryTimeout:     Duration{Duration: 30 * time.Minute},
			InboundPageLimit: 200,
		},
		Offramp: OfframpConfig{
			PollInterval:  Duration{Duration: 10 * time.Second},
			PendingTTL:    Duration{Duration: 30 * time.Minute},
			SweepInterval: Duration{Duration: 5 * time.Minute},
			RetryTimeout:  Duration{Duration: 30 * time.Minute},
			BatchSize:     50,
		},
		Billers: BillersConfig{
			Source:   "yaml",
			Services: defaultBillers(),
		},
		Notifications: NotificationsConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		Monitoring: MonitoringConfig{
			LowXLMThreshold:  "5",
			LowCNGNThreshold: "100000",
			CheckInterval:    Duration{Duration: 15 * time.Minute},
			Headers:          make(map[string]string),
			Timeout:          Duration{Duration: 5 * time.Second},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:    true,
			GlobalLimit:      1000,
			GlobalWindow:     Duration{Duration: 1 * time.Minute},
			PerWalletEnabled: true,
			PerWalletLimit:   60,
			PerWalletWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Horizon: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			ProviderAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for webhooks
				ConsecutiveFailures: 10,                                   // More tolerant for webhooks
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// defaultFeeTiers returns the published NGN rail pricing as a starting point.
// Deployments override these in config or seed them into the database.
func defaultFeeTiers() []FeeTierConfig {
	return []FeeTierConfig{
		// Collections (onramp deposits)
		{TransactionType: "onramp", Provider: "paystack", ProviderFeePercent: "1.5", ProviderFeeFlat: "100", ProviderFeeCap: "2000", PlatformFeePercent: "0.5"},
		{TransactionType: "onramp", Provider: "flutterwave", ProviderFeePercent: "1.4", ProviderFeeCap: "2000", PlatformFeePercent: "0.5"},
		{TransactionType: "onramp", Provider: "stripe", Method: "card", ProviderFeePercent: "3.9", ProviderFeeFlat: "100", PlatformFeePercent: "0.5"},
		// Bank transfers out (offramp withdrawals), flat fees banded by amount
		{TransactionType: "offramp", Provider: "paystack", MaxAmount: "5000", ProviderFeeFlat: "10", PlatformFeePercent: "0.5"},
		{TransactionType: "offramp", Provider: "paystack", MinAmount: "5000", MaxAmount: "50000", ProviderFeeFlat: "25", PlatformFeePercent: "0.5"},
		{TransactionType: "offramp", Provider: "paystack", MinAmount: "50000", ProviderFeeFlat: "50", PlatformFeePercent: "0.5"},
		{TransactionType: "offramp", Provider: "flutterwave", MaxAmount: "5000", ProviderFeeFlat: "10.75", PlatformFeePercent: "0.5"},
		{TransactionType: "offramp", Provider: "flutterwave", MinAmount: "5000", MaxAmount: "50000", ProviderFeeFlat: "26.88", PlatformFeePercent: "0.5"},
		{TransactionType: "offramp", Provider: "flutterwave", MinAmount: "50000", ProviderFeeFlat: "53.75", PlatformFeePercent: "0.5"},
		// Bill payments ride the aggregator's discount model, platform keeps a margin
		{TransactionType: "bill_payment", Provider: "vtpass", PlatformFeePercent: "1"},
	}
}

// defaultBillers returns a minimal catalog covering the major categories.
func defaultBillers() map[string]Biller {
	return map[string]Biller{
		"mtn-airtime": {
			ServiceID:    "mtn",
			Name:         "MTN Airtime",
			Category:     "airtime",
			MinAmountNGN: "50",
			MaxAmountNGN: "50000",
		},
		"dstv": {
			ServiceID:     "dstv",
			Name:          "DStv Subscription",
			Category:      "tv",
			MinAmountNGN:  "1000",
			RequiresMeter: true,
		},
		"ikeja-electric": {
			ServiceID:     "ikeja-electric",
			Name:          "Ikeja Electric Prepaid",
			Category:      "electricity",
			MinAmountNGN:  "500",
			MaxAmountNGN:  "500000",
			States:        []string{"lagos"},
			RequiresMeter: true,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
