package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer clearEnv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "NAIRABRIDGE_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"NAIRABRIDGE_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "NAIRABRIDGE_ROUTE_PREFIX override",
			envVars: map[string]string{
				"NAIRABRIDGE_ROUTE_PREFIX": "/api",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "route prefix is normalized",
			envVars: map[string]string{
				"NAIRABRIDGE_ROUTE_PREFIX": "bridge/",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/bridge" {
					t.Errorf("Expected /bridge, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_StellarConfig(t *testing.T) {
	defer clearEnv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "NAIRABRIDGE_HORIZON_URL override",
			envVars: map[string]string{
				"NAIRABRIDGE_HORIZON_URL": "https://horizon.internal.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Stellar.HorizonURL != "https://horizon.internal.example.com" {
					t.Errorf("Expected custom Horizon URL, got %s", cfg.Stellar.HorizonURL)
				}
			},
		},
		{
			name: "NAIRABRIDGE_ASSET_CODE override",
			envVars: map[string]string{
				"NAIRABRIDGE_ASSET_CODE": "NGNC",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Stellar.AssetCode != "NGNC" {
					t.Errorf("Expected NGNC, got %s", cfg.Stellar.AssetCode)
				}
			},
		},
		{
			name: "NAIRABRIDGE_DISTRIBUTION_SEED stays out of YAML fields",
			envVars: map[string]string{
				"NAIRABRIDGE_DISTRIBUTION_SEED": "SSEEDVALUE",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Stellar.DistributionSeed != "SSEEDVALUE" {
					t.Errorf("Expected seed from env, got %s", cfg.Stellar.DistributionSeed)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_ProviderOrder(t *testing.T) {
	defer clearEnv()

	clearEnv()
	os.Setenv("NAIRABRIDGE_PAYMENT_ORDER", "flutterwave, paystack ,stripe")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	want := []string{"flutterwave", "paystack", "stripe"}
	if len(cfg.Providers.PaymentOrder) != len(want) {
		t.Fatalf("expected %d providers, got %d: %v", len(want), len(cfg.Providers.PaymentOrder), cfg.Providers.PaymentOrder)
	}
	for i, name := range want {
		if cfg.Providers.PaymentOrder[i] != name {
			t.Errorf("payment_order[%d] = %q, want %q", i, cfg.Providers.PaymentOrder[i], name)
		}
	}
}

func TestEnvOverrides_Booleans(t *testing.T) {
	defer clearEnv()

	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"true literal", "true", true},
		{"numeric one", "1", true},
		{"mixed case", "True", true},
		{"false literal", "false", false},
		{"zero", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			os.Setenv("NAIRABRIDGE_DISABLE_LIQUIDITY_CHECK", tt.value)

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			if cfg.Quotes.DisableLiquidityCheck != tt.want {
				t.Errorf("DisableLiquidityCheck = %v, want %v for %q", cfg.Quotes.DisableLiquidityCheck, tt.want, tt.value)
			}
		})
	}
}

func TestEnvOverrides_Durations(t *testing.T) {
	defer clearEnv()

	clearEnv()
	os.Setenv("NAIRABRIDGE_QUOTE_TTL", "90s")
	os.Setenv("NAIRABRIDGE_MONITOR_RETRY_TIMEOUT", "45m")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Quotes.TTL.Duration != 90*time.Second {
		t.Errorf("expected quote TTL 90s, got %v", cfg.Quotes.TTL.Duration)
	}
	if cfg.Monitor.RetryTimeout.Duration != 45*time.Minute {
		t.Errorf("expected retry timeout 45m, got %v", cfg.Monitor.RetryTimeout.Duration)
	}
}

func TestEnvOverrides_Integers(t *testing.T) {
	defer clearEnv()

	clearEnv()
	os.Setenv("NAIRABRIDGE_MONITOR_MAX_RETRIES", "8")
	os.Setenv("NAIRABRIDGE_REDIS_DB", "2")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Monitor.MaxRetries != 8 {
		t.Errorf("expected max retries 8, got %d", cfg.Monitor.MaxRetries)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("expected redis db 2, got %d", cfg.Redis.DB)
	}
}

func TestEnvOverrides_NotificationHeaders(t *testing.T) {
	defer clearEnv()

	clearEnv()
	os.Setenv("NAIRABRIDGE_NOTIFY_HEADER_AUTHORIZATION", "Bearer token123")
	os.Setenv("NAIRABRIDGE_NOTIFY_HEADER_X_CUSTOM_ID", "abc")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if got := cfg.Notifications.Headers["Authorization"]; got != "Bearer token123" {
		t.Errorf("expected Authorization header, got %q", got)
	}
	if got := cfg.Notifications.Headers["X-Custom-Id"]; got != "abc" {
		t.Errorf("expected X-Custom-Id header, got %q", got)
	}
}

func TestEnvOverrides_APIKeys(t *testing.T) {
	defer clearEnv()

	clearEnv()
	os.Setenv("NAIRABRIDGE_API_KEY_ENABLED", "true")
	os.Setenv("NAIRABRIDGE_API_KEY_PARTNER_ABC123", "partner")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if !cfg.APIKey.Enabled {
		t.Error("expected API key auth enabled")
	}
	if tier := cfg.APIKey.Keys["partner_abc123"]; tier != "partner" {
		t.Errorf("expected tier partner for partner_abc123, got %q", tier)
	}
}
