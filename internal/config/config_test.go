package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
)

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	clearEnv()
	cfg, err := Load("")
	if err == nil {
		t.Fatal("expected error when required fields are missing, got nil")
	}
	if cfg != nil {
		t.Fatal("expected nil config when validation fails")
	}
}

func TestLoadConfig_RequiredFields(t *testing.T) {
	issuer := keypair.MustRandom().Address()
	system := keypair.MustRandom().Address()
	seed := keypair.MustRandom().Seed()

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name: "missing asset issuer",
			envVars: map[string]string{
				"NAIRABRIDGE_SYSTEM_WALLET":     system,
				"NAIRABRIDGE_DISTRIBUTION_SEED": seed,
			},
			wantErr: "stellar.asset_issuer is required",
		},
		{
			name: "missing system wallet",
			envVars: map[string]string{
				"NAIRABRIDGE_ASSET_ISSUER":      issuer,
				"NAIRABRIDGE_DISTRIBUTION_SEED": seed,
			},
			wantErr: "stellar.system_wallet is required",
		},
		{
			name: "missing distribution wallet and seed",
			envVars: map[string]string{
				"NAIRABRIDGE_ASSET_ISSUER":  issuer,
				"NAIRABRIDGE_SYSTEM_WALLET": system,
			},
			wantErr: "stellar.distribution_wallet is required",
		},
		{
			name: "malformed issuer address",
			envVars: map[string]string{
				"NAIRABRIDGE_ASSET_ISSUER":      "not-a-stellar-account",
				"NAIRABRIDGE_SYSTEM_WALLET":     system,
				"NAIRABRIDGE_DISTRIBUTION_SEED": seed,
			},
			wantErr: "not a valid Stellar account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv()

			_, err := Load("")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	issuer := keypair.MustRandom().Address()
	system := keypair.MustRandom().Address()
	dist := keypair.MustRandom()

	clearEnv()
	os.Setenv("NAIRABRIDGE_ASSET_ISSUER", issuer)
	os.Setenv("NAIRABRIDGE_SYSTEM_WALLET", system)
	os.Setenv("NAIRABRIDGE_DISTRIBUTION_SEED", dist.Seed())
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}

	// Check defaults were applied
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Stellar.Network != "testnet" {
		t.Errorf("expected default network testnet, got %s", cfg.Stellar.Network)
	}
	if cfg.Stellar.AssetCode != "cNGN" {
		t.Errorf("expected default asset code cNGN, got %s", cfg.Stellar.AssetCode)
	}
	if cfg.Quotes.TTL.Duration != 180*time.Second {
		t.Errorf("expected default quote TTL 180s, got %v", cfg.Quotes.TTL.Duration)
	}
	if cfg.Monitor.MaxRetries != 5 {
		t.Errorf("expected default max retries 5, got %d", cfg.Monitor.MaxRetries)
	}

	// Check Horizon URL and passphrase were auto-derived from the network
	if cfg.Stellar.HorizonURL != horizonTestnetURL {
		t.Errorf("expected testnet Horizon URL, got %s", cfg.Stellar.HorizonURL)
	}
	if cfg.Stellar.NetworkPassphrase == "" {
		t.Error("expected network passphrase to be auto-derived")
	}

	// Check distribution wallet was derived from the seed
	if cfg.Stellar.DistributionWallet != dist.Address() {
		t.Errorf("expected distribution wallet %s derived from seed, got %s", dist.Address(), cfg.Stellar.DistributionWallet)
	}
}

func TestLoadConfig_SeedWalletMismatch(t *testing.T) {
	clearEnv()
	os.Setenv("NAIRABRIDGE_ASSET_ISSUER", keypair.MustRandom().Address())
	os.Setenv("NAIRABRIDGE_SYSTEM_WALLET", keypair.MustRandom().Address())
	os.Setenv("NAIRABRIDGE_DISTRIBUTION_WALLET", keypair.MustRandom().Address())
	os.Setenv("NAIRABRIDGE_DISTRIBUTION_SEED", keypair.MustRandom().Seed())
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when seed does not control the distribution wallet")
	}
	if !strings.Contains(err.Error(), "does not control") {
		t.Errorf("expected seed mismatch error, got: %v", err)
	}
}

func TestLoadConfig_IssuerEqualsSystemWallet(t *testing.T) {
	shared := keypair.MustRandom().Address()

	clearEnv()
	os.Setenv("NAIRABRIDGE_ASSET_ISSUER", shared)
	os.Setenv("NAIRABRIDGE_SYSTEM_WALLET", shared)
	os.Setenv("NAIRABRIDGE_DISTRIBUTION_SEED", keypair.MustRandom().Seed())
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when issuer and system wallet are the same account")
	}
	if !strings.Contains(err.Error(), "burn") {
		t.Errorf("expected issuer/system wallet error, got: %v", err)
	}
}

func TestLoadConfig_StripeRejectedForWithdrawals(t *testing.T) {
	clearEnv()
	setValidStellarEnv(t)
	os.Setenv("NAIRABRIDGE_WITHDRAWAL_ORDER", "stripe,paystack")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when stripe appears in withdrawal_order")
	}
	if !strings.Contains(err.Error(), "stripe cannot disburse") {
		t.Errorf("expected withdrawal order error, got: %v", err)
	}
}

func TestLoadConfig_PubnetDerivation(t *testing.T) {
	clearEnv()
	setValidStellarEnv(t)
	os.Setenv("NAIRABRIDGE_STELLAR_NETWORK", "pubnet")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stellar.HorizonURL != horizonPubnetURL {
		t.Errorf("expected pubnet Horizon URL, got %s", cfg.Stellar.HorizonURL)
	}
}

func TestLoadConfig_FromYAMLFile(t *testing.T) {
	clearEnv()
	setValidStellarEnv(t)
	defer clearEnv()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
server:
  address: ":9090"
  read_timeout: 20s
quotes:
  ttl: 2m
  min_amount_ngn: "500"
monitor:
  max_retries: 3
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("expected address :9090 from file, got %s", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration != 20*time.Second {
		t.Errorf("expected read timeout 20s, got %v", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Quotes.TTL.Duration != 2*time.Minute {
		t.Errorf("expected quote TTL 2m from file, got %v", cfg.Quotes.TTL.Duration)
	}
	if cfg.Quotes.MinAmountNGN != "500" {
		t.Errorf("expected min amount 500 from file, got %s", cfg.Quotes.MinAmountNGN)
	}
	if cfg.Monitor.MaxRetries != 3 {
		t.Errorf("expected max retries 3 from file, got %d", cfg.Monitor.MaxRetries)
	}
}

func TestDefaultFeeTiersAreValid(t *testing.T) {
	for i, tier := range defaultFeeTiers() {
		if err := validateFeeTier(tier); err != nil {
			t.Errorf("default tier %d (%s/%s) invalid: %v", i, tier.TransactionType, tier.Provider, err)
		}
	}
}

func TestValidateFeeTier(t *testing.T) {
	tests := []struct {
		name    string
		tier    FeeTierConfig
		wantErr bool
	}{
		{
			name:    "valid percent plus flat",
			tier:    FeeTierConfig{TransactionType: "onramp", ProviderFeePercent: "1.5", ProviderFeeFlat: "100", ProviderFeeCap: "2000"},
			wantErr: false,
		},
		{
			name:    "missing type",
			tier:    FeeTierConfig{ProviderFeePercent: "1.5"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			tier:    FeeTierConfig{TransactionType: "swap", ProviderFeePercent: "1.5"},
			wantErr: true,
		},
		{
			name:    "malformed decimal",
			tier:    FeeTierConfig{TransactionType: "onramp", ProviderFeePercent: "1,5"},
			wantErr: true,
		},
		{
			name:    "negative flat fee",
			tier:    FeeTierConfig{TransactionType: "offramp", ProviderFeeFlat: "-10"},
			wantErr: true,
		},
		{
			name:    "range inverted",
			tier:    FeeTierConfig{TransactionType: "offramp", MinAmount: "50000", MaxAmount: "5000"},
			wantErr: true,
		},
		{
			name:    "bad effective_from timestamp",
			tier:    FeeTierConfig{TransactionType: "onramp", EffectiveFrom: "yesterday"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFeeTier(tt.tier)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestValidateAssetCode(t *testing.T) {
	tests := []struct {
		code    string
		wantErr bool
	}{
		{"cNGN", false},
		{"XLM", false},
		{"NGNCOIN12345", false},
		{"", true},
		{"THIRTEENCHARSX", true},
		{"c-NGN", true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := validateAssetCode(tt.code)
			if tt.wantErr && err == nil {
				t.Errorf("validateAssetCode(%q) expected error, got nil", tt.code)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateAssetCode(%q) unexpected error: %v", tt.code, err)
			}
		})
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"naira-bridge", "/naira-bridge"},
		{"/v1/bridge", "/v1/bridge"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

// setValidStellarEnv populates the minimum required Stellar env vars.
func setValidStellarEnv(t *testing.T) {
	t.Helper()
	os.Setenv("NAIRABRIDGE_ASSET_ISSUER", keypair.MustRandom().Address())
	os.Setenv("NAIRABRIDGE_SYSTEM_WALLET", keypair.MustRandom().Address())
	os.Setenv("NAIRABRIDGE_DISTRIBUTION_SEED", keypair.MustRandom().Seed())
}

// clearEnv unsets every NAIRABRIDGE_ prefixed environment variable.
func clearEnv() {
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if strings.HasPrefix(parts[0], "NAIRABRIDGE_") {
			os.Unsetenv(parts[0])
		}
	}
}
