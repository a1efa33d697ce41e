package rates

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/kvstore"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeProvider struct {
	name    string
	healthy bool
	rate    decimal.Decimal
	err     error
	calls   atomic.Int64
}

func (p *fakeProvider) Name() string                   { return p.name }
func (p *fakeProvider) Healthy(_ context.Context) bool { return p.healthy }
func (p *fakeProvider) FetchRate(_ context.Context, _, _ string) (decimal.Decimal, error) {
	p.calls.Add(1)
	if p.err != nil {
		return decimal.Decimal{}, p.err
	}
	return p.rate, nil
}

func testConfig() config.RatesConfig {
	return config.RatesConfig{
		MaxRateDeviation: "0.02",
		CacheTTL:         config.Duration{Duration: time.Minute},
		RateExpiry:       config.Duration{Duration: 5 * time.Minute},
	}
}

func newTestEngine(t *testing.T, providers ...Provider) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	feeRepo, err := fees.NewYAMLRepository([]config.FeeTierConfig{
		{TransactionType: "onramp", ProviderFeePercent: "1", PlatformFeePercent: "0.5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	engine, err := NewEngine(testConfig(), kvstore.NewMemory(), store, fees.NewEngine(feeRepo, nil), providers...)
	if err != nil {
		t.Fatal(err)
	}
	return engine, store
}

func TestGetRate_ProviderChain(t *testing.T) {
	down := &fakeProvider{name: "down", healthy: false, rate: dec("2")}
	failing := &fakeProvider{name: "failing", healthy: true, err: errors.New("boom")}
	peg := NewPegProvider()
	engine, store := newTestEngine(t, down, failing, peg)
	ctx := context.Background()

	rate, err := engine.GetRate(ctx, "NGN", "cNGN")
	if err != nil {
		t.Fatalf("GetRate: %v", err)
	}
	if !rate.Rate.Equal(dec("1")) || rate.Source != "peg" {
		t.Errorf("rate = %+v", rate)
	}
	if down.calls.Load() != 0 {
		t.Error("unhealthy provider should be skipped without a fetch")
	}
	if failing.calls.Load() != 1 {
		t.Error("failing provider should be tried once")
	}

	// Provider reads persist into history.
	history, err := store.ListRateHistory(ctx, "NGN", "cNGN", 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}

	// Second read comes from KV; no further provider calls.
	if _, err := engine.GetRate(ctx, "NGN", "cNGN"); err != nil {
		t.Fatal(err)
	}
	if failing.calls.Load() != 1 {
		t.Error("cached read should not hit providers again")
	}
}

func TestGetRate_HistoryFallback(t *testing.T) {
	engine, store := newTestEngine(t) // no providers
	ctx := context.Background()

	if _, err := engine.GetRate(ctx, "USD", "NGN"); err == nil {
		t.Error("no providers and no history should fail")
	}

	seed := storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "NGN", Rate: dec("1500"), Source: "manual"}
	if err := store.AppendRate(ctx, seed); err != nil {
		t.Fatal(err)
	}
	rate, err := engine.GetRate(ctx, "USD", "NGN")
	if err != nil {
		t.Fatalf("GetRate after seed: %v", err)
	}
	if !rate.Rate.Equal(dec("1500")) {
		t.Errorf("rate = %s, want 1500", rate.Rate)
	}
}

func TestGetRate_Identity(t *testing.T) {
	engine, _ := newTestEngine(t)
	rate, err := engine.GetRate(context.Background(), "NGN", "ngn")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Rate.Equal(dec("1")) || rate.Source != "identity" {
		t.Errorf("rate = %+v", rate)
	}
}

func TestUpdateRate_PegValidation(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		rate    string
		wantErr bool
	}{
		{"peg exact", "1", false},
		{"peg within deviation", "1.015", false},
		{"peg under within deviation", "0.985", false},
		{"peg over deviation", "1.03", true},
		{"peg far under", "0.9", true},
		{"zero", "0", true},
		{"negative", "-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.UpdateRate(ctx, "NGN", "cNGN", dec(tt.rate), "manual")
			if tt.wantErr && err == nil {
				t.Errorf("rate %s should be rejected", tt.rate)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("rate %s rejected: %v", tt.rate, err)
			}
		})
	}

	// Non-peg pairs skip the deviation bound but still reject non-positive.
	if _, err := engine.UpdateRate(ctx, "USD", "NGN", dec("1500"), "manual"); err != nil {
		t.Errorf("USD/NGN 1500 rejected: %v", err)
	}
	if _, err := engine.UpdateRate(ctx, "USD", "NGN", dec("0"), "manual"); err == nil {
		t.Error("zero rate should be rejected")
	}
	if code := apperrors.CodeOf(engineUpdateErr(engine)); code != apperrors.ErrCodeInvalidRate {
		t.Errorf("code = %s, want INVALID_RATE", code)
	}

	// Accepted writes append history.
	history, err := store.ListRateHistory(ctx, "NGN", "cNGN", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("history rows = %d, want 3 accepted peg writes", len(history))
	}
}

func engineUpdateErr(e *Engine) error {
	_, err := e.UpdateRate(context.Background(), "USD", "NGN", decimal.Zero, "manual")
	return err
}

func TestCalculateConversion(t *testing.T) {
	engine, _ := newTestEngine(t, NewPegProvider())
	ctx := context.Background()

	conv, err := engine.CalculateConversion(ctx, "NGN", "cNGN", dec("10000"), DirectionBuy)
	if err != nil {
		t.Fatalf("CalculateConversion: %v", err)
	}
	if conv.Rate != "1" || conv.GrossAmount != "10000" {
		t.Errorf("conversion = %+v", conv)
	}
	// onramp tier: 1% provider + 0.5% platform of gross.
	if conv.ProviderFee != "100" || conv.PlatformFee != "50" {
		t.Errorf("fees = %s/%s, want 100/50", conv.ProviderFee, conv.PlatformFee)
	}
	if conv.NetAmount != "9850" {
		t.Errorf("net = %s, want 9850", conv.NetAmount)
	}
	if !conv.ExpiresAt.After(time.Now()) {
		t.Error("expires_at should be in the future")
	}

	if _, err := engine.CalculateConversion(ctx, "NGN", "cNGN", decimal.Zero, DirectionBuy); err == nil {
		t.Error("zero amount should be rejected")
	}
	if _, err := engine.CalculateConversion(ctx, "NGN", "cNGN", dec("-5"), DirectionSell); err == nil {
		t.Error("negative amount should be rejected")
	}
}

func TestNewEngine_BadDeviation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRateDeviation = "not-a-number"
	if _, err := NewEngine(cfg, nil, storage.NewMemoryStore(), nil); err == nil {
		t.Error("malformed deviation should be rejected")
	}
}
