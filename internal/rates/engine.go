// Package rates resolves exchange rates through a KV cache, registered rate
// providers, and the persistent history table, and computes conversions
// (rate × amount − fees). NGN↔cNGN is a peg: writes that drift past the
// configured deviation are rejected.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/kvstore"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// rateKeyPrefix versions the KV layout; bump it when the cached shape changes.
const rateKeyPrefix = "v1:rate:"

// Direction selects which side of the ramp a conversion prices.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // NGN in, cNGN out (onramp)
	DirectionSell Direction = "sell" // cNGN in, NGN out (offramp)
)

// Provider fetches a rate from an external source. Providers are tried in
// registration order; Healthy gates each attempt.
type Provider interface {
	Name() string
	Healthy(ctx context.Context) bool
	FetchRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Conversion is a priced amount with its full fee split. Components are
// strings to preserve decimal fidelity across the API boundary.
type Conversion struct {
	FromCurrency string    `json:"from_currency"`
	ToCurrency   string    `json:"to_currency"`
	Amount       string    `json:"amount"`
	Rate         string    `json:"rate"`
	GrossAmount  string    `json:"gross_amount"`
	ProviderFee  string    `json:"provider_fee"`
	PlatformFee  string    `json:"platform_fee"`
	TotalFee     string    `json:"total_fee"`
	NetAmount    string    `json:"net_amount"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Engine resolves and validates rates.
type Engine struct {
	kv           kvstore.Store
	store        storage.Store
	fees         *fees.Engine
	providers    []Provider
	maxDeviation decimal.Decimal
	cacheTTL     time.Duration
	rateExpiry   time.Duration
}

// NewEngine parses the deviation bound and wires the resolution chain.
func NewEngine(cfg config.RatesConfig, kv kvstore.Store, store storage.Store, feeEngine *fees.Engine, providers ...Provider) (*Engine, error) {
	deviation, err := decimal.NewFromString(cfg.MaxRateDeviation)
	if err != nil {
		return nil, fmt.Errorf("rates: parse max_rate_deviation: %w", err)
	}
	if deviation.IsNegative() {
		return nil, fmt.Errorf("rates: max_rate_deviation must not be negative")
	}
	return &Engine{
		kv:           kv,
		store:        store,
		fees:         feeEngine,
		providers:    providers,
		maxDeviation: deviation,
		cacheTTL:     cfg.CacheTTL.Duration,
		rateExpiry:   cfg.RateExpiry.Duration,
	}, nil
}

// GetRate resolves a rate: KV cache, then providers in order, then the
// history table. Successful provider reads are persisted and cached.
func (e *Engine) GetRate(ctx context.Context, from, to string) (storage.ExchangeRate, error) {
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return storage.ExchangeRate{}, apperrors.New(apperrors.ErrCodeInvalidCurrency, "currency pair required")
	}
	if from == to {
		return storage.ExchangeRate{
			FromCurrency: from,
			ToCurrency:   to,
			Rate:         decimal.NewFromInt(1),
			Source:       "identity",
			CreatedAt:    time.Now().UTC(),
		}, nil
	}

	if cached, ok := e.readCache(ctx, from, to); ok {
		return cached, nil
	}

	for _, provider := range e.providers {
		if !provider.Healthy(ctx) {
			continue
		}
		value, err := provider.FetchRate(ctx, from, to)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider.Name()).
				Str("from", from).Str("to", to).Msg("rates.provider_fetch_failed")
			continue
		}
		rate, err := e.persist(ctx, from, to, value, provider.Name())
		if err != nil {
			return storage.ExchangeRate{}, err
		}
		return rate, nil
	}

	// All providers down; fall back to the last persisted rate.
	rate, err := e.store.LatestRate(ctx, from, to)
	if err != nil {
		return storage.ExchangeRate{}, apperrors.Wrap(apperrors.ErrCodeInvalidRate,
			fmt.Sprintf("no rate available for %s/%s", from, to), err)
	}
	e.writeCache(ctx, rate)
	return rate, nil
}

// UpdateRate validates and persists an administrative rate write.
func (e *Engine) UpdateRate(ctx context.Context, from, to string, value decimal.Decimal, source string) (storage.ExchangeRate, error) {
	from, to = normalize(from), normalize(to)
	if err := e.validate(from, to, value); err != nil {
		return storage.ExchangeRate{}, err
	}
	if source == "" {
		source = "manual"
	}
	return e.persist(ctx, from, to, value, source)
}

// CalculateConversion prices amount at the current rate and applies the fee
// split against the gross.
func (e *Engine) CalculateConversion(ctx context.Context, from, to string, amount decimal.Decimal, direction Direction) (Conversion, error) {
	if !amount.IsPositive() {
		return Conversion{}, apperrors.New(apperrors.ErrCodeInvalidAmount, "conversion amount must be positive")
	}

	rate, err := e.GetRate(ctx, from, to)
	if err != nil {
		return Conversion{}, err
	}
	gross := amount.Mul(rate.Rate)

	transactionType := "onramp"
	if direction == DirectionSell {
		transactionType = "offramp"
	}
	breakdown, err := e.fees.Calculate(ctx, fees.Request{
		TransactionType: transactionType,
		Amount:          gross,
		Currency:        "NGN",
	})
	if err != nil {
		return Conversion{}, err
	}

	net := gross.Sub(breakdown.ProviderFee.Add(breakdown.PlatformFee))
	return Conversion{
		FromCurrency: rate.FromCurrency,
		ToCurrency:   rate.ToCurrency,
		Amount:       amount.String(),
		Rate:         rate.Rate.String(),
		GrossAmount:  gross.String(),
		ProviderFee:  breakdown.ProviderFee.String(),
		PlatformFee:  breakdown.PlatformFee.String(),
		TotalFee:     breakdown.TotalFee.String(),
		NetAmount:    net.String(),
		ExpiresAt:    time.Now().UTC().Add(e.rateExpiry),
	}, nil
}

// History lists persisted rate rows for a pair, newest first.
func (e *Engine) History(ctx context.Context, from, to string, limit int) ([]storage.ExchangeRate, error) {
	return e.store.ListRateHistory(ctx, normalize(from), normalize(to), limit)
}

// validate enforces the write rules: positive everywhere, peg-bounded for
// NGN↔cNGN.
func (e *Engine) validate(from, to string, value decimal.Decimal) error {
	if from == "" || to == "" || from == to {
		return apperrors.New(apperrors.ErrCodeInvalidCurrency, "currency pair required")
	}
	if !value.IsPositive() {
		return apperrors.New(apperrors.ErrCodeInvalidRate, "rate must be positive")
	}
	if isPegPair(from, to) {
		drift := value.Sub(decimal.NewFromInt(1)).Abs()
		if drift.GreaterThan(e.maxDeviation) {
			return apperrors.Newf(apperrors.ErrCodeInvalidRate,
				"peg rate %s deviates more than %s from 1", value, e.maxDeviation)
		}
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, from, to string, value decimal.Decimal, source string) (storage.ExchangeRate, error) {
	if err := e.validate(from, to, value); err != nil {
		return storage.ExchangeRate{}, err
	}
	rate := storage.ExchangeRate{
		ID:           uuid.NewString(),
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         value,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.AppendRate(ctx, rate); err != nil {
		return storage.ExchangeRate{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "persist rate", err)
	}
	e.writeCache(ctx, rate)
	return rate, nil
}

func (e *Engine) readCache(ctx context.Context, from, to string) (storage.ExchangeRate, bool) {
	if e.kv == nil {
		return storage.ExchangeRate{}, false
	}
	raw, err := e.kv.Get(ctx, rateKey(from, to))
	if err != nil {
		return storage.ExchangeRate{}, false
	}
	var rate storage.ExchangeRate
	if err := json.Unmarshal(raw, &rate); err != nil {
		return storage.ExchangeRate{}, false
	}
	return rate, true
}

// writeCache is best-effort; a cache failure never blocks the read path.
func (e *Engine) writeCache(ctx context.Context, rate storage.ExchangeRate) {
	if e.kv == nil || e.cacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(rate)
	if err != nil {
		return
	}
	if err := e.kv.Set(ctx, rateKey(rate.FromCurrency, rate.ToCurrency), raw, e.cacheTTL); err != nil {
		log.Warn().Err(err).Str("from", rate.FromCurrency).Str("to", rate.ToCurrency).
			Msg("rates.cache_write_failed")
	}
}

func rateKey(from, to string) string {
	return rateKeyPrefix + from + ":" + to
}

func normalize(code string) string {
	code = strings.TrimSpace(code)
	if strings.EqualFold(code, "cNGN") {
		return "cNGN"
	}
	return strings.ToUpper(code)
}

func isPegPair(from, to string) bool {
	return (from == "NGN" && to == "cNGN") || (from == "cNGN" && to == "NGN")
}
