package fees

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/money"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// stellarFeeXLM is the network fee per payment. Always absorbed by the
// platform and reported as NGN 0 in every breakdown.
var stellarFeeXLM = decimal.RequireFromString("0.00001")

// Request is one fee calculation.
type Request struct {
	TransactionType string
	Amount          decimal.Decimal // NGN major units
	Provider        string          // optional
	Method          string          // optional
	Currency        string          // defaults to NGN
	TransactionID   string          // optional, stamped on the audit row
	Outcome         string          // quoted (default), settled, failed
}

// Breakdown is the full fee split for an amount.
type Breakdown struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ProviderFee   decimal.Decimal `json:"provider_fee"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	StellarFeeNGN decimal.Decimal `json:"stellar_fee_ngn"` // Always 0, absorbed
	TotalFee      decimal.Decimal `json:"total_fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	EffectiveRate decimal.Decimal `json:"effective_rate"` // Total as percent of amount
	TierID        string          `json:"tier_id,omitempty"`
}

type cacheKey struct {
	transactionType string
	provider        string
	method          string
}

// Engine resolves tiers and computes breakdowns. The candidate list for
// each (type, provider, method) is cached for the process lifetime;
// InvalidateCache drops it after an admin tier change.
type Engine struct {
	repo  Repository
	store storage.Store

	mu    sync.RWMutex
	cache map[cacheKey][]FeeTier
}

// NewEngine builds an engine. store may be nil to skip audit rows.
func NewEngine(repo Repository, store storage.Store) *Engine {
	return &Engine{
		repo:  repo,
		store: store,
		cache: make(map[cacheKey][]FeeTier),
	}
}

// Calculate resolves a tier and computes the fee split. A missing tier is
// not an error: the breakdown comes back with zero fees so callers can
// apply their own fallback.
func (e *Engine) Calculate(ctx context.Context, req Request) (Breakdown, error) {
	if req.Amount.IsNegative() {
		return Breakdown{}, apperrors.New(apperrors.ErrCodeInvalidAmount, "fee amount must not be negative")
	}
	if req.Currency == "" {
		req.Currency = "NGN"
	}

	breakdown := Breakdown{
		Amount:        req.Amount,
		Currency:      req.Currency,
		ProviderFee:   decimal.Zero,
		PlatformFee:   decimal.Zero,
		StellarFeeNGN: decimal.Zero,
		TotalFee:      decimal.Zero,
		NetAmount:     req.Amount,
		EffectiveRate: decimal.Zero,
	}
	if req.Amount.IsZero() {
		return breakdown, nil
	}

	tier, err := e.findTier(ctx, req.TransactionType, req.Amount, req.Provider, req.Method)
	if err != nil {
		return Breakdown{}, err
	}
	if tier == nil {
		return breakdown, nil
	}

	providerFee := money.ApplyPercent(req.Amount, tier.ProviderFeePercent).Add(tier.ProviderFeeFlat)
	providerFee = money.Clip(providerFee, decimal.Zero, tier.ProviderFeeCap)
	platformFee := money.ApplyPercent(req.Amount, tier.PlatformFeePercent)

	breakdown.ProviderFee = providerFee
	breakdown.PlatformFee = platformFee
	breakdown.TotalFee = providerFee.Add(platformFee)
	breakdown.NetAmount = req.Amount.Sub(breakdown.TotalFee)
	breakdown.EffectiveRate = breakdown.TotalFee.Div(req.Amount).Mul(decimal.NewFromInt(100))
	breakdown.TierID = tier.ID

	e.audit(ctx, req, breakdown)
	return breakdown, nil
}

// Compare calculates the breakdown for each provider at the same amount.
// Providers with no matching tier report zero fees.
func (e *Engine) Compare(ctx context.Context, transactionType string, amount decimal.Decimal, providers []string) (map[string]Breakdown, error) {
	out := make(map[string]Breakdown, len(providers))
	for _, provider := range providers {
		breakdown, err := e.Calculate(ctx, Request{
			TransactionType: transactionType,
			Amount:          amount,
			Provider:        provider,
		})
		if err != nil {
			return nil, err
		}
		out[provider] = breakdown
	}
	return out, nil
}

// ListTiers exposes the active tier set for the fee structure endpoint.
func (e *Engine) ListTiers(ctx context.Context) ([]FeeTier, error) {
	return e.repo.ListTiers(ctx)
}

// UpsertTier writes a tier and drops the candidate cache.
func (e *Engine) UpsertTier(ctx context.Context, tier FeeTier) error {
	if err := e.repo.UpsertTier(ctx, tier); err != nil {
		return err
	}
	e.InvalidateCache()
	return nil
}

// InvalidateCache forces the next lookups to hit the repository.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	e.cache = make(map[cacheKey][]FeeTier)
	e.mu.Unlock()
}

// findTier returns the first in-force candidate whose range contains
// amount, or nil when nothing matches.
func (e *Engine) findTier(ctx context.Context, transactionType string, amount decimal.Decimal, provider, method string) (*FeeTier, error) {
	candidates, err := e.candidates(ctx, cacheKey{transactionType, provider, method})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range candidates {
		if candidates[i].InForce(now) && candidates[i].Contains(amount) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) candidates(ctx context.Context, key cacheKey) ([]FeeTier, error) {
	e.mu.RLock()
	cached, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	tiers, err := e.repo.FindCandidates(ctx, key.transactionType, key.provider, key.method)
	if err != nil {
		return nil, fmt.Errorf("fee tier lookup: %w", err)
	}
	e.mu.Lock()
	e.cache[key] = tiers
	e.mu.Unlock()
	return tiers, nil
}

// audit appends a conversion-audit row for every non-trivial calculation.
// Audit failures never fail the calculation.
func (e *Engine) audit(ctx context.Context, req Request, breakdown Breakdown) {
	if e.store == nil || breakdown.TotalFee.IsZero() {
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = "quoted"
	}
	row := storage.ConversionAudit{
		ID:            uuid.NewString(),
		TransactionID: req.TransactionID,
		TxType:        req.TransactionType,
		FromCurrency:  req.Currency,
		ToCurrency:    req.Currency,
		Amount:        req.Amount,
		Rate:          decimal.NewFromInt(1),
		GrossAmount:   req.Amount,
		ProviderFee:   breakdown.ProviderFee,
		PlatformFee:   breakdown.PlatformFee,
		TotalFee:      breakdown.TotalFee,
		NetAmount:     breakdown.NetAmount,
		EffectiveRate: breakdown.EffectiveRate,
		FeeTierID:     breakdown.TierID,
		Provider:      req.Provider,
		PaymentMethod: req.Method,
		Outcome:       outcome,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.AppendConversionAudit(ctx, row); err != nil {
		log.Warn().Err(err).Str("transaction_type", req.TransactionType).Msg("fees.audit_append_failed")
	}
}

// StellarFeeXLM reports the absorbed per-payment network fee.
func StellarFeeXLM() decimal.Decimal {
	return stellarFeeXLM
}
