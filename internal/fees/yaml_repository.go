package fees

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// YAMLRepository holds tiers parsed from config. Unlike the database
// repositories it accepts upserts, so the admin surface keeps working on
// deployments without a tier table; changes do not survive a restart.
type YAMLRepository struct {
	mu    sync.RWMutex
	tiers map[string]FeeTier
}

// NewYAMLRepository parses config tiers. Tier ids are assigned at load.
func NewYAMLRepository(tiers []config.FeeTierConfig) (*YAMLRepository, error) {
	parsed := make(map[string]FeeTier, len(tiers))
	for i, raw := range tiers {
		tier, err := tierFromConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("fees: tier %d: %w", i, err)
		}
		tier.ID = fmt.Sprintf("yaml-%d", i)
		parsed[tier.ID] = tier
	}
	return &YAMLRepository{tiers: parsed}, nil
}

func (r *YAMLRepository) ListTiers(_ context.Context) ([]FeeTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FeeTier, 0, len(r.tiers))
	for _, tier := range r.tiers {
		if tier.Active {
			out = append(out, tier)
		}
	}
	return sortCandidates(out), nil
}

func (r *YAMLRepository) FindCandidates(_ context.Context, transactionType, provider, method string) ([]FeeTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FeeTier, 0)
	for _, tier := range r.tiers {
		if !tier.Active || tier.TransactionType != transactionType {
			continue
		}
		if !tier.Matches(provider, method) {
			continue
		}
		out = append(out, tier)
	}
	return sortCandidates(out), nil
}

func (r *YAMLRepository) UpsertTier(_ context.Context, tier FeeTier) error {
	if tier.TransactionType == "" {
		return errors.New("fees: transaction_type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tier.ID == "" {
		tier.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if existing, ok := r.tiers[tier.ID]; ok {
		tier.CreatedAt = existing.CreatedAt
	} else {
		tier.CreatedAt = now
	}
	tier.UpdatedAt = now
	r.tiers[tier.ID] = tier
	return nil
}

func (r *YAMLRepository) DeleteTier(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tier, ok := r.tiers[id]
	if !ok {
		return ErrTierNotFound
	}
	tier.Active = false
	tier.UpdatedAt = time.Now().UTC()
	r.tiers[id] = tier
	return nil
}

func (r *YAMLRepository) Close() error { return nil }

// tierFromConfig converts decimal-string config fields. Validation already
// ran at config load; malformed values still fail here for direct callers.
func tierFromConfig(raw config.FeeTierConfig) (FeeTier, error) {
	tier := FeeTier{
		TransactionType: raw.TransactionType,
		Provider:        raw.Provider,
		Method:          raw.Method,
		Active:          true,
	}

	var err error
	if tier.MinAmount, err = optionalDecimal(raw.MinAmount); err != nil {
		return FeeTier{}, fmt.Errorf("min_amount: %w", err)
	}
	if tier.MaxAmount, err = optionalDecimal(raw.MaxAmount); err != nil {
		return FeeTier{}, fmt.Errorf("max_amount: %w", err)
	}
	if tier.ProviderFeeCap, err = optionalDecimal(raw.ProviderFeeCap); err != nil {
		return FeeTier{}, fmt.Errorf("provider_fee_cap: %w", err)
	}
	if tier.ProviderFeePercent, err = decimalOrZero(raw.ProviderFeePercent); err != nil {
		return FeeTier{}, fmt.Errorf("provider_fee_percent: %w", err)
	}
	if tier.ProviderFeeFlat, err = decimalOrZero(raw.ProviderFeeFlat); err != nil {
		return FeeTier{}, fmt.Errorf("provider_fee_flat: %w", err)
	}
	if tier.PlatformFeePercent, err = decimalOrZero(raw.PlatformFeePercent); err != nil {
		return FeeTier{}, fmt.Errorf("platform_fee_percent: %w", err)
	}
	if tier.EffectiveFrom, err = optionalTime(raw.EffectiveFrom); err != nil {
		return FeeTier{}, fmt.Errorf("effective_from: %w", err)
	}
	if tier.EffectiveUntil, err = optionalTime(raw.EffectiveUntil); err != nil {
		return FeeTier{}, fmt.Errorf("effective_until: %w", err)
	}
	return tier, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func optionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
