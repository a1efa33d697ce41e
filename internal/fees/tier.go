// Package fees computes the tiered provider/platform fee split applied to
// onramps, offramps, and bill payments. Tiers live in YAML config or the
// database; the engine caches the ordered candidate list per lookup key for
// the process lifetime.
package fees

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// ErrTierNotFound is returned when no tier matches a lookup.
var ErrTierNotFound = errors.New("fee tier not found")

// FeeTier is one pricing band. Nil pointer fields mean "unbounded" for
// amounts and "any" for the validity window; empty Provider/Method match
// any provider or method.
type FeeTier struct {
	ID                 string
	TransactionType    string // onramp, offramp, bill_payment, onramp_platform, onramp_provider
	Provider           string // paystack, flutterwave, stripe, vtpass, or "" for any
	Method             string // card, bank_transfer, ussd, or "" for any
	MinAmount          *decimal.Decimal
	MaxAmount          *decimal.Decimal
	ProviderFeePercent decimal.Decimal
	ProviderFeeFlat    decimal.Decimal
	ProviderFeeCap     *decimal.Decimal
	PlatformFeePercent decimal.Decimal
	EffectiveFrom      *time.Time
	EffectiveUntil     *time.Time
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InForce reports whether the tier's validity window covers now. The window
// is half-open: [effective_from, effective_until).
func (t FeeTier) InForce(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.EffectiveFrom != nil && now.Before(*t.EffectiveFrom) {
		return false
	}
	if t.EffectiveUntil != nil && !now.Before(*t.EffectiveUntil) {
		return false
	}
	return true
}

// Contains reports whether amount falls inside [min_amount, max_amount].
// A nil bound is unbounded on that side.
func (t FeeTier) Contains(amount decimal.Decimal) bool {
	if t.MinAmount != nil && amount.LessThan(*t.MinAmount) {
		return false
	}
	if t.MaxAmount != nil && amount.GreaterThan(*t.MaxAmount) {
		return false
	}
	return true
}

// Matches reports whether the tier serves the given provider and method.
// Empty tier columns match any value.
func (t FeeTier) Matches(provider, method string) bool {
	if t.Provider != "" && provider != "" && t.Provider != provider {
		return false
	}
	if t.Method != "" && method != "" && t.Method != method {
		return false
	}
	return true
}

// Repository is the fee tier store.
type Repository interface {
	// ListTiers returns every active tier.
	ListTiers(ctx context.Context) ([]FeeTier, error)

	// FindCandidates returns active tiers for the transaction type matching
	// provider/method, ordered by min_amount ascending with unbounded tiers
	// first.
	FindCandidates(ctx context.Context, transactionType, provider, method string) ([]FeeTier, error)

	// UpsertTier inserts or replaces a tier by id.
	UpsertTier(ctx context.Context, tier FeeTier) error

	// DeleteTier deactivates a tier.
	DeleteTier(ctx context.Context, id string) error

	// Close closes any open connections.
	Close() error
}

// NewRepository creates a fee tier repository based on config.
func NewRepository(cfg config.FeesConfig) (Repository, error) {
	return NewRepositoryWithDB(cfg, nil)
}

// NewRepositoryWithDB creates a repository, reusing sharedDB for the
// postgres source when provided.
func NewRepositoryWithDB(cfg config.FeesConfig, sharedDB *sql.DB) (Repository, error) {
	switch cfg.Source {
	case "", "yaml":
		return NewYAMLRepository(cfg.Tiers)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, errors.New("postgres_url required when fees source is 'postgres'")
		}
		var repo *PostgresRepository
		if sharedDB != nil {
			repo = NewPostgresRepositoryWithDB(sharedDB)
		} else {
			var err error
			repo, err = NewPostgresRepository(cfg.PostgresURL, cfg.PostgresPool)
			if err != nil {
				return nil, err
			}
		}
		return repo.WithTableName(cfg.PostgresTableName), nil
	case "mongodb":
		if cfg.MongoDBURL == "" || cfg.MongoDBDatabase == "" {
			return nil, errors.New("mongodb_url and mongodb_database required when fees source is 'mongodb'")
		}
		collection := cfg.MongoDBCollection
		if collection == "" {
			collection = "fee_tiers"
		}
		return NewMongoDBRepository(cfg.MongoDBURL, cfg.MongoDBDatabase, collection)
	default:
		return nil, errors.New("invalid fees source: must be 'yaml', 'postgres', or 'mongodb'")
	}
}

// sortCandidates orders tiers by min_amount ascending, unbounded tiers
// first. Stable so equal bounds keep their repository order.
func sortCandidates(tiers []FeeTier) []FeeTier {
	out := make([]FeeTier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool { return tierLess(out[i], out[j]) })
	return out
}

func tierLess(a, b FeeTier) bool {
	if a.MinAmount == nil {
		return b.MinAmount != nil
	}
	if b.MinAmount == nil {
		return false
	}
	return a.MinAmount.LessThan(*b.MinAmount)
}
