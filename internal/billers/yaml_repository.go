package billers

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// YAMLRepository serves the catalog parsed from config. Read-only; catalog
// changes ship as config changes.
type YAMLRepository struct {
	billers map[string]Biller
}

// NewYAMLRepository parses the config catalog. Map keys become biller ids;
// a missing service_id falls back to the key.
func NewYAMLRepository(services map[string]config.Biller) (*YAMLRepository, error) {
	parsed := make(map[string]Biller, len(services))
	for key, raw := range services {
		biller, err := billerFromConfig(key, raw)
		if err != nil {
			return nil, fmt.Errorf("billers: service %s: %w", key, err)
		}
		parsed[key] = biller
	}
	return &YAMLRepository{billers: parsed}, nil
}

func (r *YAMLRepository) GetBiller(_ context.Context, id string) (Biller, error) {
	biller, ok := r.billers[id]
	if !ok {
		return Biller{}, ErrBillerNotFound
	}
	return biller, nil
}

// ListBillers returns matching billers sorted by id for stable output.
func (r *YAMLRepository) ListBillers(_ context.Context, filter Filter) ([]Biller, error) {
	out := make([]Biller, 0, len(r.billers))
	for _, biller := range r.billers {
		if filter.matches(biller) {
			out = append(out, biller)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *YAMLRepository) Close() error { return nil }

func billerFromConfig(key string, raw config.Biller) (Biller, error) {
	biller := Biller{
		ID:            key,
		ServiceID:     raw.ServiceID,
		Name:          raw.Name,
		Category:      raw.Category,
		States:        append([]string(nil), raw.States...),
		RequiresMeter: raw.RequiresMeter,
	}
	if biller.ServiceID == "" {
		biller.ServiceID = key
	}

	var err error
	if biller.MinAmount, err = optionalAmount(raw.MinAmountNGN); err != nil {
		return Biller{}, fmt.Errorf("min_amount_ngn: %w", err)
	}
	if biller.MaxAmount, err = optionalAmount(raw.MaxAmountNGN); err != nil {
		return Biller{}, fmt.Errorf("max_amount_ngn: %w", err)
	}
	return biller, nil
}

func optionalAmount(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
