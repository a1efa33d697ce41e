package billers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

func testCatalog() map[string]config.Biller {
	return map[string]config.Biller{
		"mtn-airtime": {
			ServiceID:    "mtn",
			Name:         "MTN Airtime",
			Category:     "airtime",
			MinAmountNGN: "50",
			MaxAmountNGN: "50000",
		},
		"glo-data": {
			ServiceID: "glo-data",
			Name:      "Glo Data Bundles",
			Category:  "data",
		},
		"ikeja-electric": {
			ServiceID:     "ikeja-electric",
			Name:          "Ikeja Electric Prepaid",
			Category:      "electricity",
			MinAmountNGN:  "500",
			MaxAmountNGN:  "500000",
			States:        []string{"Lagos"},
			RequiresMeter: true,
		},
		"aedc": {
			Name:          "Abuja Electricity",
			Category:      "electricity",
			States:        []string{"fct", "niger", "kogi", "nasarawa"},
			RequiresMeter: true,
		},
	}
}

func mustRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	repo, err := NewYAMLRepository(testCatalog())
	if err != nil {
		t.Fatalf("NewYAMLRepository: %v", err)
	}
	return repo
}

func TestYAMLRepositoryGetBiller(t *testing.T) {
	ctx := context.Background()
	repo := mustRepo(t)

	biller, err := repo.GetBiller(ctx, "mtn-airtime")
	if err != nil {
		t.Fatalf("GetBiller: %v", err)
	}
	if biller.ServiceID != "mtn" || biller.Category != "airtime" {
		t.Fatalf("unexpected biller: %+v", biller)
	}
	if biller.MinAmount == nil || !biller.MinAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("min amount not parsed: %v", biller.MinAmount)
	}

	// service_id falls back to the catalog key
	aedc, err := repo.GetBiller(ctx, "aedc")
	if err != nil {
		t.Fatalf("GetBiller(aedc): %v", err)
	}
	if aedc.ServiceID != "aedc" {
		t.Fatalf("expected service_id fallback to key, got %q", aedc.ServiceID)
	}

	if _, err := repo.GetBiller(ctx, "nonexistent"); !errors.Is(err, ErrBillerNotFound) {
		t.Fatalf("expected ErrBillerNotFound, got %v", err)
	}
}

func TestYAMLRepositoryRejectsBadAmounts(t *testing.T) {
	_, err := NewYAMLRepository(map[string]config.Biller{
		"broken": {Name: "Broken", Category: "airtime", MinAmountNGN: "fifty"},
	})
	if err == nil {
		t.Fatal("expected parse error for non-decimal amount")
	}
}

func TestListBillersFilters(t *testing.T) {
	ctx := context.Background()
	repo := mustRepo(t)

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"aedc", "glo-data", "ikeja-electric", "mtn-airtime"}},
		{"category", Filter{Category: "electricity"}, []string{"aedc", "ikeja-electric"}},
		{"category case-insensitive", Filter{Category: "Electricity"}, []string{"aedc", "ikeja-electric"}},
		{"state", Filter{State: "lagos"}, []string{"glo-data", "ikeja-electric", "mtn-airtime"}},
		{"category and state", Filter{Category: "electricity", State: "kogi"}, []string{"aedc"}},
		{"no match", Filter{Category: "electricity", State: "rivers"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repo.ListBillers(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListBillers: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d billers, want %d: %+v", len(got), len(tc.want), got)
			}
			for i, biller := range got {
				if biller.ID != tc.want[i] {
					t.Fatalf("billers[%d] = %s, want %s", i, biller.ID, tc.want[i])
				}
			}
		})
	}
}

func TestValidateAmount(t *testing.T) {
	ctx := context.Background()
	repo := mustRepo(t)
	biller, _ := repo.GetBiller(ctx, "mtn-airtime")

	if err := biller.ValidateAmount(decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("expected 1000 within bounds, got %v", err)
	}
	if err := biller.ValidateAmount(decimal.NewFromInt(50)); err != nil {
		t.Fatalf("expected boundary amount to pass, got %v", err)
	}
	if err := biller.ValidateAmount(decimal.NewFromInt(49)); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange below floor, got %v", err)
	}
	if err := biller.ValidateAmount(decimal.NewFromInt(60000)); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange above ceiling, got %v", err)
	}

	// Unbounded biller accepts anything.
	data, _ := repo.GetBiller(ctx, "glo-data")
	if err := data.ValidateAmount(decimal.NewFromInt(1)); err != nil {
		t.Fatalf("expected unbounded biller to accept, got %v", err)
	}
}

// countingRepository tracks calls through to the underlying catalog.
type countingRepository struct {
	Repository
	gets  int
	lists int
}

func (r *countingRepository) GetBiller(ctx context.Context, id string) (Biller, error) {
	r.gets++
	return r.Repository.GetBiller(ctx, id)
}

func (r *countingRepository) ListBillers(ctx context.Context, filter Filter) ([]Biller, error) {
	r.lists++
	return r.Repository.ListBillers(ctx, filter)
}

func TestCachedRepositoryServesFromCache(t *testing.T) {
	ctx := context.Background()
	counting := &countingRepository{Repository: mustRepo(t)}
	cached := NewCachedRepository(counting, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cached.GetBiller(ctx, "mtn-airtime"); err != nil {
			t.Fatalf("GetBiller: %v", err)
		}
	}
	if counting.gets != 1 {
		t.Fatalf("expected 1 underlying get, got %d", counting.gets)
	}

	// Distinct filters warm distinct entries; repeats hit the cache.
	for i := 0; i < 2; i++ {
		if _, err := cached.ListBillers(ctx, Filter{}); err != nil {
			t.Fatalf("ListBillers: %v", err)
		}
		if _, err := cached.ListBillers(ctx, Filter{Category: "electricity"}); err != nil {
			t.Fatalf("ListBillers(electricity): %v", err)
		}
	}
	if counting.lists != 2 {
		t.Fatalf("expected 2 underlying lists, got %d", counting.lists)
	}

	cached.InvalidateCache()
	if _, err := cached.GetBiller(ctx, "mtn-airtime"); err != nil {
		t.Fatalf("GetBiller after invalidate: %v", err)
	}
	if counting.gets != 2 {
		t.Fatalf("expected refetch after invalidate, got %d gets", counting.gets)
	}
}

func TestCachedRepositoryZeroTTLBypassesCache(t *testing.T) {
	ctx := context.Background()
	counting := &countingRepository{Repository: mustRepo(t)}
	cached := NewCachedRepository(counting, 0)

	for i := 0; i < 2; i++ {
		if _, err := cached.GetBiller(ctx, "mtn-airtime"); err != nil {
			t.Fatalf("GetBiller: %v", err)
		}
	}
	if counting.gets != 2 {
		t.Fatalf("expected every read to pass through, got %d gets", counting.gets)
	}
}
