package billers

import (
	"context"
	"sync"
	"time"

	"github.com/nairabridge/nairabridge-server/internal/cacheutil"
)

// CachedRepository wraps any Repository with a TTL-based read-through cache.
// Listings are cached per filter so the common unfiltered catalog request and
// the category/state variants each stay warm independently.
type CachedRepository struct {
	underlying   Repository
	cacheTTL     time.Duration
	mu           sync.RWMutex
	cachedBiller map[string]cacheutil.CachedValue[Biller]
	cachedList   map[Filter]cacheutil.CachedValue[[]Biller]
}

// NewCachedRepository wraps a repository with caching. TTL zero disables the
// cache entirely.
func NewCachedRepository(underlying Repository, cacheTTL time.Duration) *CachedRepository {
	return &CachedRepository{
		underlying:   underlying,
		cacheTTL:     cacheTTL,
		cachedBiller: make(map[string]cacheutil.CachedValue[Biller]),
		cachedList:   make(map[Filter]cacheutil.CachedValue[[]Biller]),
	}
}

func (r *CachedRepository) GetBiller(ctx context.Context, id string) (Biller, error) {
	if r.cacheTTL == 0 {
		return r.underlying.GetBiller(ctx, id)
	}

	return cacheutil.ReadThrough(
		&r.mu,
		func(now time.Time) (Biller, bool) {
			if entry, ok := r.cachedBiller[id]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return Biller{}, false
		},
		func(now time.Time) (Biller, error) {
			biller, err := r.underlying.GetBiller(ctx, id)
			if err != nil {
				return Biller{}, err
			}
			r.cachedBiller[id] = cacheutil.CachedValue[Biller]{Value: biller, FetchedAt: now}
			return biller, nil
		},
	)
}

func (r *CachedRepository) ListBillers(ctx context.Context, filter Filter) ([]Biller, error) {
	if r.cacheTTL == 0 {
		return r.underlying.ListBillers(ctx, filter)
	}

	return cacheutil.ReadThrough(
		&r.mu,
		func(now time.Time) ([]Biller, bool) {
			if entry, ok := r.cachedList[filter]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]Biller, error) {
			billers, err := r.underlying.ListBillers(ctx, filter)
			if err != nil {
				return nil, err
			}
			r.cachedList[filter] = cacheutil.CachedValue[[]Biller]{Value: billers, FetchedAt: now}
			return billers, nil
		},
	)
}

// InvalidateCache forces the next reads to hit the underlying repository.
func (r *CachedRepository) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedBiller = make(map[string]cacheutil.CachedValue[Biller])
	r.cachedList = make(map[Filter]cacheutil.CachedValue[[]Biller])
}

func (r *CachedRepository) Close() error {
	return r.underlying.Close()
}
