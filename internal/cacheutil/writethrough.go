// Package cacheutil holds the caching primitives shared by cached
// repositories, currently the biller catalog.
package cacheutil

import (
	"sync"
	"time"
)

// CachedValue pairs a value with the time it was fetched so callers can
// apply their own TTL.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// WriteThrough runs the write and invalidates the cache only when it
// succeeds, so a failed write never leaves the cache serving data the
// backing store rejected.
func WriteThrough(invalidate func(), operation func() error) error {
	if err := operation(); err != nil {
		return err
	}
	invalidate()
	return nil
}

// ReadThrough is a double-checked read-through cache. checkCache runs
// under the read lock; on a miss the write lock is taken and checkCache
// runs again with a fresh timestamp before fetchAndCache, since another
// goroutine may have populated the entry in between and a stale timestamp
// would make that fresh entry look expired.
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	now = time.Now()
	if value, ok := checkCache(now); ok {
		return value, nil
	}
	return fetchAndCache(now)
}
