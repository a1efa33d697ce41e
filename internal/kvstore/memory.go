package kvstore

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with LRU eviction and lazy expiry.
// Suitable for single-instance deployments and tests; multi-instance
// deployments should configure Redis so quotes survive restarts.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*memoryEntry
	lru         *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
	element   *list.Element
}

// NewMemory creates an in-memory store holding at most 10,000 entries.
func NewMemory() *MemoryStore {
	return NewMemoryWithSize(10000)
}

// NewMemoryWithSize creates an in-memory store with a custom entry cap.
func NewMemoryWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]*memoryEntry),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	// Start background cleanup goroutine
	go s.cleanup()

	return s
}

// Get returns the value for key, or ErrNotFound when absent or expired.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(now) {
		s.removeLocked(entry)
		return nil, ErrNotFound
	}

	// Move to front of LRU list (most recently used)
	s.lru.MoveToFront(entry.element)

	// Copy so callers cannot mutate the cached value
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores value under key, evicting the LRU entry when at capacity.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl, now)
	return nil
}

// SetNX stores value only when key is absent (or its entry has expired).
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		if !entry.expired(now) {
			return false, nil
		}
		s.removeLocked(entry)
	}

	s.setLocked(key, value, ttl, now)
	return true, nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		s.removeLocked(entry)
	}
	return nil
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// setLocked inserts or replaces an entry. Caller must hold the lock.
func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration, now time.Time) {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if entry, ok := s.entries[key]; ok {
		entry.value = stored
		entry.expiresAt = expiresAt
		s.lru.MoveToFront(entry.element)
		return
	}

	// Evict before adding so the map never exceeds maxSize
	if len(s.entries) >= s.maxSize {
		s.evictLRU()
	}

	entry := &memoryEntry{
		key:       key,
		value:     stored,
		expiresAt: expiresAt,
	}
	entry.element = s.lru.PushFront(entry)
	s.entries[key] = entry
}

// evictLRU removes the least recently used entry. Caller must hold the lock.
func (s *MemoryStore) evictLRU() {
	element := s.lru.Back()
	if element == nil {
		return
	}
	s.removeLocked(element.Value.(*memoryEntry))
}

// removeLocked drops an entry from both structures. Caller must hold the lock.
func (s *MemoryStore) removeLocked(entry *memoryEntry) {
	s.lru.Remove(entry.element)
	delete(s.entries, entry.key)
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// cleanup periodically removes expired entries so the map does not hold
// dead quotes between reads.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()

			// Collect first to avoid mutating the map mid-iteration
			var expired []*memoryEntry
			for _, entry := range s.entries {
				if entry.expired(now) {
					expired = append(expired, entry)
				}
			}
			for _, entry := range expired {
				s.removeLocked(entry)
			}

			s.mu.Unlock()
		}
	}
}
