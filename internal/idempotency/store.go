package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a replayable snapshot of a successful response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store caches responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an LRU-bounded in-process Store. Entries expire on TTL and
// a background sweep reclaims them; the LRU bound caps memory under key
// floods.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*storeEntry
	order       *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type storeEntry struct {
	key      string
	response *Response
	expires  time.Time
	element  *list.Element
}

const defaultMaxEntries = 10000

// sweepInterval is how often the expiry sweep runs.
const sweepInterval = 5 * time.Minute

// NewMemoryStore returns a store bounded at 10k entries.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(defaultMaxEntries)
}

// NewMemoryStoreWithSize bounds the store at maxSize entries.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]*storeEntry),
		order:       list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Get returns the cached response and refreshes its LRU position. Expired
// entries read as absent; the sweep reclaims them later.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || now.After(entry.expires) {
		return nil, false
	}
	s.order.MoveToFront(entry.element)
	return entry.response, true
}

// Set stores the response under key. An existing key is refreshed in place.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		entry.response = response
		entry.expires = now.Add(ttl)
		s.order.MoveToFront(entry.element)
		return nil
	}

	// Evict before inserting so the map never exceeds the bound.
	if len(s.entries) >= s.maxSize {
		if oldest := s.order.Back(); oldest != nil {
			s.removeLocked(oldest.Value.(*storeEntry))
		}
	}

	entry := &storeEntry{key: key, response: response, expires: now.Add(ttl)}
	entry.element = s.order.PushFront(entry)
	s.entries[key] = entry
	return nil
}

// Delete drops the key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		s.removeLocked(entry)
	}
	return nil
}

func (s *MemoryStore) removeLocked(entry *storeEntry) {
	s.order.Remove(entry.element)
	delete(s.entries, entry.key)
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			var expired []*storeEntry
			for _, entry := range s.entries {
				if now.After(entry.expires) {
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

// Stop terminates the sweep goroutine and waits for it to exit.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}
