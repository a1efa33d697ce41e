package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func cachedResponse(body string) *Response {
	return &Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(body),
		CachedAt:   time.Now(),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	if _, found := store.Get(ctx, "missing"); found {
		t.Fatal("found a key that was never set")
	}

	if err := store.Set(ctx, "tx", cachedResponse(`{"id":"tx_1"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, found := store.Get(ctx, "tx")
	if !found {
		t.Fatal("key not found after set")
	}
	if string(got.Body) != `{"id":"tx_1"}` {
		t.Fatalf("body = %s", got.Body)
	}

	if err := store.Delete(ctx, "tx"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found := store.Get(ctx, "tx"); found {
		t.Fatal("key found after delete")
	}
	if err := store.Delete(ctx, "tx"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}

func TestMemoryStoreSetRefreshesExisting(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "k", cachedResponse(`{"v":1}`), time.Minute)
	store.Set(ctx, "k", cachedResponse(`{"v":2}`), time.Minute)

	got, found := store.Get(ctx, "k")
	if !found || string(got.Body) != `{"v":2}` {
		t.Fatalf("got %v %q, want refreshed value", found, got.Body)
	}
	if n := store.order.Len(); n != 1 {
		t.Fatalf("order has %d entries, want 1", n)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "short", cachedResponse("{}"), 20*time.Millisecond)
	if _, found := store.Get(ctx, "short"); !found {
		t.Fatal("key missing before expiry")
	}
	time.Sleep(50 * time.Millisecond)
	if _, found := store.Get(ctx, "short"); found {
		t.Fatal("expired key still readable")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStoreWithSize(3)
	defer store.Stop()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		store.Set(ctx, fmt.Sprintf("key%d", i), cachedResponse("{}"), time.Minute)
	}
	// Touch key1 so key2 becomes the eviction candidate.
	store.Get(ctx, "key1")
	store.Set(ctx, "key4", cachedResponse("{}"), time.Minute)

	if _, found := store.Get(ctx, "key2"); found {
		t.Fatal("least recently used key survived eviction")
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if _, found := store.Get(ctx, key); !found {
			t.Fatalf("%s evicted unexpectedly", key)
		}
	}
}

func TestMemoryStoreBoundUnderConcurrency(t *testing.T) {
	const maxSize = 100
	store := NewMemoryStoreWithSize(maxSize)
	defer store.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for worker := 0; worker < 20; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-%d", worker, i)
				store.Set(ctx, key, cachedResponse("{}"), time.Minute)
				store.Get(ctx, key)
			}
		}(worker)
	}
	wg.Wait()

	store.mu.Lock()
	entries, order := len(store.entries), store.order.Len()
	store.mu.Unlock()

	if entries > maxSize {
		t.Fatalf("store holds %d entries, bound is %d", entries, maxSize)
	}
	if entries != order {
		t.Fatalf("map has %d entries but order list has %d", entries, order)
	}
}
