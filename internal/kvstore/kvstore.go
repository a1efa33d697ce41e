// Package kvstore provides the shared key-value cache used for quotes,
// resolved exchange rates, and idempotency markers. Values are opaque bytes;
// callers own serialization and key naming (versioned prefixes like
// "v1:rate:").
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the key-value interface shared by the memory and Redis backends.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent. Returns true when the write won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// New selects the backend from configuration: Redis when an address is set,
// otherwise the in-process store.
func New(cfg config.RedisConfig, logger zerolog.Logger) (Store, error) {
	if cfg.Addr == "" {
		logger.Info().Str("backend", "memory").Msg("kvstore.initialized")
		return NewMemory(), nil
	}

	store, err := NewRedis(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("backend", "redis").Str("addr", cfg.Addr).Msg("kvstore.initialized")
	return store, nil
}
