// Package storage persists the bridge's durable state: the transaction
// ledger, inbound webhook dedupe records, exchange rate history, conversion
// audits, ledger scan cursors, and the outbound notification queue.
//
// Status writes go through UpdateStatus / UpdateStatusWithMetadata, which
// enforce the transition table and serialize concurrent workers with an
// optimistic status guard (UPDATE ... WHERE status = expected). A zero-row
// update means another cycle owns the row; callers skip it and move on.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrStaleStatus is returned when a status-guarded update matched zero rows:
// the row moved on since it was read. Not a failure; the caller lost the race.
var ErrStaleStatus = errors.New("storage: status changed concurrently")

// ErrInvalidTransition is returned when a requested status move is not in the
// transition table. The row is left unchanged.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// ErrDuplicate is returned when a uniqueness constraint would be violated
// (transaction id, provider reference, webhook event key).
var ErrDuplicate = errors.New("storage: duplicate")

// ErrHashAlreadySet is returned when a conditional blockchain-hash write
// finds a different non-null hash already recorded. Hashes are immutable.
var ErrHashAlreadySet = errors.New("storage: blockchain hash already set")

// Store is the repository contract for the orchestration pipeline.
type Store interface {
	// Transaction ledger
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, provider, reference string) (Transaction, error)
	// GetTransactionByMemoRef matches a Stellar memo against the full
	// transaction id first, then against the stored deposit_ref.
	GetTransactionByMemoRef(ctx context.Context, memo string) (Transaction, error)

	// SetProviderSession records the provider and its reference on the row
	// once the payment session exists. A session already held by another
	// row surfaces as ErrDuplicate.
	SetProviderSession(ctx context.Context, id, provider, reference string) error

	// UpdateStatus performs the status-guarded transition from -> to.
	// Returns ErrInvalidTransition for moves outside the table and
	// ErrStaleStatus when the row is no longer in the expected status.
	UpdateStatus(ctx context.Context, id string, from, to TransactionStatus) error
	// UpdateStatusWithMetadata is UpdateStatus plus a server-side JSON merge
	// of patch into the row's metadata, in the same write.
	UpdateStatusWithMetadata(ctx context.Context, id string, from, to TransactionStatus, patch map[string]any) error
	// MergeMetadata enriches metadata without touching status. Allowed on
	// terminal rows (post-hoc observations).
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error
	// SetErrorMessage records the operator-facing failure reason.
	SetErrorMessage(ctx context.Context, id, message string) error
	// UpdateBlockchainHash is a conditional single-shot write: it succeeds
	// when the column is empty or already holds the same hash, and returns
	// ErrHashAlreadySet otherwise.
	UpdateBlockchainHash(ctx context.Context, id, hash string) error

	// FindOfframpsByStatus returns offramp and bill_payment rows in the given
	// status, oldest first.
	FindOfframpsByStatus(ctx context.Context, status TransactionStatus, limit int) ([]Transaction, error)
	// FindPendingPaymentsForMonitoring returns rows in {pending, processing}
	// created inside the monitoring window, oldest first.
	FindPendingPaymentsForMonitoring(ctx context.Context, window time.Duration, limit int) ([]Transaction, error)
	// FindExpiredPending returns pending_payment rows created before cutoff
	// for the expiry sweep.
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)

	// Inbound webhook dedupe log. LogWebhookEvent inserts the row keyed by
	// (provider, event_id); when the key exists it returns created=false and
	// the existing row, which is how replays are recognized before any
	// downstream work.
	LogWebhookEvent(ctx context.Context, event WebhookEvent) (created bool, existing WebhookEvent, err error)
	CompleteWebhookEvent(ctx context.Context, provider, eventID string) error
	RecordWebhookFailure(ctx context.Context, provider, eventID, lastError string) error
	ListRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]WebhookEvent, error)

	// Exchange rate history. LatestRate resolves the pair in either
	// direction, inverting the stored rate when matched backwards.
	AppendRate(ctx context.Context, rate ExchangeRate) error
	LatestRate(ctx context.Context, from, to string) (ExchangeRate, error)
	ListRateHistory(ctx context.Context, from, to string, limit int) ([]ExchangeRate, error)

	// Conversion audit log (append-only).
	AppendConversionAudit(ctx context.Context, audit ConversionAudit) error

	// Ledger scan cursors.
	GetCursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error

	// Outbound notification queue.
	EnqueueNotification(ctx context.Context, job NotificationJob) (string, error)
	DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error)
	MarkNotificationProcessing(ctx context.Context, id string) error
	MarkNotificationSuccess(ctx context.Context, id string) error
	MarkNotificationFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	GetNotification(ctx context.Context, id string) (NotificationJob, error)
	RequeueNotification(ctx context.Context, id string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	SchemaMapping   config.SchemaMappingConfig
}

// NewStore creates a Store based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store, reusing sharedDB for postgres backends when
// non-nil so the process holds a single connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Rows vanish on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "", "postgres":
		if cfg.Backend == "" {
			// Auto-detect from provided URLs, preferring postgres.
			if cfg.PostgresURL == "" && cfg.MongoDBURL != "" {
				return newMongoStore(cfg)
			}
			if cfg.PostgresURL == "" {
				return NewMemoryStore(), nil
			}
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		return store.WithTableNames(cfg.SchemaMapping), nil
	case "mongodb":
		return newMongoStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func newMongoStore(cfg StoreConfig) (Store, error) {
	if cfg.MongoDBURL == "" {
		return nil, fmt.Errorf("mongodb backend requires mongodb_url")
	}
	db := cfg.MongoDBDatabase
	if db == "" {
		db = "nairabridge"
	}
	return NewMongoDBStore(cfg.MongoDBURL, db, cfg.SchemaMapping)
}
