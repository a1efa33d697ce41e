package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Metadata lives in a jsonb
// column so UpdateStatusWithMetadata can merge patches server-side
// (metadata || patch) inside the same status-guarded UPDATE.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Whether Close() should close the pool

	transactionsTable  string
	webhookEventsTable string
	ratesTable         string
	conversionsTable   string
	cursorsTable       string
	webhookQueueTable  string
}

// NewPostgresStore creates a PostgreSQL-backed store with its own pool.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, true)
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store on an existing connection pool so
// the process shares one pool across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := newPostgresStore(db, false)
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, ownsDB bool) *PostgresStore {
	return &PostgresStore{
		db:                 db,
		ownsDB:             ownsDB,
		transactionsTable:  "transactions",
		webhookEventsTable: "webhook_events",
		ratesTable:         "exchange_rates",
		conversionsTable:   "conversion_audits",
		cursorsTable:       "ledger_cursors",
		webhookQueueTable:  "webhook_queue",
	}
}

// WithTableNames applies schema_mapping table names and (re)creates any
// missing tables under the new names.
func (s *PostgresStore) WithTableNames(mapping config.SchemaMappingConfig) *PostgresStore {
	if v := mapping.Transactions.TableName; v != "" {
		s.transactionsTable = v
	}
	if v := mapping.WebhookEvents.TableName; v != "" {
		s.webhookEventsTable = v
	}
	if v := mapping.ExchangeRates.TableName; v != "" {
		s.ratesTable = v
	}
	if v := mapping.Conversions.TableName; v != "" {
		s.conversionsTable = v
	}
	if v := mapping.Cursors.TableName; v != "" {
		s.cursorsTable = v
	}
	if v := mapping.WebhookQueue.TableName; v != "" {
		s.webhookQueueTable = v
	}
	_ = s.createTables()
	return s
}

// createTables creates the schema if missing. Amounts are NUMERIC, never
// floating point; metadata is jsonb.
func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			transaction_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			from_amount NUMERIC NOT NULL CHECK (from_amount > 0),
			to_amount NUMERIC NOT NULL CHECK (to_amount > 0),
			cngn_amount NUMERIC NOT NULL CHECK (cngn_amount > 0),
			from_currency TEXT NOT NULL,
			to_currency TEXT NOT NULL,
			wallet_address TEXT NOT NULL,
			payment_provider TEXT NOT NULL DEFAULT '',
			payment_reference TEXT NOT NULL DEFAULT '',
			blockchain_tx_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_provider_ref_idx
			ON %[1]s (payment_provider, payment_reference)
			WHERE payment_reference <> '';
		CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status, created_at);
		CREATE INDEX IF NOT EXISTS %[1]s_deposit_ref_idx
			ON %[1]s ((metadata->>'deposit_ref'))
			WHERE metadata ? 'deposit_ref';

		CREATE TABLE IF NOT EXISTS %[2]s (
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			signature TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider, event_id)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_retry_idx ON %[2]s (status, retry_count);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			from_currency TEXT NOT NULL,
			to_currency TEXT NOT NULL,
			rate NUMERIC NOT NULL CHECK (rate > 0),
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_pair_idx ON %[3]s (from_currency, to_currency, created_at DESC);

		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL DEFAULT '',
			from_currency TEXT NOT NULL,
			to_currency TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			rate NUMERIC NOT NULL,
			gross_amount NUMERIC NOT NULL,
			provider_fee NUMERIC NOT NULL,
			platform_fee NUMERIC NOT NULL,
			total_fee NUMERIC NOT NULL,
			net_amount NUMERIC NOT NULL,
			effective_rate NUMERIC NOT NULL,
			fee_tier_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			payment_method TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[5]s (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[6]s_dequeue_idx ON %[6]s (status, next_attempt_at);
	`, pq.QuoteIdentifier(s.transactionsTable),
		pq.QuoteIdentifier(s.webhookEventsTable),
		pq.QuoteIdentifier(s.ratesTable),
		pq.QuoteIdentifier(s.conversionsTable),
		pq.QuoteIdentifier(s.cursorsTable),
		pq.QuoteIdentifier(s.webhookQueueTable))

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

const txColumns = `transaction_id, type, from_amount, to_amount, cngn_amount,
	from_currency, to_currency, wallet_address, payment_provider,
	payment_reference, blockchain_tx_hash, status, error_message, metadata,
	created_at, updated_at`

// CreateTransaction inserts a new ledger row.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		pq.QuoteIdentifier(s.transactionsTable), txColumns)

	_, err = s.db.ExecContext(ctx, query,
		tx.ID, tx.Type, tx.FromAmount.String(), tx.ToAmount.String(), tx.CNGNAmount.String(),
		tx.FromCurrency, tx.ToCurrency, tx.WalletAddress, tx.PaymentProvider,
		tx.PaymentReference, tx.BlockchainTxHash, tx.Status, tx.ErrorMessage, metadata,
		tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a row by id.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE transaction_id = $1`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.scanOneTransaction(s.db.QueryRowContext(ctx, query, id))
}

// GetTransactionByProviderRef retrieves a row by the provider's reference.
func (s *PostgresStore) GetTransactionByProviderRef(ctx context.Context, provider, reference string) (Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE payment_provider = $1 AND payment_reference = $2`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.scanOneTransaction(s.db.QueryRowContext(ctx, query, provider, reference))
}

// GetTransactionByMemoRef matches a memo against the full id, then the
// stored deposit_ref.
func (s *PostgresStore) GetTransactionByMemoRef(ctx context.Context, memo string) (Transaction, error) {
	if memo == "" {
		return Transaction{}, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE transaction_id = $1 OR metadata->>'deposit_ref' = $1
		ORDER BY (transaction_id = $1) DESC
		LIMIT 1`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.scanOneTransaction(s.db.QueryRowContext(ctx, query, memo))
}

// SetProviderSession records the provider session on the row. The unique
// (payment_provider, payment_reference) index rejects a stolen reference.
func (s *PostgresStore) SetProviderSession(ctx context.Context, id, provider, reference string) error {
	if provider == "" || reference == "" {
		return fmt.Errorf("provider session requires provider and reference")
	}
	query := fmt.Sprintf(`UPDATE %s
		SET payment_provider = $1, payment_reference = $2, updated_at = NOW()
		WHERE transaction_id = $3`,
		pq.QuoteIdentifier(s.transactionsTable))
	result, err := s.db.ExecContext(ctx, query, provider, reference, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: provider reference %s/%s", ErrDuplicate, provider, reference)
		}
		return fmt.Errorf("set provider session: %w", err)
	}
	return requireRow(result)
}

// UpdateStatus performs the status-guarded transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to TransactionStatus) error {
	return s.UpdateStatusWithMetadata(ctx, id, from, to, nil)
}

// UpdateStatusWithMetadata performs the transition and merges patch into
// metadata server-side within the same UPDATE.
func (s *PostgresStore) UpdateStatusWithMetadata(ctx context.Context, id string, from, to TransactionStatus, patch map[string]any) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if patch == nil {
		patch = map[string]any{}
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}

	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE transaction_id = $3 AND status = $4`,
		pq.QuoteIdentifier(s.transactionsTable))

	result, err := s.db.ExecContext(ctx, query, to, patchJSON, id, from)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.requireRowTaken(ctx, result, id, from)
}

// MergeMetadata enriches metadata without touching status.
func (s *PostgresStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s
		SET metadata = metadata || $1::jsonb, updated_at = NOW()
		WHERE transaction_id = $2`,
		pq.QuoteIdentifier(s.transactionsTable))
	result, err := s.db.ExecContext(ctx, query, patchJSON, id)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	return requireRow(result)
}

// SetErrorMessage records the failure reason on the row.
func (s *PostgresStore) SetErrorMessage(ctx context.Context, id, message string) error {
	query := fmt.Sprintf(`UPDATE %s SET error_message = $1, updated_at = NOW()
		WHERE transaction_id = $2`,
		pq.QuoteIdentifier(s.transactionsTable))
	result, err := s.db.ExecContext(ctx, query, message, id)
	if err != nil {
		return fmt.Errorf("set error message: %w", err)
	}
	return requireRow(result)
}

// UpdateBlockchainHash is the conditional single-shot hash write: it only
// matches rows whose column is empty or already holds the same hash.
func (s *PostgresStore) UpdateBlockchainHash(ctx context.Context, id, hash string) error {
	if hash == "" {
		return fmt.Errorf("blockchain hash must not be empty")
	}
	query := fmt.Sprintf(`UPDATE %s
		SET blockchain_tx_hash = $1, updated_at = NOW()
		WHERE transaction_id = $2 AND (blockchain_tx_hash = '' OR blockchain_tx_hash = $1)`,
		pq.QuoteIdentifier(s.transactionsTable))
	result, err := s.db.ExecContext(ctx, query, hash, id)
	if err != nil {
		return fmt.Errorf("update blockchain hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing row from an immutable-hash conflict.
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrHashAlreadySet, id)
	}
	return nil
}

// FindOfframpsByStatus returns offramp and bill_payment rows in the given
// status, oldest first.
func (s *PostgresStore) FindOfframpsByStatus(ctx context.Context, status TransactionStatus, limit int) ([]Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = $1 AND type IN ('offramp', 'bill_payment')
		ORDER BY created_at ASC
		LIMIT $2`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.queryTransactions(ctx, query, status, normalizeLimit(limit))
}

// FindPendingPaymentsForMonitoring returns {pending, processing} rows created
// inside the monitoring window, oldest first.
func (s *PostgresStore) FindPendingPaymentsForMonitoring(ctx context.Context, window time.Duration, limit int) ([]Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status IN ('pending', 'processing') AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.queryTransactions(ctx, query, time.Now().UTC().Add(-window), normalizeLimit(limit))
}

// FindExpiredPending returns pending_payment rows created before cutoff.
func (s *PostgresStore) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = 'pending_payment' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		txColumns, pq.QuoteIdentifier(s.transactionsTable))
	return s.queryTransactions(ctx, query, cutoff, normalizeLimit(limit))
}

// LogWebhookEvent inserts the dedupe row; ON CONFLICT DO NOTHING recognizes
// replays, which are then read back and returned as the existing row.
func (s *PostgresStore) LogWebhookEvent(ctx context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	if event.Provider == "" || event.EventID == "" {
		return false, WebhookEvent{}, fmt.Errorf("webhook event requires provider and event_id")
	}
	now := time.Now().UTC()

	query := fmt.Sprintf(`INSERT INTO %s
		(provider, event_id, event_type, payload, signature, status, retry_count, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,'',$6,$6)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		pq.QuoteIdentifier(s.webhookEventsTable))

	result, err := s.db.ExecContext(ctx, query,
		event.Provider, event.EventID, event.EventType, event.Payload, event.Signature, now)
	if err != nil {
		return false, WebhookEvent{}, fmt.Errorf("log webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, WebhookEvent{}, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		event.Status = WebhookEventPending
		event.CreatedAt = now
		event.UpdatedAt = now
		return true, event, nil
	}

	existing, err := s.getWebhookEvent(ctx, event.Provider, event.EventID)
	if err != nil {
		return false, WebhookEvent{}, err
	}
	return false, existing, nil
}

func (s *PostgresStore) getWebhookEvent(ctx context.Context, provider, eventID string) (WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT provider, event_id, event_type, payload, signature,
		status, retry_count, last_error, created_at, updated_at
		FROM %s WHERE provider = $1 AND event_id = $2`,
		pq.QuoteIdentifier(s.webhookEventsTable))

	var event WebhookEvent
	err := s.db.QueryRowContext(ctx, query, provider, eventID).Scan(
		&event.Provider, &event.EventID, &event.EventType, &event.Payload, &event.Signature,
		&event.Status, &event.RetryCount, &event.LastError, &event.CreatedAt, &event.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("get webhook event: %w", err)
	}
	return event, nil
}

// CompleteWebhookEvent marks the row completed.
func (s *PostgresStore) CompleteWebhookEvent(ctx context.Context, provider, eventID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'completed', updated_at = NOW()
		WHERE provider = $1 AND event_id = $2`,
		pq.QuoteIdentifier(s.webhookEventsTable))
	result, err := s.db.ExecContext(ctx, query, provider, eventID)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return requireRow(result)
}

// RecordWebhookFailure increments the retry counter and stores the error.
func (s *PostgresStore) RecordWebhookFailure(ctx context.Context, provider, eventID, lastError string) error {
	query := fmt.Sprintf(`UPDATE %s
		SET status = 'failed', retry_count = retry_count + 1, last_error = $3, updated_at = NOW()
		WHERE provider = $1 AND event_id = $2`,
		pq.QuoteIdentifier(s.webhookEventsTable))
	result, err := s.db.ExecContext(ctx, query, provider, eventID, lastError)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	return requireRow(result)
}

// ListRetryableWebhookEvents returns failed rows under the retry cap.
func (s *PostgresStore) ListRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT provider, event_id, event_type, payload, signature,
		status, retry_count, last_error, created_at, updated_at
		FROM %s
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		pq.QuoteIdentifier(s.webhookEventsTable))

	rows, err := s.db.QueryContext(ctx, query, maxRetries, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list retryable webhook events: %w", err)
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		var event WebhookEvent
		if err := rows.Scan(
			&event.Provider, &event.EventID, &event.EventType, &event.Payload, &event.Signature,
			&event.Status, &event.RetryCount, &event.LastError, &event.CreatedAt, &event.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// AppendRate appends a rate history row.
func (s *PostgresStore) AppendRate(ctx context.Context, rate ExchangeRate) error {
	if rate.ID == "" {
		rate.ID = newID()
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, from_currency, to_currency, rate, source, created_at)
		VALUES ($1, UPPER($2), UPPER($3), $4, $5, $6)`,
		pq.QuoteIdentifier(s.ratesTable))
	if _, err := s.db.ExecContext(ctx, query,
		rate.ID, rate.FromCurrency, rate.ToCurrency, rate.Rate.String(), rate.Source, rate.CreatedAt); err != nil {
		return fmt.Errorf("append rate: %w", err)
	}
	return nil
}

// LatestRate resolves the newest row for the unordered pair, inverting when
// matched backwards.
func (s *PostgresStore) LatestRate(ctx context.Context, from, to string) (ExchangeRate, error) {
	query := fmt.Sprintf(`SELECT id, from_currency, to_currency, rate, source, created_at
		FROM %s
		WHERE (from_currency = UPPER($1) AND to_currency = UPPER($2))
		   OR (from_currency = UPPER($2) AND to_currency = UPPER($1))
		ORDER BY created_at DESC
		LIMIT 1`,
		pq.QuoteIdentifier(s.ratesTable))

	var rate ExchangeRate
	var raw string
	err := s.db.QueryRowContext(ctx, query, from, to).Scan(
		&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &raw, &rate.Source, &rate.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExchangeRate{}, ErrNotFound
	}
	if err != nil {
		return ExchangeRate{}, fmt.Errorf("latest rate: %w", err)
	}
	if rate.Rate, err = parseDecimal(raw); err != nil {
		return ExchangeRate{}, err
	}

	if !equalFoldCurrency(rate.FromCurrency, from) {
		rate.FromCurrency, rate.ToCurrency = rate.ToCurrency, rate.FromCurrency
		rate.Rate = invertRate(rate.Rate)
	}
	return rate, nil
}

// ListRateHistory returns history rows for the pair, newest first.
func (s *PostgresStore) ListRateHistory(ctx context.Context, from, to string, limit int) ([]ExchangeRate, error) {
	query := fmt.Sprintf(`SELECT id, from_currency, to_currency, rate, source, created_at
		FROM %s
		WHERE (from_currency = UPPER($1) AND to_currency = UPPER($2))
		   OR (from_currency = UPPER($2) AND to_currency = UPPER($1))
		ORDER BY created_at DESC
		LIMIT $3`,
		pq.QuoteIdentifier(s.ratesTable))

	rows, err := s.db.QueryContext(ctx, query, from, to, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list rate history: %w", err)
	}
	defer rows.Close()

	var out []ExchangeRate
	for rows.Next() {
		var rate ExchangeRate
		var raw string
		if err := rows.Scan(&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &raw, &rate.Source, &rate.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		if rate.Rate, err = parseDecimal(raw); err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, rows.Err()
}

// AppendConversionAudit appends an immutable audit row.
func (s *PostgresStore) AppendConversionAudit(ctx context.Context, audit ConversionAudit) error {
	if audit.ID == "" {
		audit.ID = newID()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, transaction_id, transaction_type, from_currency, to_currency, amount, rate,
		 gross_amount, provider_fee, platform_fee, total_fee, net_amount, effective_rate,
		 fee_tier_id, provider, payment_method, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		pq.QuoteIdentifier(s.conversionsTable))
	if _, err := s.db.ExecContext(ctx, query,
		audit.ID, audit.TransactionID, audit.TxType, audit.FromCurrency, audit.ToCurrency,
		audit.Amount.String(), audit.Rate.String(), audit.GrossAmount.String(),
		audit.ProviderFee.String(), audit.PlatformFee.String(), audit.TotalFee.String(),
		audit.NetAmount.String(), audit.EffectiveRate.String(),
		audit.FeeTierID, audit.Provider, audit.PaymentMethod, audit.Outcome, audit.CreatedAt); err != nil {
		return fmt.Errorf("append conversion audit: %w", err)
	}
	return nil
}

// GetCursor returns the stored cursor value, empty string when unset.
func (s *PostgresStore) GetCursor(ctx context.Context, name string) (string, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE name = $1`, pq.QuoteIdentifier(s.cursorsTable))
	var value string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return value, nil
}

// SetCursor stores the cursor value.
func (s *PostgresStore) SetCursor(ctx context.Context, name, value string) error {
	query := fmt.Sprintf(`INSERT INTO %s (name, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		pq.QuoteIdentifier(s.cursorsTable))
	if _, err := s.db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// EnqueueNotification adds a job to the delivery queue.
func (s *PostgresStore) EnqueueNotification(ctx context.Context, job NotificationJob) (string, error) {
	if job.ID == "" {
		job.ID = "notif_" + newID()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	headers, err := json.Marshal(job.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, url, payload, headers, event_type, status, attempts, max_attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7,$8)`,
		pq.QuoteIdentifier(s.webhookQueueTable))
	if _, err := s.db.ExecContext(ctx, query,
		job.ID, job.URL, []byte(job.Payload), headers, job.EventType,
		job.MaxAttempts, job.NextAttemptAt, job.CreatedAt); err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return job.ID, nil
}

const notificationColumns = `id, url, payload, headers, event_type, status, attempts,
	max_attempts, last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

// DequeueNotifications returns pending jobs whose next attempt is due.
func (s *PostgresStore) DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = 'pending' AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at ASC
		LIMIT $1`,
		notificationColumns, pq.QuoteIdentifier(s.webhookQueueTable))

	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("dequeue notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationJob
	for rows.Next() {
		job, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkNotificationProcessing claims a job for delivery; the status guard
// keeps two workers from claiming the same job.
func (s *PostgresStore) MarkNotificationProcessing(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'processing', last_attempt_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		pq.QuoteIdentifier(s.webhookQueueTable))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark notification processing: %w", err)
	}
	return requireRow(result)
}

// MarkNotificationSuccess records a delivered job.
func (s *PostgresStore) MarkNotificationSuccess(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'success', completed_at = NOW() WHERE id = $1`,
		pq.QuoteIdentifier(s.webhookQueueTable))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark notification success: %w", err)
	}
	return requireRow(result)
}

// MarkNotificationFailed records a failed attempt, moving the job to the DLQ
// when retries are exhausted.
func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET
		attempts = attempts + 1,
		last_error = $2,
		last_attempt_at = NOW(),
		next_attempt_at = $3,
		status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		completed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE NULL END
		WHERE id = $1`,
		pq.QuoteIdentifier(s.webhookQueueTable))
	result, err := s.db.ExecContext(ctx, query, id, lastError, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return requireRow(result)
}

// GetNotification retrieves a job by id.
func (s *PostgresStore) GetNotification(ctx context.Context, id string) (NotificationJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		notificationColumns, pq.QuoteIdentifier(s.webhookQueueTable))
	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationJob{}, ErrNotFound
	}
	return job, err
}

// RequeueNotification resets a DLQ'd job for another round of attempts.
func (s *PostgresStore) RequeueNotification(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET
		status = 'pending', attempts = 0, last_error = '', next_attempt_at = NOW(), completed_at = NULL
		WHERE id = $1`,
		pq.QuoteIdentifier(s.webhookQueueTable))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	return requireRow(result)
}

// Close closes the pool when this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOneTransaction(row rowScanner) (Transaction, error) {
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return tx, err
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var fromAmount, toAmount, cngnAmount string
	var metadata []byte

	err := row.Scan(
		&tx.ID, &tx.Type, &fromAmount, &toAmount, &cngnAmount,
		&tx.FromCurrency, &tx.ToCurrency, &tx.WalletAddress, &tx.PaymentProvider,
		&tx.PaymentReference, &tx.BlockchainTxHash, &tx.Status, &tx.ErrorMessage, &metadata,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}

	if tx.FromAmount, err = parseDecimal(fromAmount); err != nil {
		return Transaction{}, err
	}
	if tx.ToAmount, err = parseDecimal(toAmount); err != nil {
		return Transaction{}, err
	}
	if tx.CNGNAmount, err = parseDecimal(cngnAmount); err != nil {
		return Transaction{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return tx, nil
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanNotification(row rowScanner) (NotificationJob, error) {
	var job NotificationJob
	var payload, headers []byte
	var lastAttemptAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.URL, &payload, &headers, &job.EventType, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.LastError,
		&lastAttemptAt, &job.NextAttemptAt, &job.CreatedAt, &completedAt)
	if err != nil {
		return NotificationJob{}, err
	}

	job.Payload = json.RawMessage(payload)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &job.Headers); err != nil {
			return NotificationJob{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if lastAttemptAt.Valid {
		job.LastAttemptAt = lastAttemptAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// requireRowTaken maps a zero-row status update to ErrNotFound or
// ErrStaleStatus depending on whether the row exists at all.
func (s *PostgresStore) requireRowTaken(ctx context.Context, result sql.Result, id string, expected TransactionStatus) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	current, getErr := s.GetTransaction(ctx, id)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, expected, current.Status)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
