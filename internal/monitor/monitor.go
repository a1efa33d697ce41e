// Package monitor watches the Stellar ledger from both directions: the
// pending poll confirms payouts this service submitted, and the inbound scan
// matches cNGN deposits arriving at the system wallet against open
// transactions by memo. Both loops are idempotent; status writes ride the
// storage layer's guarded transitions, so a lost race is a skip, not an error.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/stellar"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

const (
	defaultPollInterval     = 10 * time.Second
	defaultMonitoringWindow = 24 * time.Hour
	defaultMaxRetries       = 5
	defaultRetryTimeout     = 30 * time.Minute

	pollBatchSize = 100

	// inboundCursorName keys the persisted paging token for the system
	// wallet payment scan.
	inboundCursorName = "stellar_inbound_payments"

	// Synthetic ledger events recorded in the webhook log for audit and
	// outbound notification fan-out.
	EventTransactionConfirmed = "stellar.transaction.confirmed"
	EventTransactionFailed    = "stellar.transaction.failed"
	EventIncomingUnmatched    = "stellar.incoming.unmatched"
)

// retrySchedule is the backoff between confirmation checks, indexed by the
// row's retry_count. Counts past the end reuse the last entry.
var retrySchedule = []time.Duration{
	0,
	10 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// retryableReasons marks submission failures worth another check. Everything
// else fails the row once the budget is spent.
var retryableReasons = []string{
	"tx_bad_seq",
	"tx_insufficient_fee",
	"timeout",
	"rate limit",
	"network",
}

// Horizon is the slice of the Stellar client the monitor needs. Satisfied by
// *stellar.Client.
type Horizon interface {
	GetTransactionByHash(ctx context.Context, hash string) (hProtocol.Transaction, error)
	ListAccountPayments(ctx context.Context, accountID, cursor string, limit int) (operations.OperationsPage, error)
}

// Monitor runs the pending poll and the inbound deposit scan.
type Monitor struct {
	cfg      config.MonitorConfig
	chain    config.StellarConfig
	store    storage.Store
	horizon  Horizon
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
}

// New builds a Monitor, filling zero config values with defaults.
func New(cfg config.MonitorConfig, chain config.StellarConfig, store storage.Store, horizon Horizon, m *metrics.Metrics) *Monitor {
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.MonitoringWindow.Duration <= 0 {
		cfg.MonitoringWindow.Duration = defaultMonitoringWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryTimeout.Duration <= 0 {
		cfg.RetryTimeout.Duration = defaultRetryTimeout
	}
	if cfg.InboundPageLimit <= 0 || cfg.InboundPageLimit > stellar.MaxPageLimit {
		cfg.InboundPageLimit = stellar.MaxPageLimit
	}
	return &Monitor{
		cfg:      cfg,
		chain:    chain,
		store:    store,
		horizon:  horizon,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs both loops on the poll interval until Stop or context
// cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneChan)
		ticker := time.NewTicker(m.cfg.PollInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.PollPending(ctx)
				m.ScanInbound(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the current cycle to finish.
func (m *Monitor) Stop() {
	close(m.stopChan)
	<-m.doneChan
}

// PollPending checks every pending or processing row inside the monitoring
// window against the ledger. Per-row failures are logged and skipped; one bad
// row never stalls the rest of the batch.
func (m *Monitor) PollPending(ctx context.Context) {
	rows, err := m.store.FindPendingPaymentsForMonitoring(ctx, m.cfg.MonitoringWindow.Duration, pollBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("monitor.pending_list_failed")
		return
	}
	for _, row := range rows {
		m.checkPending(ctx, row)
	}
}

func (m *Monitor) checkPending(ctx context.Context, tx storage.Transaction) {
	now := time.Now()
	if now.Sub(tx.CreatedAt) > m.cfg.RetryTimeout.Duration {
		m.failPending(ctx, tx, "confirmation deadline exceeded", nil)
		return
	}

	// Honor the backoff schedule before touching Horizon again.
	if count := tx.MetaInt(storage.MetaRetryCount); count > 0 {
		idx := count
		if idx >= len(retrySchedule) {
			idx = len(retrySchedule) - 1
		}
		if last := tx.MetaTime(storage.MetaLastRetryAt); !last.IsZero() && now.Before(last.Add(retrySchedule[idx])) {
			return
		}
	}

	hash := tx.SubmittedHash()
	if hash == "" {
		// A pending row with no recorded hash cannot be confirmed. The
		// absolute deadline will eventually fail it.
		log.Warn().Str("transaction_id", tx.ID).Str("status", string(tx.Status)).
			Msg("monitor.missing_submission_hash")
		return
	}

	ledgerTx, err := m.horizon.GetTransactionByHash(ctx, hash)
	if err != nil {
		if stellar.IsNotFound(err) || stellar.IsTransientLookup(err) {
			// Not on ledger yet, or Horizon is having a moment. Neither
			// consumes retry budget.
			log.Debug().Str("transaction_id", tx.ID).Str("hash", hash).Err(err).
				Msg("monitor.confirmation_pending")
			return
		}
		m.failOrRetry(ctx, tx, err.Error())
		return
	}

	if ledgerTx.Successful {
		m.completePending(ctx, tx, ledgerTx)
		return
	}
	m.failOrRetry(ctx, tx, fmt.Sprintf("transaction %s failed on ledger %d", hash, ledgerTx.Ledger))
}

func (m *Monitor) completePending(ctx context.Context, tx storage.Transaction, ledgerTx hProtocol.Transaction) {
	if err := m.store.UpdateBlockchainHash(ctx, tx.ID, ledgerTx.Hash); err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Str("hash", ledgerTx.Hash).
			Msg("monitor.hash_column_write_failed")
	}
	err := m.store.UpdateStatusWithMetadata(ctx, tx.ID, tx.Status, storage.StatusCompleted, map[string]any{
		"confirmed_ledger": ledgerTx.Ledger,
	})
	if err != nil {
		if err == storage.ErrStaleStatus {
			return
		}
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("monitor.complete_failed")
		return
	}
	m.observeTransition(tx, storage.StatusCompleted)
	log.Info().Str("transaction_id", tx.ID).Str("hash", ledgerTx.Hash).
		Int32("ledger", ledgerTx.Ledger).Msg("monitor.transaction_confirmed")

	m.recordLedgerEvent(ctx, EventTransactionConfirmed, ledgerTx.Hash, map[string]any{
		"transaction_id": tx.ID,
		"hash":           ledgerTx.Hash,
		"ledger":         ledgerTx.Ledger,
	})
}

// failOrRetry classifies reason and either schedules another check or fails
// the row for good.
func (m *Monitor) failOrRetry(ctx context.Context, tx storage.Transaction, reason string) {
	next := tx.MetaInt(storage.MetaRetryCount) + 1
	if isRetryableReason(reason) && next <= m.cfg.MaxRetries {
		err := m.store.MergeMetadata(ctx, tx.ID, map[string]any{
			storage.MetaRetryCount:  next,
			storage.MetaLastRetryAt: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("monitor.retry_record_failed")
			return
		}
		if m.metrics != nil {
			m.metrics.ObserveSubmission("retry", next)
		}
		log.Info().Str("transaction_id", tx.ID).Int("retry_count", next).
			Str("reason", reason).Msg("monitor.retry_scheduled")
		return
	}
	m.failPending(ctx, tx, reason, map[string]any{
		storage.MetaRetryCount: m.cfg.MaxRetries + 1,
	})
}

func (m *Monitor) failPending(ctx context.Context, tx storage.Transaction, reason string, patch map[string]any) {
	err := m.store.UpdateStatusWithMetadata(ctx, tx.ID, tx.Status, storage.StatusFailed, patch)
	if err != nil {
		if err == storage.ErrStaleStatus {
			return
		}
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("monitor.fail_write_failed")
		return
	}
	if err := m.store.SetErrorMessage(ctx, tx.ID, reason); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("monitor.error_message_write_failed")
	}
	m.observeTransition(tx, storage.StatusFailed)
	log.Error().Str("transaction_id", tx.ID).Str("reason", reason).
		Msg("monitor.transaction_failed")

	m.recordLedgerEvent(ctx, EventTransactionFailed, tx.ID, map[string]any{
		"transaction_id": tx.ID,
		"hash":           tx.SubmittedHash(),
		"reason":         reason,
	})
}

func isRetryableReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range retryableReasons {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// recordLedgerEvent writes a synthetic event into the webhook log and marks
// it completed immediately: these rows are audit and notification fan-out
// material, not dispatch work.
func (m *Monitor) recordLedgerEvent(ctx context.Context, eventType, eventID string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("monitor.event_encode_failed")
		return
	}
	created, _, err := m.store.LogWebhookEvent(ctx, storage.WebhookEvent{
		Provider:  "stellar",
		EventID:   eventID,
		EventType: eventType,
		Payload:   raw,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("event_id", eventID).
			Msg("monitor.event_log_failed")
		return
	}
	if !created {
		return
	}
	if err := m.store.CompleteWebhookEvent(ctx, "stellar", eventID); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("monitor.event_complete_failed")
	}
	if m.metrics != nil {
		m.metrics.ObserveInboundWebhook("stellar", "recorded")
	}
}

func (m *Monitor) observeTransition(tx storage.Transaction, to storage.TransactionStatus) {
	if m.metrics != nil {
		m.metrics.ObserveTransition(string(tx.Type), string(tx.Status), string(to))
	}
}
