package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-instance
// development. Semantics (transition table, status guards, hash immutability,
// webhook dedupe) match the database backends exactly; tests against
// MemoryStore exercise the same invariants production relies on.
type MemoryStore struct {
	mu            sync.RWMutex
	transactions  map[string]Transaction
	byProviderRef map[string]string // provider + "\x00" + reference -> id
	webhookEvents map[string]WebhookEvent
	rates         []ExchangeRate
	audits        []ConversionAudit
	cursors       map[string]string
	notifications map[string]NotificationJob
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions:  make(map[string]Transaction),
		byProviderRef: make(map[string]string),
		webhookEvents: make(map[string]WebhookEvent),
		cursors:       make(map[string]string),
		notifications: make(map[string]NotificationJob),
	}
}

// Close implements Store; the memory backend holds no resources.
func (m *MemoryStore) Close() error { return nil }

func providerRefKey(provider, reference string) string {
	return provider + "\x00" + reference
}

func webhookKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

// CreateTransaction inserts a new ledger row.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
	}
	if tx.PaymentReference != "" {
		key := providerRefKey(tx.PaymentProvider, tx.PaymentReference)
		if _, exists := m.byProviderRef[key]; exists {
			return fmt.Errorf("%w: provider reference %s/%s", ErrDuplicate, tx.PaymentProvider, tx.PaymentReference)
		}
		m.byProviderRef[key] = tx.ID
	}
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

// GetTransaction retrieves a row by id.
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// GetTransactionByProviderRef retrieves a row by the provider's reference.
func (m *MemoryStore) GetTransactionByProviderRef(_ context.Context, provider, reference string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byProviderRef[providerRefKey(provider, reference)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(m.transactions[id]), nil
}

// GetTransactionByMemoRef matches a memo against the full id, then the
// stored deposit_ref.
func (m *MemoryStore) GetTransactionByMemoRef(_ context.Context, memo string) (Transaction, error) {
	if memo == "" {
		return Transaction{}, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if tx, ok := m.transactions[memo]; ok {
		return cloneTransaction(tx), nil
	}
	for _, tx := range m.transactions {
		if tx.MetaString(MetaDepositRef) == memo {
			return cloneTransaction(tx), nil
		}
	}
	return Transaction{}, ErrNotFound
}

// SetProviderSession records the provider session on the row and indexes it
// for GetTransactionByProviderRef.
func (m *MemoryStore) SetProviderSession(_ context.Context, id, provider, reference string) error {
	if provider == "" || reference == "" {
		return fmt.Errorf("provider session requires provider and reference")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	key := providerRefKey(provider, reference)
	if owner, exists := m.byProviderRef[key]; exists && owner != id {
		return fmt.Errorf("%w: provider reference %s/%s", ErrDuplicate, provider, reference)
	}
	if tx.PaymentReference != "" {
		delete(m.byProviderRef, providerRefKey(tx.PaymentProvider, tx.PaymentReference))
	}
	tx.PaymentProvider = provider
	tx.PaymentReference = reference
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	m.byProviderRef[key] = id
	return nil
}

// UpdateStatus performs the status-guarded transition.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to TransactionStatus) error {
	return m.UpdateStatusWithMetadata(ctx, id, from, to, nil)
}

// UpdateStatusWithMetadata performs the transition and merges patch into
// metadata in the same write.
func (m *MemoryStore) UpdateStatusWithMetadata(_ context.Context, id string, from, to TransactionStatus, patch map[string]any) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, tx.Status)
	}
	tx.Status = to
	if patch != nil {
		tx.Metadata = mergeMetadata(tx.Metadata, patch)
	}
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

// MergeMetadata enriches metadata without touching status.
func (m *MemoryStore) MergeMetadata(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	tx.Metadata = mergeMetadata(tx.Metadata, patch)
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

// SetErrorMessage records the failure reason on the row.
func (m *MemoryStore) SetErrorMessage(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	tx.ErrorMessage = message
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

// UpdateBlockchainHash is the conditional single-shot hash write.
func (m *MemoryStore) UpdateBlockchainHash(_ context.Context, id, hash string) error {
	if hash == "" {
		return fmt.Errorf("blockchain hash must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.BlockchainTxHash != "" && tx.BlockchainTxHash != hash {
		return fmt.Errorf("%w: %s holds %s", ErrHashAlreadySet, id, tx.BlockchainTxHash)
	}
	tx.BlockchainTxHash = hash
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[id] = tx
	return nil
}

// FindOfframpsByStatus returns offramp and bill_payment rows in the given
// status, oldest first.
func (m *MemoryStore) FindOfframpsByStatus(_ context.Context, status TransactionStatus, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for _, tx := range m.transactions {
		if tx.Status != status {
			continue
		}
		if tx.Type != TypeOfframp && tx.Type != TypeBillPayment {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	sortByCreatedAt(out)
	return truncate(out, limit), nil
}

// FindPendingPaymentsForMonitoring returns {pending, processing} rows created
// inside the monitoring window, oldest first.
func (m *MemoryStore) FindPendingPaymentsForMonitoring(_ context.Context, window time.Duration, limit int) ([]Transaction, error) {
	cutoff := time.Now().UTC().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusPending && tx.Status != StatusProcessing {
			continue
		}
		if tx.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	sortByCreatedAt(out)
	return truncate(out, limit), nil
}

// FindExpiredPending returns pending_payment rows created before cutoff.
func (m *MemoryStore) FindExpiredPending(_ context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusPendingPayment {
			continue
		}
		if !tx.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	sortByCreatedAt(out)
	return truncate(out, limit), nil
}

// LogWebhookEvent inserts the dedupe row or returns the existing one.
func (m *MemoryStore) LogWebhookEvent(_ context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	if event.Provider == "" || event.EventID == "" {
		return false, WebhookEvent{}, fmt.Errorf("webhook event requires provider and event_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := webhookKey(event.Provider, event.EventID)
	if existing, ok := m.webhookEvents[key]; ok {
		return false, existing, nil
	}

	now := time.Now().UTC()
	event.Status = WebhookEventPending
	event.CreatedAt = now
	event.UpdatedAt = now
	m.webhookEvents[key] = event
	return true, event, nil
}

// CompleteWebhookEvent marks the row completed.
func (m *MemoryStore) CompleteWebhookEvent(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := webhookKey(provider, eventID)
	event, ok := m.webhookEvents[key]
	if !ok {
		return ErrNotFound
	}
	event.Status = WebhookEventCompleted
	event.UpdatedAt = time.Now().UTC()
	m.webhookEvents[key] = event
	return nil
}

// RecordWebhookFailure increments the retry counter and stores the error.
func (m *MemoryStore) RecordWebhookFailure(_ context.Context, provider, eventID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := webhookKey(provider, eventID)
	event, ok := m.webhookEvents[key]
	if !ok {
		return ErrNotFound
	}
	event.Status = WebhookEventFailed
	event.RetryCount++
	event.LastError = lastError
	event.UpdatedAt = time.Now().UTC()
	m.webhookEvents[key] = event
	return nil
}

// ListRetryableWebhookEvents returns failed rows under the retry cap.
func (m *MemoryStore) ListRetryableWebhookEvents(_ context.Context, maxRetries, limit int) ([]WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookEvent
	for _, event := range m.webhookEvents {
		if event.Status == WebhookEventFailed && event.RetryCount < maxRetries {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendRate appends a rate history row.
func (m *MemoryStore) AppendRate(_ context.Context, rate ExchangeRate) error {
	if rate.ID == "" {
		rate.ID = uuid.NewString()
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}
	rate.FromCurrency = strings.ToUpper(rate.FromCurrency)
	rate.ToCurrency = strings.ToUpper(rate.ToCurrency)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rates = append(m.rates, rate)
	return nil
}

// LatestRate resolves the newest row for the unordered pair, inverting when
// matched backwards.
func (m *MemoryStore) LatestRate(_ context.Context, from, to string) (ExchangeRate, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.rates) - 1; i >= 0; i-- {
		r := m.rates[i]
		if r.FromCurrency == from && r.ToCurrency == to {
			return r, nil
		}
		if r.FromCurrency == to && r.ToCurrency == from && !r.Rate.IsZero() {
			inverted := r
			inverted.FromCurrency = from
			inverted.ToCurrency = to
			inverted.Rate = invertRate(r.Rate)
			return inverted, nil
		}
	}
	return ExchangeRate{}, ErrNotFound
}

// ListRateHistory returns history rows for the pair, newest first.
func (m *MemoryStore) ListRateHistory(_ context.Context, from, to string, limit int) ([]ExchangeRate, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ExchangeRate
	for i := len(m.rates) - 1; i >= 0; i-- {
		r := m.rates[i]
		if (r.FromCurrency == from && r.ToCurrency == to) || (r.FromCurrency == to && r.ToCurrency == from) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// AppendConversionAudit appends an immutable audit row.
func (m *MemoryStore) AppendConversionAudit(_ context.Context, audit ConversionAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, audit)
	return nil
}

// ConversionAudits returns a copy of the audit log, oldest first.
func (m *MemoryStore) ConversionAudits() []ConversionAudit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConversionAudit, len(m.audits))
	copy(out, m.audits)
	return out
}

// GetCursor returns the stored cursor value, empty string when unset.
func (m *MemoryStore) GetCursor(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

// SetCursor stores the cursor value.
func (m *MemoryStore) SetCursor(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = value
	return nil
}

// EnqueueNotification adds a job to the delivery queue.
func (m *MemoryStore) EnqueueNotification(_ context.Context, job NotificationJob) (string, error) {
	if job.ID == "" {
		job.ID = "notif_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	job.Status = NotificationPending

	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications[job.ID] = job
	return job.ID, nil
}

// DequeueNotifications returns pending jobs whose next attempt is due,
// ordered by next_attempt_at.
func (m *MemoryStore) DequeueNotifications(_ context.Context, limit int) ([]NotificationJob, error) {
	now := time.Now().UTC()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []NotificationJob
	for _, job := range m.notifications {
		if job.IsReadyForDelivery(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkNotificationProcessing claims a job for delivery.
func (m *MemoryStore) MarkNotificationProcessing(_ context.Context, id string) error {
	return m.updateNotification(id, func(job *NotificationJob) {
		job.Status = NotificationProcessing
		job.LastAttemptAt = time.Now().UTC()
	})
}

// MarkNotificationSuccess records a delivered job.
func (m *MemoryStore) MarkNotificationSuccess(_ context.Context, id string) error {
	return m.updateNotification(id, func(job *NotificationJob) {
		now := time.Now().UTC()
		job.Status = NotificationSuccess
		job.CompletedAt = &now
	})
}

// MarkNotificationFailed records a failed attempt; the job re-enters the
// queue unless retries are exhausted, in which case it lands in the DLQ.
func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	return m.updateNotification(id, func(job *NotificationJob) {
		job.Attempts++
		job.LastError = lastError
		job.LastAttemptAt = time.Now().UTC()
		if job.Attempts >= job.MaxAttempts {
			now := time.Now().UTC()
			job.Status = NotificationFailed
			job.CompletedAt = &now
			return
		}
		job.Status = NotificationPending
		job.NextAttemptAt = nextAttemptAt
	})
}

// GetNotification retrieves a job by id.
func (m *MemoryStore) GetNotification(_ context.Context, id string) (NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.notifications[id]
	if !ok {
		return NotificationJob{}, ErrNotFound
	}
	return job, nil
}

// RequeueNotification resets a DLQ'd job for another round of attempts.
func (m *MemoryStore) RequeueNotification(_ context.Context, id string) error {
	return m.updateNotification(id, func(job *NotificationJob) {
		job.Status = NotificationPending
		job.Attempts = 0
		job.LastError = ""
		job.NextAttemptAt = time.Now().UTC()
		job.CompletedAt = nil
	})
}

func (m *MemoryStore) updateNotification(id string, mutate func(*NotificationJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&job)
	m.notifications[id] = job
	return nil
}

func cloneTransaction(tx Transaction) Transaction {
	out := tx
	if tx.Metadata != nil {
		out.Metadata = make(map[string]any, len(tx.Metadata))
		for k, v := range tx.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func sortByCreatedAt(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
}

func truncate(txs []Transaction, limit int) []Transaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}
