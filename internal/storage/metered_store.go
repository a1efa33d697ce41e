package storage

import (
	"context"
	"time"

	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

// MeteredStore wraps a Store and times every call into the db_query
// histogram, labeled by operation and backend. Wrapping a nil-metrics
// deployment is free; the observe call is guarded inside the collector
// helper.
type MeteredStore struct {
	inner   Store
	metrics *metrics.Metrics
	backend string
}

// NewMeteredStore decorates store with query timing. backend names the
// underlying engine ("postgres", "mongodb", "memory") for the metric label.
func NewMeteredStore(store Store, m *metrics.Metrics, backend string) *MeteredStore {
	return &MeteredStore{inner: store, metrics: m, backend: backend}
}

func (s *MeteredStore) observe(operation string) func() {
	return metrics.MeasureDBQuery(s.metrics, operation, s.backend)
}

func (s *MeteredStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	defer s.observe("create_transaction")()
	return s.inner.CreateTransaction(ctx, tx)
}

func (s *MeteredStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	defer s.observe("get_transaction")()
	return s.inner.GetTransaction(ctx, id)
}

func (s *MeteredStore) GetTransactionByProviderRef(ctx context.Context, provider, reference string) (Transaction, error) {
	defer s.observe("get_transaction_by_provider_ref")()
	return s.inner.GetTransactionByProviderRef(ctx, provider, reference)
}

func (s *MeteredStore) GetTransactionByMemoRef(ctx context.Context, memo string) (Transaction, error) {
	defer s.observe("get_transaction_by_memo_ref")()
	return s.inner.GetTransactionByMemoRef(ctx, memo)
}

func (s *MeteredStore) SetProviderSession(ctx context.Context, id, provider, reference string) error {
	defer s.observe("set_provider_session")()
	return s.inner.SetProviderSession(ctx, id, provider, reference)
}

func (s *MeteredStore) UpdateStatus(ctx context.Context, id string, from, to TransactionStatus) error {
	defer s.observe("update_status")()
	return s.inner.UpdateStatus(ctx, id, from, to)
}

func (s *MeteredStore) UpdateStatusWithMetadata(ctx context.Context, id string, from, to TransactionStatus, patch map[string]any) error {
	defer s.observe("update_status_with_metadata")()
	return s.inner.UpdateStatusWithMetadata(ctx, id, from, to, patch)
}

func (s *MeteredStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	defer s.observe("merge_metadata")()
	return s.inner.MergeMetadata(ctx, id, patch)
}

func (s *MeteredStore) SetErrorMessage(ctx context.Context, id, message string) error {
	defer s.observe("set_error_message")()
	return s.inner.SetErrorMessage(ctx, id, message)
}

func (s *MeteredStore) UpdateBlockchainHash(ctx context.Context, id, hash string) error {
	defer s.observe("update_blockchain_hash")()
	return s.inner.UpdateBlockchainHash(ctx, id, hash)
}

func (s *MeteredStore) FindOfframpsByStatus(ctx context.Context, status TransactionStatus, limit int) ([]Transaction, error) {
	defer s.observe("find_offramps_by_status")()
	return s.inner.FindOfframpsByStatus(ctx, status, limit)
}

func (s *MeteredStore) FindPendingPaymentsForMonitoring(ctx context.Context, window time.Duration, limit int) ([]Transaction, error) {
	defer s.observe("find_pending_payments_for_monitoring")()
	return s.inner.FindPendingPaymentsForMonitoring(ctx, window, limit)
}

func (s *MeteredStore) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	defer s.observe("find_expired_pending")()
	return s.inner.FindExpiredPending(ctx, cutoff, limit)
}

func (s *MeteredStore) LogWebhookEvent(ctx context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	defer s.observe("log_webhook_event")()
	return s.inner.LogWebhookEvent(ctx, event)
}

func (s *MeteredStore) CompleteWebhookEvent(ctx context.Context, provider, eventID string) error {
	defer s.observe("complete_webhook_event")()
	return s.inner.CompleteWebhookEvent(ctx, provider, eventID)
}

func (s *MeteredStore) RecordWebhookFailure(ctx context.Context, provider, eventID, lastError string) error {
	defer s.observe("record_webhook_failure")()
	return s.inner.RecordWebhookFailure(ctx, provider, eventID, lastError)
}

func (s *MeteredStore) ListRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]WebhookEvent, error) {
	defer s.observe("list_retryable_webhook_events")()
	return s.inner.ListRetryableWebhookEvents(ctx, maxRetries, limit)
}

func (s *MeteredStore) AppendRate(ctx context.Context, rate ExchangeRate) error {
	defer s.observe("append_rate")()
	return s.inner.AppendRate(ctx, rate)
}

func (s *MeteredStore) LatestRate(ctx context.Context, from, to string) (ExchangeRate, error) {
	defer s.observe("latest_rate")()
	return s.inner.LatestRate(ctx, from, to)
}

func (s *MeteredStore) ListRateHistory(ctx context.Context, from, to string, limit int) ([]ExchangeRate, error) {
	defer s.observe("list_rate_history")()
	return s.inner.ListRateHistory(ctx, from, to, limit)
}

func (s *MeteredStore) AppendConversionAudit(ctx context.Context, audit ConversionAudit) error {
	defer s.observe("append_conversion_audit")()
	return s.inner.AppendConversionAudit(ctx, audit)
}

func (s *MeteredStore) GetCursor(ctx context.Context, name string) (string, error) {
	defer s.observe("get_cursor")()
	return s.inner.GetCursor(ctx, name)
}

func (s *MeteredStore) SetCursor(ctx context.Context, name, value string) error {
	defer s.observe("set_cursor")()
	return s.inner.SetCursor(ctx, name, value)
}

func (s *MeteredStore) EnqueueNotification(ctx context.Context, job NotificationJob) (string, error) {
	defer s.observe("enqueue_notification")()
	return s.inner.EnqueueNotification(ctx, job)
}

func (s *MeteredStore) DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error) {
	defer s.observe("dequeue_notifications")()
	return s.inner.DequeueNotifications(ctx, limit)
}

func (s *MeteredStore) MarkNotificationProcessing(ctx context.Context, id string) error {
	defer s.observe("mark_notification_processing")()
	return s.inner.MarkNotificationProcessing(ctx, id)
}

func (s *MeteredStore) MarkNotificationSuccess(ctx context.Context, id string) error {
	defer s.observe("mark_notification_success")()
	return s.inner.MarkNotificationSuccess(ctx, id)
}

func (s *MeteredStore) MarkNotificationFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	defer s.observe("mark_notification_failed")()
	return s.inner.MarkNotificationFailed(ctx, id, lastError, nextAttemptAt)
}

func (s *MeteredStore) GetNotification(ctx context.Context, id string) (NotificationJob, error) {
	defer s.observe("get_notification")()
	return s.inner.GetNotification(ctx, id)
}

func (s *MeteredStore) RequeueNotification(ctx context.Context, id string) error {
	defer s.observe("requeue_notification")()
	return s.inner.RequeueNotification(ctx, id)
}

func (s *MeteredStore) Close() error {
	return s.inner.Close()
}
