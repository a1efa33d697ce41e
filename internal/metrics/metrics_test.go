package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all metrics are initialized
	if m.TransactionsTotal == nil {
		t.Error("TransactionsTotal should be initialized")
	}
	if m.StatusTransitionsTotal == nil {
		t.Error("StatusTransitionsTotal should be initialized")
	}
	if m.StageDuration == nil {
		t.Error("StageDuration should be initialized")
	}
	if m.QuotesTotal == nil {
		t.Error("QuotesTotal should be initialized")
	}
	if m.HorizonCallsTotal == nil {
		t.Error("HorizonCallsTotal should be initialized")
	}
	if m.SubmissionsTotal == nil {
		t.Error("SubmissionsTotal should be initialized")
	}
	if m.ProviderCallsTotal == nil {
		t.Error("ProviderCallsTotal should be initialized")
	}
	if m.WebhooksReceivedTotal == nil {
		t.Error("WebhooksReceivedTotal should be initialized")
	}
	if m.NotificationsTotal == nil {
		t.Error("NotificationsTotal should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveTransaction(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveTransaction("offramp", "paystack", "NGN", 10000)

	count := promtest.ToFloat64(m.TransactionsTotal.WithLabelValues("offramp", "paystack"))
	if count != 1 {
		t.Errorf("expected 1 transaction, got %.0f", count)
	}

	volume := promtest.ToFloat64(m.TransactionAmountTotal.WithLabelValues("offramp", "NGN"))
	if volume != 10000 {
		t.Errorf("expected volume 10000, got %.0f", volume)
	}
}

func TestObserveTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveTransition("offramp", "pending_payment", "cngn_received")
	m.ObserveTransition("offramp", "pending_payment", "cngn_received")

	count := promtest.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("offramp", "pending_payment", "cngn_received"))
	if count != 2 {
		t.Errorf("expected 2 transitions, got %.0f", count)
	}
}

func TestObserveHorizonCall_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errorType string
	}{
		{"timeout", errors.New("context deadline exceeded: timeout"), "timeout"},
		{"rate limit", errors.New("horizon said rate limit exceeded"), "rate_limit"},
		{"connection", errors.New("connection refused"), "connection"},
		{"not found", errors.New("resource not found"), "not_found"},
		{"other", errors.New("tx_bad_seq"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveHorizonCall("get_transaction", "testnet", 50*time.Millisecond, tt.err)

			count := promtest.ToFloat64(m.HorizonErrorsTotal.WithLabelValues("get_transaction", "testnet", tt.errorType))
			if count != 1 {
				t.Errorf("expected error_type %q to be recorded, got %.0f", tt.errorType, count)
			}
		})
	}
}

func TestObserveSubmission_RetryAttempts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSubmission("success", 1)
	m.ObserveSubmission("failed", 3)

	success := promtest.ToFloat64(m.SubmissionsTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("expected 1 success, got %.0f", success)
	}

	// First attempt is not a retry
	retries := promtest.ToFloat64(m.SubmissionRetryTotal.WithLabelValues("3"))
	if retries != 1 {
		t.Errorf("expected 1 retry at attempt 3, got %.0f", retries)
	}
}

func TestObserveRefund_AmountOnlyOnSuccess(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRefund("refunded", "cNGN", 5000)
	m.ObserveRefund("failed", "cNGN", 7000)

	refunded := promtest.ToFloat64(m.RefundsTotal.WithLabelValues("refunded"))
	if refunded != 1 {
		t.Errorf("expected 1 refunded, got %.0f", refunded)
	}

	volume := promtest.ToFloat64(m.RefundAmountTotal.WithLabelValues("cNGN"))
	if volume != 5000 {
		t.Errorf("expected refund volume 5000 (failed refunds excluded), got %.0f", volume)
	}
}

func TestObserveNotification_Retries(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveNotification("transaction.completed", "delivered", 200*time.Millisecond, 1)
	m.ObserveNotification("transaction.completed", "delivered", 200*time.Millisecond, 2)

	delivered := promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("transaction.completed", "delivered"))
	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %.0f", delivered)
	}

	retries := promtest.ToFloat64(m.NotificationRetriesTotal.WithLabelValues("transaction.completed", "2"))
	if retries != 1 {
		t.Errorf("expected 1 retry, got %.0f", retries)
	}
}

func TestMeasureDBQuery_NilMetrics(t *testing.T) {
	// Must not panic when metrics are disabled
	done := MeasureDBQuery(nil, "get_transaction", "memory")
	done()

	RecordDBQuery(nil, "get_transaction", "memory", time.Millisecond)
}

func TestFormatAttempt(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{1, "1"},
		{5, "5"},
		{6, "5+"},
		{100, "5+"},
	}

	for _, tt := range tests {
		if got := formatAttempt(tt.attempt); got != tt.want {
			t.Errorf("formatAttempt(%d) = %q, want %q", tt.attempt, got, tt.want)
		}
	}
}
