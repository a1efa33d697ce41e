package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal      *prometheus.CounterVec
	TransactionAmountTotal *prometheus.CounterVec
	StatusTransitionsTotal *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	SettlementDuration     *prometheus.HistogramVec

	// Quote metrics
	QuotesTotal *prometheus.CounterVec

	// Horizon call metrics
	HorizonCallsTotal   *prometheus.CounterVec
	HorizonCallDuration *prometheus.HistogramVec
	HorizonErrorsTotal  *prometheus.CounterVec

	// Stellar submission metrics
	SubmissionsTotal     *prometheus.CounterVec
	SubmissionRetryTotal *prometheus.CounterVec

	// Provider metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderErrorsTotal  *prometheus.CounterVec
	ProviderFailovers    *prometheus.CounterVec

	// Payout and refund metrics
	PayoutsTotal      *prometheus.CounterVec
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal *prometheus.CounterVec

	// Bill payment metrics
	BillPaymentsTotal *prometheus.CounterVec

	// Inbound webhook metrics
	WebhooksReceivedTotal *prometheus.CounterVec

	// Outbound notification metrics
	NotificationsTotal       *prometheus.CounterVec
	NotificationRetriesTotal *prometheus.CounterVec
	NotificationDuration     *prometheus.HistogramVec

	// Rate engine metrics
	RateLookupsTotal *prometheus.CounterVec
	PegDeviation     prometheus.Gauge

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Sweep metrics
	ExpiredTransactionsTotal prometheus.Counter

	// Wallet balance metrics
	WalletBalance *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Transaction metrics
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_transactions_total",
				Help: "Total number of transactions created",
			},
			[]string{"type", "provider"},
		),
		TransactionAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_transaction_amount_total",
				Help: "Total transaction volume by currency",
			},
			[]string{"type", "currency"},
		),
		StatusTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_status_transitions_total",
				Help: "Total number of transaction status transitions",
			},
			[]string{"type", "from", "to"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_stage_duration_seconds",
				Help:    "Time spent in each offramp stage (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
			},
			[]string{"stage"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_settlement_duration_seconds",
				Help:    "Time from transaction creation to terminal status",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900, 1800},
			},
			[]string{"type"},
		),

		// Quote metrics
		QuotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_quotes_total",
				Help: "Total number of quote events",
			},
			[]string{"status"},
		),

		// Horizon call metrics
		HorizonCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_horizon_calls_total",
				Help: "Total number of Horizon API calls",
			},
			[]string{"method", "network"},
		),
		HorizonCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_horizon_call_duration_seconds",
				Help:    "Duration of Horizon API calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		HorizonErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_horizon_errors_total",
				Help: "Total number of Horizon API errors",
			},
			[]string{"method", "network", "error_type"},
		),

		// Stellar submission metrics
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_stellar_submissions_total",
				Help: "Total number of Stellar transaction submissions",
			},
			[]string{"status"},
		),
		SubmissionRetryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_stellar_submission_retries_total",
				Help: "Total number of Stellar submission retries by attempt",
			},
			[]string{"attempt"},
		),

		// Provider metrics
		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_provider_calls_total",
				Help: "Total number of NGN rail provider API calls",
			},
			[]string{"provider", "operation"},
		),
		ProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_provider_call_duration_seconds",
				Help:    "Duration of provider API calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		ProviderErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_provider_errors_total",
				Help: "Total number of provider API errors",
			},
			[]string{"provider", "operation", "error_type"},
		),
		ProviderFailovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_provider_failovers_total",
				Help: "Total number of failovers from one provider to the next",
			},
			[]string{"from", "to"},
		),

		// Payout and refund metrics
		PayoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_payouts_total",
				Help: "Total number of NGN bank payouts",
			},
			[]string{"provider", "status"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_refunds_total",
				Help: "Total number of cNGN refunds",
			},
			[]string{"status"},
		),
		RefundAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_refund_amount_total",
				Help: "Total refunded volume by currency",
			},
			[]string{"currency"},
		),

		// Bill payment metrics
		BillPaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_bill_payments_total",
				Help: "Total number of bill payments",
			},
			[]string{"category", "status"},
		),

		// Inbound webhook metrics
		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_webhooks_received_total",
				Help: "Total number of inbound provider webhooks",
			},
			[]string{"provider", "status"},
		),

		// Outbound notification metrics
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_notifications_total",
				Help: "Total number of outbound notification deliveries",
			},
			[]string{"event_type", "status"},
		),
		NotificationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_notification_retries_total",
				Help: "Total number of notification retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_notification_duration_seconds",
				Help:    "Time taken for notification delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Rate engine metrics
		RateLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_rate_lookups_total",
				Help: "Total number of exchange rate lookups by source",
			},
			[]string{"pair", "source"},
		),
		PegDeviation: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nairabridge_peg_deviation",
				Help: "Last observed NGN/cNGN deviation from 1.0",
			},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nairabridge_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nairabridge_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nairabridge_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		// Sweep metrics
		ExpiredTransactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nairabridge_expired_transactions_total",
				Help: "Total number of transactions expired by the sweep",
			},
		),

		// Wallet balance metrics
		WalletBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nairabridge_wallet_balance",
				Help: "Last observed balance of a system wallet by asset",
			},
			[]string{"wallet", "asset"},
		),
	}
}

// ObserveTransaction records a created transaction and its NGN volume.
func (m *Metrics) ObserveTransaction(txType, provider, currency string, amount float64) {
	m.TransactionsTotal.WithLabelValues(txType, provider).Inc()
	m.TransactionAmountTotal.WithLabelValues(txType, currency).Add(amount)
}

// ObserveTransition records a status transition.
func (m *Metrics) ObserveTransition(txType, from, to string) {
	m.StatusTransitionsTotal.WithLabelValues(txType, from, to).Inc()
}

// ObserveStage records time spent in an offramp stage.
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveSettlement records total time to a terminal status.
func (m *Metrics) ObserveSettlement(txType string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(txType).Observe(duration.Seconds())
}

// ObserveQuote records a quote lifecycle event (created, consumed, expired, rejected).
func (m *Metrics) ObserveQuote(status string) {
	m.QuotesTotal.WithLabelValues(status).Inc()
}

// ObserveHorizonCall records a Horizon API call.
func (m *Metrics) ObserveHorizonCall(method, network string, duration time.Duration, err error) {
	m.HorizonCallsTotal.WithLabelValues(method, network).Inc()
	m.HorizonCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		m.HorizonErrorsTotal.WithLabelValues(method, network, classifyError(err)).Inc()
	}
}

// ObserveSubmission records a Stellar transaction submission outcome.
func (m *Metrics) ObserveSubmission(status string, attempt int) {
	m.SubmissionsTotal.WithLabelValues(status).Inc()
	if attempt > 1 {
		m.SubmissionRetryTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}
}

// ObserveProviderCall records an NGN rail provider API call.
func (m *Metrics) ObserveProviderCall(provider, operation string, duration time.Duration, err error) {
	m.ProviderCallsTotal.WithLabelValues(provider, operation).Inc()
	m.ProviderCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())

	if err != nil {
		m.ProviderErrorsTotal.WithLabelValues(provider, operation, classifyError(err)).Inc()
	}
}

// ObserveFailover records a provider failover.
func (m *Metrics) ObserveFailover(from, to string) {
	m.ProviderFailovers.WithLabelValues(from, to).Inc()
}

// ObservePayout records a bank payout outcome.
func (m *Metrics) ObservePayout(provider, status string) {
	m.PayoutsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveRefund records a refund outcome and its volume when successful.
func (m *Metrics) ObserveRefund(status, currency string, amount float64) {
	m.RefundsTotal.WithLabelValues(status).Inc()
	if status == "refunded" {
		m.RefundAmountTotal.WithLabelValues(currency).Add(amount)
	}
}

// ObserveBillPayment records a bill payment outcome.
func (m *Metrics) ObserveBillPayment(category, status string) {
	m.BillPaymentsTotal.WithLabelValues(category, status).Inc()
}

// ObserveInboundWebhook records an inbound provider webhook (verified, rejected, duplicate).
func (m *Metrics) ObserveInboundWebhook(provider, status string) {
	m.WebhooksReceivedTotal.WithLabelValues(provider, status).Inc()
}

// ObserveNotification records an outbound notification delivery.
func (m *Metrics) ObserveNotification(eventType, status string, duration time.Duration, attempt int) {
	m.NotificationsTotal.WithLabelValues(eventType, status).Inc()
	m.NotificationDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.NotificationRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
}

// ObserveRateLookup records an exchange rate resolution and its source.
func (m *Metrics) ObserveRateLookup(pair, source string) {
	m.RateLookupsTotal.WithLabelValues(pair, source).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// SetWalletBalance records the last observed balance of a system wallet.
func (m *Metrics) SetWalletBalance(wallet, asset string, balance float64) {
	m.WalletBalance.WithLabelValues(wallet, asset).Set(balance)
}

// ObserveExpiredTransactions records rows expired by the sweep.
func (m *Metrics) ObserveExpiredTransactions(count int) {
	m.ExpiredTransactionsTotal.Add(float64(count))
}

// classifyError buckets an error string for the error_type label.
func classifyError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"):
		return "rate_limit"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
