// Package notifications fans transaction lifecycle events out to in-process
// hooks and to a durable outbound delivery queue. Hooks are fire-and-forget
// observers (logging, metrics, future APM exporters); the queue is the
// at-least-once channel to the operator's endpoint, signed and retried by the
// delivery worker.
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

// Hook is the base interface for event observers.
type Hook interface {
	Name() string
}

// TransactionHook receives transaction lifecycle events.
type TransactionHook interface {
	Hook
	OnTransactionEvent(ctx context.Context, event TransactionEvent)
}

// DeliveryHook receives outbound delivery outcomes.
type DeliveryHook interface {
	Hook
	OnDeliveryOutcome(ctx context.Context, event DeliveryEvent)
}

// TransactionEvent describes one lifecycle change on a transaction row.
type TransactionEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"` // transaction.completed, transaction.refunded, ...
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"` // onramp, offramp, bill_payment
	FromStatus    string    `json:"from_status,omitempty"`
	ToStatus      string    `json:"to_status"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// DeliveryEvent describes one outbound delivery attempt outcome.
type DeliveryEvent struct {
	Timestamp    time.Time
	JobID        string
	EventType    string
	URL          string
	Attempt      int
	MaxAttempts  int
	Success      bool
	Error        string
	Duration     time.Duration
	FinalFailure bool // Retries exhausted; the job landed in the DLQ
}

// Registry dispatches events to registered hooks. A panicking hook is
// recovered and logged; one bad observer never takes the pipeline down.
type Registry struct {
	mu          sync.RWMutex
	transaction []TransactionHook
	delivery    []DeliveryHook
}

// NewRegistry returns an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterTransactionHook adds a transaction lifecycle observer.
func (r *Registry) RegisterTransactionHook(hook TransactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transaction = append(r.transaction, hook)
	log.Info().Str("hook", hook.Name()).Msg("notifications.transaction_hook_registered")
}

// RegisterDeliveryHook adds a delivery outcome observer.
func (r *Registry) RegisterDeliveryHook(hook DeliveryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivery = append(r.delivery, hook)
	log.Info().Str("hook", hook.Name()).Msg("notifications.delivery_hook_registered")
}

// EmitTransaction dispatches a transaction event to every hook.
func (r *Registry) EmitTransaction(ctx context.Context, event TransactionEvent) {
	r.mu.RLock()
	hooks := r.transaction
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer recoverHook("OnTransactionEvent", hook.Name())
			hook.OnTransactionEvent(ctx, event)
		}()
	}
}

// EmitDelivery dispatches a delivery outcome to every hook.
func (r *Registry) EmitDelivery(ctx context.Context, event DeliveryEvent) {
	r.mu.RLock()
	hooks := r.delivery
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer recoverHook("OnDeliveryOutcome", hook.Name())
			hook.OnDeliveryOutcome(ctx, event)
		}()
	}
}

func recoverHook(method, hookName string) {
	if err := recover(); err != nil {
		log.Error().Str("hook", hookName).Str("method", method).
			Interface("panic", err).Msg("notifications.hook_panicked")
	}
}

// LogHook writes every event through the service logger.
type LogHook struct{}

func (LogHook) Name() string { return "log" }

func (LogHook) OnTransactionEvent(_ context.Context, event TransactionEvent) {
	log.Info().Str("event_type", event.EventType).
		Str("transaction_id", event.TransactionID).
		Str("type", event.Type).
		Str("to_status", event.ToStatus).
		Msg("notifications.transaction_event")
}

func (LogHook) OnDeliveryOutcome(_ context.Context, event DeliveryEvent) {
	entry := log.Info()
	if !event.Success {
		entry = log.Warn()
	}
	entry.Str("job_id", event.JobID).Str("event_type", event.EventType).
		Int("attempt", event.Attempt).Bool("success", event.Success).
		Bool("final_failure", event.FinalFailure).
		Msg("notifications.delivery_outcome")
}

// PrometheusHook mirrors delivery outcomes into the metrics registry.
type PrometheusHook struct {
	metrics *metrics.Metrics
}

// NewPrometheusHook wraps the shared metrics collector.
func NewPrometheusHook(m *metrics.Metrics) *PrometheusHook {
	return &PrometheusHook{metrics: m}
}

func (h *PrometheusHook) Name() string { return "prometheus" }

func (h *PrometheusHook) OnDeliveryOutcome(_ context.Context, event DeliveryEvent) {
	if h.metrics == nil {
		return
	}
	status := "success"
	switch {
	case event.FinalFailure:
		status = "dlq"
	case !event.Success:
		status = "failed"
	}
	h.metrics.ObserveNotification(event.EventType, status, event.Duration, event.Attempt)
}
