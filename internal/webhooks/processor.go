// Package webhooks verifies, deduplicates, and dispatches inbound provider
// webhooks. Every event is logged under (provider, event_id) before any
// downstream work; a completed row short-circuits replays, and failed
// dispatches re-enter through the background sweep until the retry budget
// runs out.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

const (
	defaultMaxRetries    = 5
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 50
)

// ErrAlreadyProcessed reports a replayed event whose row is completed. The
// HTTP layer acknowledges these with a 200 so providers stop resending.
var ErrAlreadyProcessed = errors.New("webhooks: event already processed")

// Dispatcher receives the status-changing callbacks. Satisfied by
// orchestrator.Orchestrator.
type Dispatcher interface {
	HandlePaymentSuccess(ctx context.Context, provider, reference string) error
	HandlePaymentFailure(ctx context.Context, provider, reference, reason string) error
	HandleWithdrawalSuccess(ctx context.Context, provider, reference string) error
	HandleWithdrawalFailure(ctx context.Context, provider, reference, reason string) error
}

// ProviderSource resolves webhook provider adapters. Satisfied by
// providers.Registry.
type ProviderSource interface {
	Get(name string) (providers.PaymentProvider, error)
}

// Processor runs the webhook pipeline.
type Processor struct {
	providers  ProviderSource
	store      storage.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	maxRetries int
}

// NewProcessor wires the pipeline. maxRetries <= 0 selects the default
// budget of 5.
func NewProcessor(source ProviderSource, store storage.Store, dispatcher Dispatcher, m *metrics.Metrics, maxRetries int) *Processor {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Processor{
		providers:  source,
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		maxRetries: maxRetries,
	}
}

// Process handles one inbound webhook: resolve the provider, verify the
// signature, log the event, and dispatch. Returns ErrAlreadyProcessed for a
// completed replay.
func (p *Processor) Process(ctx context.Context, providerName, signature string, payload []byte) error {
	provider, err := p.providers.Get(providerName)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUnknownProvider,
			fmt.Sprintf("no webhook provider %q", providerName), err)
	}
	if !provider.VerifyWebhook(payload, signature) {
		p.observe(providerName, "rejected")
		return apperrors.New(apperrors.ErrCodeInvalidSignature, "webhook signature verification failed")
	}

	event, err := provider.ParseWebhookEvent(payload)
	if err != nil {
		p.observe(providerName, "unparseable")
		return apperrors.Wrap(apperrors.ErrCodeOutOfRange, "parse webhook event", err)
	}

	created, existing, err := p.store.LogWebhookEvent(ctx, storage.WebhookEvent{
		Provider:  providerName,
		EventID:   event.EventID,
		EventType: event.Type,
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "log webhook event", err)
	}
	if !created && existing.Status == storage.WebhookEventCompleted {
		p.observe(providerName, "duplicate")
		return ErrAlreadyProcessed
	}

	return p.run(ctx, providerName, event)
}

// run dispatches a logged event and records the outcome on its dedupe row.
func (p *Processor) run(ctx context.Context, providerName string, event providers.Event) error {
	if err := p.dispatch(ctx, providerName, event); err != nil {
		if recErr := p.store.RecordWebhookFailure(ctx, providerName, event.EventID, err.Error()); recErr != nil {
			log.Error().Err(recErr).Str("provider", providerName).Str("event_id", event.EventID).
				Msg("webhooks.failure_record_failed")
		}
		p.observe(providerName, "failed")
		return err
	}
	if err := p.store.CompleteWebhookEvent(ctx, providerName, event.EventID); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "complete webhook event", err)
	}
	p.observe(providerName, "completed")
	return nil
}

// dispatch routes by event type. Unmapped types are acknowledged and
// dropped; failing them would make providers resend events we will never
// handle.
func (p *Processor) dispatch(ctx context.Context, providerName string, event providers.Event) error {
	reference := event.Reference
	switch event.Type {
	case "charge.completed", "charge.success":
		return p.dispatcher.HandlePaymentSuccess(ctx, providerName, reference)
	case "charge.failed":
		return p.dispatcher.HandlePaymentFailure(ctx, providerName, reference, failureReason(event))
	case "transfer.completed", "transfer.success":
		return p.dispatcher.HandleWithdrawalSuccess(ctx, providerName, reference)
	case "transfer.failed":
		return p.dispatcher.HandleWithdrawalFailure(ctx, providerName, reference, failureReason(event))
	default:
		log.Info().Str("provider", providerName).Str("type", event.Type).
			Str("reference", reference).Msg("webhooks.event_ignored")
		p.observe(providerName, "ignored")
		return nil
	}
}

func failureReason(event providers.Event) string {
	if event.Status != "" {
		return fmt.Sprintf("provider reported %s for %s", event.Status, event.Type)
	}
	return event.Type
}

func (p *Processor) observe(provider, status string) {
	if p.metrics != nil {
		p.metrics.ObserveInboundWebhook(provider, status)
	}
}

// Sweep retries failed events still under the retry budget. The stored
// payload is re-parsed and re-dispatched; signatures were verified at
// ingest.
func (p *Processor) Sweep(ctx context.Context) {
	events, err := p.store.ListRetryableWebhookEvents(ctx, p.maxRetries, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("webhooks.sweep_list_failed")
		return
	}
	for _, row := range events {
		provider, err := p.providers.Get(row.Provider)
		if err != nil {
			log.Warn().Str("provider", row.Provider).Str("event_id", row.EventID).
				Msg("webhooks.sweep_provider_gone")
			continue
		}
		event, err := provider.ParseWebhookEvent(row.Payload)
		if err != nil {
			if recErr := p.store.RecordWebhookFailure(ctx, row.Provider, row.EventID, err.Error()); recErr != nil {
				log.Error().Err(recErr).Str("provider", row.Provider).Str("event_id", row.EventID).
					Msg("webhooks.failure_record_failed")
			}
			continue
		}
		if err := p.run(ctx, row.Provider, event); err != nil {
			log.Warn().Err(err).Str("provider", row.Provider).Str("event_id", row.EventID).
				Int("retry_count", row.RetryCount).Msg("webhooks.sweep_retry_failed")
		}
	}
}

// SweepWorker re-drives failed webhook events on an interval.
type SweepWorker struct {
	processor *Processor
	interval  time.Duration
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewSweepWorker builds the worker. A non-positive interval selects the
// one-minute default.
func NewSweepWorker(processor *Processor, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &SweepWorker{
		processor: processor,
		interval:  interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop or context cancellation.
func (w *SweepWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.doneChan)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-ticker.C:
				w.processor.Sweep(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit.
func (w *SweepWorker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}
