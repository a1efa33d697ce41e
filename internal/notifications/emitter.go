package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// Emitter fans transaction events to the hook registry and, when an event
// URL is configured, enqueues a durable delivery job. Enqueueing failures are
// logged, never propagated: lifecycle writes must not fail because the
// notification pipe is down.
type Emitter struct {
	cfg      config.NotificationsConfig
	store    storage.Store
	registry *Registry
	tmpl     *template.Template
}

// NewEmitter builds the emitter. A malformed body template is logged and
// ignored; payloads fall back to plain JSON.
func NewEmitter(cfg config.NotificationsConfig, store storage.Store, registry *Registry) *Emitter {
	e := &Emitter{cfg: cfg, store: store, registry: registry}
	if cfg.BodyTemplate != "" {
		tmpl, err := template.New("notification").Parse(cfg.BodyTemplate)
		if err != nil {
			log.Error().Err(err).Msg("notifications.template_parse_failed")
		} else {
			e.tmpl = tmpl
		}
	}
	return e
}

// Emit dispatches the event to hooks and queues the outbound delivery.
func (e *Emitter) Emit(ctx context.Context, event TransactionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if e.registry != nil {
		e.registry.EmitTransaction(ctx, event)
	}
	if e.cfg.EventURL == "" {
		return
	}

	payload, err := e.render(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.EventType).
			Msg("notifications.payload_encode_failed")
		return
	}
	maxAttempts := e.cfg.Retry.MaxAttempts
	if !e.cfg.Retry.Enabled || maxAttempts <= 0 {
		maxAttempts = 1
	}
	id, err := e.store.EnqueueNotification(ctx, storage.NotificationJob{
		URL:         e.cfg.EventURL,
		Payload:     payload,
		Headers:     e.cfg.Headers,
		EventType:   event.EventType,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", event.EventType).
			Str("transaction_id", event.TransactionID).
			Msg("notifications.enqueue_failed")
		return
	}
	log.Debug().Str("job_id", id).Str("event_type", event.EventType).
		Msg("notifications.enqueued")
}

func (e *Emitter) render(event TransactionEvent) (json.RawMessage, error) {
	if e.tmpl != nil {
		var buf bytes.Buffer
		if err := e.tmpl.Execute(&buf, event); err != nil {
			return nil, fmt.Errorf("execute body template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(event)
}
