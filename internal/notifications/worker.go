package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/httputil"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the configured signing secret. Receivers verify it the same way inbound
// provider webhooks are verified here.
const SignatureHeader = "X-Nairabridge-Signature"

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 10 * time.Second
	dequeueBatchSize    = 10
)

// Worker delivers queued notification jobs with jittered exponential backoff.
// Delivery is at-least-once; receivers dedupe on the payload's event fields.
type Worker struct {
	cfg      config.NotificationsConfig
	store    storage.Store
	registry *Registry
	client   *http.Client
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker builds the delivery worker. pollInterval <= 0 selects the
// five-second default.
func NewWorker(cfg config.NotificationsConfig, store storage.Store, registry *Registry, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		registry: registry,
		client:   httputil.NewClient(timeout),
		interval: pollInterval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the delivery loop until Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) {
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
				w.ProcessQueue(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the current batch to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

// ProcessQueue delivers every due job once.
func (w *Worker) ProcessQueue(ctx context.Context) {
	jobs, err := w.store.DequeueNotifications(ctx, dequeueBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("notifications.dequeue_failed")
		return
	}
	for _, job := range jobs {
		w.deliver(ctx, job)
	}
}

func (w *Worker) deliver(ctx context.Context, job storage.NotificationJob) {
	if err := w.store.MarkNotificationProcessing(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("notifications.claim_failed")
		return
	}
	attempt := job.Attempts + 1
	start := time.Now()
	err := w.send(ctx, job)
	duration := time.Since(start)

	outcome := DeliveryEvent{
		Timestamp:   time.Now().UTC(),
		JobID:       job.ID,
		EventType:   job.EventType,
		URL:         job.URL,
		Attempt:     attempt,
		MaxAttempts: job.MaxAttempts,
		Duration:    duration,
	}

	if err == nil {
		if markErr := w.store.MarkNotificationSuccess(ctx, job.ID); markErr != nil {
			log.Error().Err(markErr).Str("job_id", job.ID).Msg("notifications.success_mark_failed")
		}
		outcome.Success = true
		w.emit(ctx, outcome)
		return
	}

	next := time.Now().Add(w.backoff(attempt))
	if markErr := w.store.MarkNotificationFailed(ctx, job.ID, err.Error(), next); markErr != nil {
		log.Error().Err(markErr).Str("job_id", job.ID).Msg("notifications.failure_mark_failed")
	}
	outcome.Error = err.Error()
	outcome.FinalFailure = attempt >= job.MaxAttempts
	w.emit(ctx, outcome)

	if outcome.FinalFailure {
		log.Warn().Str("job_id", job.ID).Str("event_type", job.EventType).
			Int("attempts", attempt).Err(err).Msg("notifications.delivery_dead_lettered")
	}
}

func (w *Worker) emit(ctx context.Context, event DeliveryEvent) {
	if w.registry != nil {
		w.registry.EmitDelivery(ctx, event)
	}
}

// backoff returns the delay before the next attempt: exponential with a cap,
// jittered to half-to-full value so a burst of failures does not re-land as
// a burst.
func (w *Worker) backoff(attempt int) time.Duration {
	initial := w.cfg.Retry.InitialInterval.Duration
	if initial <= 0 {
		initial = time.Second
	}
	max := w.cfg.Retry.MaxInterval.Duration
	if max <= 0 {
		max = 5 * time.Minute
	}
	multiplier := w.cfg.Retry.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * multiplier)
		if d >= max {
			d = max
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (w *Worker) send(ctx context.Context, job storage.NotificationJob) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range job.Headers {
		if key == "" || strings.EqualFold(key, "content-type") {
			continue
		}
		req.Header.Set(key, value)
	}
	if w.cfg.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.SigningSecret, job.Payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, job.URL)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
