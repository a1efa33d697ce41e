package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

type captureTxHook struct {
	events []TransactionEvent
}

func (h *captureTxHook) Name() string { return "capture" }
func (h *captureTxHook) OnTransactionEvent(_ context.Context, event TransactionEvent) {
	h.events = append(h.events, event)
}

type captureDeliveryHook struct {
	events []DeliveryEvent
}

func (h *captureDeliveryHook) Name() string { return "capture" }
func (h *captureDeliveryHook) OnDeliveryOutcome(_ context.Context, event DeliveryEvent) {
	h.events = append(h.events, event)
}

type panicHook struct{}

func (panicHook) Name() string { return "panic" }
func (panicHook) OnTransactionEvent(context.Context, TransactionEvent) {
	panic("observer went sideways")
}

func retryCfg(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		Enabled:         true,
		MaxAttempts:     maxAttempts,
		InitialInterval: config.Duration{Duration: time.Second},
		MaxInterval:     config.Duration{Duration: time.Minute},
		Multiplier:      2.0,
	}
}

func sampleEvent() TransactionEvent {
	return TransactionEvent{
		EventType:     "transaction.completed",
		TransactionID: "tx-100",
		Type:          "onramp",
		FromStatus:    "processing",
		ToStatus:      "completed",
		Amount:        "10000",
		Currency:      "NGN",
	}
}

func TestRegistryRecoversPanickingHook(t *testing.T) {
	registry := NewRegistry()
	capture := &captureTxHook{}
	registry.RegisterTransactionHook(panicHook{})
	registry.RegisterTransactionHook(capture)

	registry.EmitTransaction(context.Background(), sampleEvent())

	if len(capture.events) != 1 {
		t.Fatalf("expected capture hook to run after panic, got %d events", len(capture.events))
	}
	if capture.events[0].TransactionID != "tx-100" {
		t.Fatalf("unexpected event: %+v", capture.events[0])
	}
}

func TestEmitterEnqueuesDurableJob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureTxHook{}
	registry.RegisterTransactionHook(capture)

	emitter := NewEmitter(config.NotificationsConfig{
		EventURL: "https://ops.example.com/events",
		Headers:  map[string]string{"Authorization": "Bearer token"},
		Retry:    retryCfg(5),
	}, store, registry)

	emitter.Emit(ctx, sampleEvent())

	if len(capture.events) != 1 {
		t.Fatalf("expected 1 hook event, got %d", len(capture.events))
	}
	if capture.events[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}

	jobs, err := store.DequeueNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNotifications: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.URL != "https://ops.example.com/events" {
		t.Fatalf("unexpected URL %q", job.URL)
	}
	if job.MaxAttempts != 5 {
		t.Fatalf("expected MaxAttempts 5, got %d", job.MaxAttempts)
	}
	if job.Headers["Authorization"] != "Bearer token" {
		t.Fatalf("headers not carried: %v", job.Headers)
	}
	var payload TransactionEvent
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.EventType != "transaction.completed" || payload.TransactionID != "tx-100" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEmitterWithoutURLOnlyFansOut(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureTxHook{}
	registry.RegisterTransactionHook(capture)

	emitter := NewEmitter(config.NotificationsConfig{Retry: retryCfg(5)}, store, registry)
	emitter.Emit(ctx, sampleEvent())

	if len(capture.events) != 1 {
		t.Fatalf("expected hook fan-out, got %d events", len(capture.events))
	}
	jobs, _ := store.DequeueNotifications(ctx, 10)
	if len(jobs) != 0 {
		t.Fatalf("expected no queued jobs without an event URL, got %d", len(jobs))
	}
}

func TestEmitterRendersBodyTemplate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	emitter := NewEmitter(config.NotificationsConfig{
		EventURL:     "https://ops.example.com/events",
		BodyTemplate: `{"kind":"{{.EventType}}","id":"{{.TransactionID}}"}`,
		Retry:        retryCfg(3),
	}, store, nil)
	emitter.Emit(ctx, sampleEvent())

	jobs, _ := store.DequeueNotifications(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(jobs))
	}
	want := `{"kind":"transaction.completed","id":"tx-100"}`
	if string(jobs[0].Payload) != want {
		t.Fatalf("rendered payload = %s, want %s", jobs[0].Payload, want)
	}
}

func TestEmitterRetryDisabledMeansSingleAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	emitter := NewEmitter(config.NotificationsConfig{
		EventURL: "https://ops.example.com/events",
		Retry:    config.RetryConfig{Enabled: false, MaxAttempts: 5},
	}, store, nil)
	emitter.Emit(ctx, sampleEvent())

	jobs, _ := store.DequeueNotifications(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(jobs))
	}
	if jobs[0].MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts 1 with retry disabled, got %d", jobs[0].MaxAttempts)
	}
}

func newTestWorker(store storage.Store, registry *Registry, secret string, maxAttempts int) *Worker {
	return NewWorker(config.NotificationsConfig{
		SigningSecret: secret,
		Timeout:       config.Duration{Duration: 2 * time.Second},
		Retry:         retryCfg(maxAttempts),
	}, store, registry, time.Second)
}

func enqueue(t *testing.T, store storage.Store, url string, maxAttempts int) string {
	t.Helper()
	id, err := store.EnqueueNotification(context.Background(), storage.NotificationJob{
		URL:         url,
		Payload:     json.RawMessage(`{"event_type":"transaction.completed","transaction_id":"tx-100"}`),
		Headers:     map[string]string{"Authorization": "Bearer token"},
		EventType:   "transaction.completed",
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("EnqueueNotification: %v", err)
	}
	return id
}

func TestWorkerDeliversAndSigns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureDeliveryHook{}
	registry.RegisterDeliveryHook(capture)

	var gotSignature, gotAuth, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	id := enqueue(t, store, server.URL, 5)
	worker := newTestWorker(store, registry, "topsecret", 5)
	worker.ProcessQueue(ctx)

	job, err := store.GetNotification(ctx, id)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if job.Status != storage.NotificationSuccess {
		t.Fatalf("status = %s, want success", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
	if gotContentType != "application/json" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if want := Sign("topsecret", gotBody); gotSignature != want {
		t.Fatalf("signature = %q, want %q", gotSignature, want)
	}
	if len(capture.events) != 1 || !capture.events[0].Success {
		t.Fatalf("expected one successful delivery event, got %+v", capture.events)
	}
	if capture.events[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", capture.events[0].Attempt)
	}
}

func TestWorkerOmitsSignatureWithoutSecret(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	var signaturePresent bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, signaturePresent = r.Header[SignatureHeader]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	enqueue(t, store, server.URL, 5)
	newTestWorker(store, nil, "", 5).ProcessQueue(ctx)

	if signaturePresent {
		t.Fatal("expected no signature header without a signing secret")
	}
}

func TestWorkerSchedulesRetryOnFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureDeliveryHook{}
	registry.RegisterDeliveryHook(capture)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	id := enqueue(t, store, server.URL, 5)
	before := time.Now()
	newTestWorker(store, registry, "topsecret", 5).ProcessQueue(ctx)

	job, _ := store.GetNotification(ctx, id)
	if job.Status != storage.NotificationPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.LastError == "" {
		t.Fatal("expected LastError to be recorded")
	}
	if !job.NextAttemptAt.After(before) {
		t.Fatalf("expected NextAttemptAt in the future, got %v", job.NextAttemptAt)
	}
	if len(capture.events) != 1 {
		t.Fatalf("expected 1 delivery event, got %d", len(capture.events))
	}
	event := capture.events[0]
	if event.Success || event.FinalFailure {
		t.Fatalf("expected non-final failure, got %+v", event)
	}

	// Backed off; the job is not due again yet.
	jobs, _ := store.DequeueNotifications(ctx, 10)
	if len(jobs) != 0 {
		t.Fatalf("expected no due jobs inside backoff window, got %d", len(jobs))
	}
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureDeliveryHook{}
	registry.RegisterDeliveryHook(capture)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	id := enqueue(t, store, server.URL, 1)
	worker := newTestWorker(store, registry, "topsecret", 1)
	worker.ProcessQueue(ctx)

	job, _ := store.GetNotification(ctx, id)
	if job.Status != storage.NotificationFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("expected CompletedAt on dead-lettered job")
	}
	if len(capture.events) != 1 || !capture.events[0].FinalFailure {
		t.Fatalf("expected final-failure delivery event, got %+v", capture.events)
	}

	// DLQ rows never re-enter the queue on their own.
	worker.ProcessQueue(ctx)
	if hits.Load() != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", hits.Load())
	}
}

func TestWorkerRequeueRecoversDeadLetteredJob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	id := enqueue(t, store, server.URL, 1)
	worker := newTestWorker(store, nil, "", 1)
	worker.ProcessQueue(ctx)

	job, _ := store.GetNotification(ctx, id)
	if job.Status != storage.NotificationFailed {
		t.Fatalf("status = %s, want failed before requeue", job.Status)
	}

	fail.Store(false)
	if err := store.RequeueNotification(ctx, id); err != nil {
		t.Fatalf("RequeueNotification: %v", err)
	}
	worker.ProcessQueue(ctx)

	job, _ = store.GetNotification(ctx, id)
	if job.Status != storage.NotificationSuccess {
		t.Fatalf("status = %s, want success after requeue", job.Status)
	}
}

func TestWorkerBackoffGrowsAndCaps(t *testing.T) {
	worker := NewWorker(config.NotificationsConfig{
		Retry: config.RetryConfig{
			Enabled:         true,
			MaxAttempts:     10,
			InitialInterval: config.Duration{Duration: time.Second},
			MaxInterval:     config.Duration{Duration: 8 * time.Second},
			Multiplier:      2.0,
		},
	}, storage.NewMemoryStore(), nil, time.Second)

	// Jitter keeps each delay in [base/2, base].
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{9, 8 * time.Second},
	}
	for _, tc := range cases {
		got := worker.backoff(tc.attempt)
		if got < tc.base/2 || got > tc.base {
			t.Fatalf("backoff(%d) = %v, want within [%v, %v]", tc.attempt, got, tc.base/2, tc.base)
		}
	}
}

func TestEventingStoreEmitsOnTransition(t *testing.T) {
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureTxHook{}
	registry.RegisterTransactionHook(capture)
	emitter := NewEmitter(config.NotificationsConfig{}, store, registry)
	wrapped := WrapStore(store, emitter)

	row := storage.Transaction{
		ID:           "tx-evt-1",
		Type:         storage.TypeOfframp,
		FromAmount:   decimal.NewFromInt(5000),
		FromCurrency: "cNGN",
		ToCurrency:   "NGN",
		Status:       storage.StatusPendingPayment,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := wrapped.CreateTransaction(context.Background(), row); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := wrapped.UpdateStatus(context.Background(), row.ID,
		storage.StatusPendingPayment, storage.StatusProcessing); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if len(capture.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(capture.events))
	}
	event := capture.events[0]
	if event.EventType != "transaction.processing" {
		t.Fatalf("unexpected event type %q", event.EventType)
	}
	if event.Type != "offramp" || event.Amount != "5000" || event.Currency != "cNGN" {
		t.Fatalf("event not enriched from row: %+v", event)
	}
	if event.FromStatus != "pending_payment" || event.ToStatus != "processing" {
		t.Fatalf("unexpected transition in event: %+v", event)
	}
}

func TestEventingStoreSilentOnRejectedTransition(t *testing.T) {
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	capture := &captureTxHook{}
	registry.RegisterTransactionHook(capture)
	wrapped := WrapStore(store, NewEmitter(config.NotificationsConfig{}, store, registry))

	row := storage.Transaction{
		ID:           "tx-evt-2",
		Type:         storage.TypeOnramp,
		FromAmount:   decimal.NewFromInt(10000),
		FromCurrency: "NGN",
		Status:       storage.StatusCompleted,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := wrapped.CreateTransaction(context.Background(), row); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := wrapped.UpdateStatus(context.Background(), row.ID,
		storage.StatusCompleted, storage.StatusProcessing)
	if err == nil {
		t.Fatal("expected invalid transition to fail")
	}
	if len(capture.events) != 0 {
		t.Fatalf("rejected transition must not emit, got %d events", len(capture.events))
	}
}

func TestWrapStoreNilEmitterReturnsUnwrapped(t *testing.T) {
	store := storage.NewMemoryStore()
	if got := WrapStore(store, nil); got != storage.Store(store) {
		t.Fatal("nil emitter should return the store unchanged")
	}
}
