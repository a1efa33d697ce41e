package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// fakeAdapter accepts any payload whose signature matches secret and parses
// events from plain JSON.
type fakeAdapter struct {
	name   string
	secret string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) InitiatePayment(_ context.Context, _ providers.PaymentRequest) (providers.PaymentSession, error) {
	return providers.PaymentSession{}, errors.New("not implemented")
}

func (f *fakeAdapter) VerifyPayment(_ context.Context, _ string) (providers.StatusResult, error) {
	return providers.StatusResult{}, errors.New("not implemented")
}

func (f *fakeAdapter) ProcessWithdrawal(_ context.Context, _ providers.WithdrawalRequest) (providers.WithdrawalResult, error) {
	return providers.WithdrawalResult{}, errors.New("not implemented")
}

func (f *fakeAdapter) GetPaymentStatus(_ context.Context, _ string) (providers.StatusResult, error) {
	return providers.StatusResult{}, errors.New("not implemented")
}

func (f *fakeAdapter) VerifyWebhook(_ []byte, signature string) bool {
	return signature == f.secret
}

func (f *fakeAdapter) ParseWebhookEvent(payload []byte) (providers.Event, error) {
	var event providers.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return providers.Event{}, err
	}
	event.Provider = f.name
	return event, nil
}

type fakeSource map[string]providers.PaymentProvider

func (s fakeSource) Get(name string) (providers.PaymentProvider, error) {
	p, ok := s[name]
	if !ok {
		return nil, errors.New("unknown provider")
	}
	return p, nil
}

type call struct {
	handler   string
	reference string
	reason    string
}

type fakeDispatcher struct {
	calls []call
	err   error
}

func (d *fakeDispatcher) record(handler, reference, reason string) error {
	d.calls = append(d.calls, call{handler: handler, reference: reference, reason: reason})
	return d.err
}

func (d *fakeDispatcher) HandlePaymentSuccess(_ context.Context, _, ref string) error {
	return d.record("payment_success", ref, "")
}

func (d *fakeDispatcher) HandlePaymentFailure(_ context.Context, _, ref, reason string) error {
	return d.record("payment_failure", ref, reason)
}

func (d *fakeDispatcher) HandleWithdrawalSuccess(_ context.Context, _, ref string) error {
	return d.record("withdrawal_success", ref, "")
}

func (d *fakeDispatcher) HandleWithdrawalFailure(_ context.Context, _, ref, reason string) error {
	return d.record("withdrawal_failure", ref, reason)
}

func eventPayload(t *testing.T, eventType, eventID, reference string) []byte {
	t.Helper()
	raw, err := json.Marshal(providers.Event{Type: eventType, EventID: eventID, Reference: reference})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestProcessor(dispatcher Dispatcher) (*Processor, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	source := fakeSource{"paystack": &fakeAdapter{name: "paystack", secret: "s3cret"}}
	return NewProcessor(source, store, dispatcher, nil, 3), store
}

func TestProcess_DispatchAndReplay(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	processor, store := newTestProcessor(dispatcher)
	ctx := context.Background()
	payload := eventPayload(t, "charge.success", "evt_1", "tx-1")

	if err := processor.Process(ctx, "paystack", "s3cret", payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].handler != "payment_success" || dispatcher.calls[0].reference != "tx-1" {
		t.Fatalf("calls = %+v", dispatcher.calls)
	}

	// Providers resend aggressively; every replay short-circuits on the
	// completed row without touching the dispatcher.
	for i := 0; i < 5; i++ {
		if err := processor.Process(ctx, "paystack", "s3cret", payload); !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("replay %d = %v, want ErrAlreadyProcessed", i, err)
		}
	}
	if len(dispatcher.calls) != 1 {
		t.Errorf("dispatcher called %d times after replays", len(dispatcher.calls))
	}

	events, err := store.ListRetryableWebhookEvents(ctx, 10, 10)
	if err != nil || len(events) != 0 {
		t.Errorf("retryable events = %v, %v", events, err)
	}
}

func TestProcess_Rejections(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	processor, _ := newTestProcessor(dispatcher)
	ctx := context.Background()
	payload := eventPayload(t, "charge.success", "evt_2", "tx-2")

	err := processor.Process(ctx, "unknown", "s3cret", payload)
	if apperrors.CodeOf(err) != apperrors.ErrCodeUnknownProvider {
		t.Errorf("unknown provider = %v", err)
	}

	err = processor.Process(ctx, "paystack", "wrong-signature", payload)
	if apperrors.CodeOf(err) != apperrors.ErrCodeInvalidSignature {
		t.Errorf("bad signature = %v", err)
	}

	err = processor.Process(ctx, "paystack", "s3cret", []byte("{not json"))
	if err == nil {
		t.Error("unparseable payload should be rejected")
	}
	if len(dispatcher.calls) != 0 {
		t.Errorf("rejected webhooks must not dispatch, calls = %+v", dispatcher.calls)
	}
}

func TestProcess_IgnoredEventType(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	processor, _ := newTestProcessor(dispatcher)
	ctx := context.Background()

	if err := processor.Process(ctx, "paystack", "s3cret", eventPayload(t, "customer.created", "evt_3", "")); err != nil {
		t.Fatalf("ignored event should complete: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Errorf("unmapped type dispatched: %+v", dispatcher.calls)
	}
	// The row completes so the provider stops resending.
	if err := processor.Process(ctx, "paystack", "s3cret", eventPayload(t, "customer.created", "evt_3", "")); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("replay = %v", err)
	}
}

func TestProcess_RoutingTable(t *testing.T) {
	tests := []struct {
		eventType string
		handler   string
	}{
		{"charge.completed", "payment_success"},
		{"charge.success", "payment_success"},
		{"charge.failed", "payment_failure"},
		{"transfer.completed", "withdrawal_success"},
		{"transfer.success", "withdrawal_success"},
		{"transfer.failed", "withdrawal_failure"},
	}
	for i, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			dispatcher := &fakeDispatcher{}
			processor, _ := newTestProcessor(dispatcher)
			payload := eventPayload(t, tt.eventType, "evt_route", "ref-9")
			if err := processor.Process(context.Background(), "paystack", "s3cret", payload); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if len(dispatcher.calls) != 1 || dispatcher.calls[0].handler != tt.handler {
				t.Errorf("case %d calls = %+v, want %s", i, dispatcher.calls, tt.handler)
			}
		})
	}
}

func TestSweep_RetriesFailedEvents(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("orchestrator down")}
	processor, store := newTestProcessor(dispatcher)
	ctx := context.Background()
	payload := eventPayload(t, "transfer.failed", "evt_4", "off-1")

	if err := processor.Process(ctx, "paystack", "s3cret", payload); err == nil {
		t.Fatal("dispatch failure should surface")
	}
	events, err := store.ListRetryableWebhookEvents(ctx, 3, 10)
	if err != nil || len(events) != 1 || events[0].RetryCount != 1 {
		t.Fatalf("retryable = %+v, %v", events, err)
	}

	// Downstream recovers; the sweep completes the event.
	dispatcher.err = nil
	processor.Sweep(ctx)
	if len(dispatcher.calls) != 2 {
		t.Errorf("dispatcher calls = %d, want retry", len(dispatcher.calls))
	}
	events, _ = store.ListRetryableWebhookEvents(ctx, 3, 10)
	if len(events) != 0 {
		t.Errorf("events still retryable after sweep: %+v", events)
	}

	// Completed events never re-enter the sweep.
	processor.Sweep(ctx)
	if len(dispatcher.calls) != 2 {
		t.Errorf("sweep re-ran a completed event, calls = %d", len(dispatcher.calls))
	}
}

func TestSweep_RespectsRetryBudget(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("still down")}
	processor, store := newTestProcessor(dispatcher) // budget 3
	ctx := context.Background()
	payload := eventPayload(t, "charge.failed", "evt_5", "tx-5")

	if err := processor.Process(ctx, "paystack", "s3cret", payload); err == nil {
		t.Fatal("dispatch failure should surface")
	}
	// Two sweeps exhaust the budget of 3 attempts.
	processor.Sweep(ctx)
	processor.Sweep(ctx)
	if len(dispatcher.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(dispatcher.calls))
	}
	events, _ := store.ListRetryableWebhookEvents(ctx, 3, 10)
	if len(events) != 0 {
		t.Errorf("over-budget event still retryable: %+v", events)
	}
	processor.Sweep(ctx)
	if len(dispatcher.calls) != 3 {
		t.Errorf("sweep ran an exhausted event, calls = %d", len(dispatcher.calls))
	}
}
