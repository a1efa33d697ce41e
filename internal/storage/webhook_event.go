package storage

import "time"

// WebhookEventStatus is the processing state of an inbound provider webhook.
type WebhookEventStatus string

const (
	WebhookEventPending   WebhookEventStatus = "pending"   // Logged, not yet dispatched
	WebhookEventCompleted WebhookEventStatus = "completed" // Dispatched successfully; the dedupe ledger of record
	WebhookEventFailed    WebhookEventStatus = "failed"    // Last dispatch failed; eligible for the retry sweep
)

// WebhookEvent is the deduplication record for inbound provider webhooks.
/// (Provider, EventID) is the unique key: a given event is processed
// successfully at most once, and the row's move to completed is what makes
// replays safe.
type WebhookEvent struct {
	Provider   string             `json:"provider"`
	EventID    string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	Payload    []byte             `json:"payload"`
	Signature  string             `json:"signature,omitempty"`
	Status     WebhookEventStatus `json:"status"`
	RetryCount int                `json:"retry_count"`
	LastError  string             `json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
