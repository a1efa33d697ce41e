package storage

import (
	"encoding/json"
	"time"
)

// NotificationStatus is the delivery state of an outbound notification.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"    // Waiting for delivery
	NotificationProcessing NotificationStatus = "processing" // Claimed by the delivery worker
	NotificationSuccess    NotificationStatus = "success"    // Delivered (2xx)
	NotificationFailed     NotificationStatus = "failed"     // Retries exhausted (DLQ)
)

// NotificationJob is a durable outbound delivery row. Jobs survive restarts;
// the delivery worker dequeues by next_attempt_at and backs off exponentially.
type NotificationJob struct {
	ID            string             `json:"id"`
	URL           string             `json:"url"`
	Payload       json.RawMessage    `json:"payload"`
	Headers       map[string]string  `json:"headers,omitempty"`
	EventType     string             `json:"event_type"`
	Status        NotificationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	MaxAttempts   int                `json:"max_attempts"`
	LastError     string             `json:"last_error,omitempty"`
	LastAttemptAt time.Time          `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// IsReadyForDelivery reports whether the job should be attempted now.
func (j NotificationJob) IsReadyForDelivery(now time.Time) bool {
	if j.Status != NotificationPending {
		return false
	}
	return j.NextAttemptAt.IsZero() || !now.Before(j.NextAttemptAt)
}
