// Package providers holds the NGN rail and bill upstream adapters behind one
// PaymentProvider contract. Adapters normalize provider-specific statuses and
// webhook payloads so the orchestrator never sees raw provider shapes.
package providers

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the normalized payment/transfer status across all providers.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusReversed   Status = "reversed"
	StatusUnknown    Status = "unknown"
)

// IsTerminal reports whether a provider status permits no further polling.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// PaymentRequest describes an onramp collection to initiate.
type PaymentRequest struct {
	TransactionID string
	Amount        decimal.Decimal // NGN major units
	Currency      string
	Email         string
	Method        string // card, bank_transfer, ussd
	CallbackURL   string
	Metadata      map[string]string
}

// PaymentSession is the provider's handle for a started collection.
type PaymentSession struct {
	Provider         string
	Reference        string
	AuthorizationURL string // Redirect/checkout URL when the rail uses one
	AccessCode       string // Provider-specific continuation token
	ClientSecret     string // Card rails that confirm client-side
}

// StatusResult is a normalized verification or status-poll answer.
type StatusResult struct {
	Status    Status
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Message   string // Provider's human-readable status detail
}

// WithdrawalRequest describes a bank payout or bill purchase.
type WithdrawalRequest struct {
	TransactionID string
	Amount        decimal.Decimal // NGN major units
	Currency      string
	BankCode      string
	AccountNumber string
	AccountName   string
	Narration     string

	// Bill payment fields (vtpass flavor)
	ServiceID     string // Aggregator service id (mtn, dstv, ...)
	CustomerRef   string // Meter / smartcard / phone number
	VariationCode string
}

// WithdrawalResult is the provider's handle for a started payout.
type WithdrawalResult struct {
	Provider  string
	Reference string
	Status    Status
}

// Event is a normalized inbound webhook event.
type Event struct {
	Provider  string
	EventID   string
	Type      string // charge.success, charge.failed, transfer.completed, transfer.failed, ...
	Reference string
	Status    Status
	Amount    decimal.Decimal
	Currency  string
}

// PaymentProvider is the contract every rail adapter satisfies. VerifyPayment
// is idempotent and tolerates unknown references; VerifyWebhook must compare
// in constant time.
type PaymentProvider interface {
	Name() string
	InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error)
	VerifyPayment(ctx context.Context, reference string) (StatusResult, error)
	ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error)
	GetPaymentStatus(ctx context.Context, reference string) (StatusResult, error)
	VerifyWebhook(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte) (Event, error)
}
