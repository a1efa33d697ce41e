package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies which pipeline a transaction rides.
type TransactionType string

const (
	TypeOnramp      TransactionType = "onramp"       // NGN deposit -> cNGN payout
	TypeOfframp     TransactionType = "offramp"      // cNGN deposit -> NGN bank payout
	TypeBillPayment TransactionType = "bill_payment" // cNGN deposit -> bill upstream
)

// TransactionStatus is the transaction state machine position. Status values
// are stable strings: they appear in the database, API responses, and metrics.
type TransactionStatus string

const (
	// Shared lifecycle
	StatusInitiated TransactionStatus = "initiated" // Row created, no provider session yet
	StatusCompleted TransactionStatus = "completed" // Terminal success
	StatusFailed    TransactionStatus = "failed"    // Terminal failure (operator attention)
	StatusExpired   TransactionStatus = "expired"   // Terminal; deposit never arrived

	// Onramp lifecycle
	StatusPendingPayment TransactionStatus = "pending_payment" // Waiting for fiat deposit (onramp) or cNGN deposit (offramp/bill)
	StatusPending        TransactionStatus = "pending"         // cNGN payout submitted, awaiting ledger confirmation
	StatusProcessing     TransactionStatus = "processing"      // Deposit received, payout being drafted/submitted

	// Offramp / bill payment lifecycle
	StatusCNGNReceived         TransactionStatus = "cngn_received"         // Inbound cNGN matched by memo
	StatusVerifyingAmount      TransactionStatus = "verifying_amount"      // On-ledger amount under verification
	StatusProcessingWithdrawal TransactionStatus = "processing_withdrawal" // Bank payout being initiated
	StatusTransferPending      TransactionStatus = "transfer_pending"      // Bank payout in flight

	// Refund lifecycle
	StatusRefundInitiated TransactionStatus = "refund_initiated" // Failure decided, refund queued
	StatusRefunding       TransactionStatus = "refunding"        // Refund payment being built/submitted
	StatusRefunded        TransactionStatus = "refunded"         // Terminal; cNGN returned to the user
)

// transitions is the complete set of permitted status moves. Everything not
// listed here is rejected; refund_initiated is additionally reachable from
// every non-terminal state (see ValidTransition).
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated:            {StatusPendingPayment, StatusFailed, StatusExpired},
	StatusPendingPayment:       {StatusProcessing, StatusCNGNReceived, StatusCompleted, StatusExpired, StatusFailed},
	StatusProcessing:           {StatusPending, StatusCompleted, StatusFailed},
	StatusPending:              {StatusCompleted, StatusFailed},
	StatusCNGNReceived:         {StatusVerifyingAmount},
	StatusVerifyingAmount:      {StatusProcessingWithdrawal},
	StatusProcessingWithdrawal: {StatusTransferPending, StatusFailed},
	StatusTransferPending:      {StatusCompleted, StatusFailed},
	StatusRefundInitiated:      {StatusRefunding, StatusFailed},
	StatusRefunding:            {StatusRefunded, StatusFailed},
}

// IsTerminal reports whether a status permits no further status writes.
// Terminal rows may still have metadata enriched with post-hoc observations.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a permitted status move.
func ValidTransition(from, to TransactionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	// Any non-terminal state may bail into the refund path.
	if to == StatusRefundInitiated {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata keys written by the workers. The monitor reads submission hashes in
// the order listed by HashMetadataKeys.
const (
	MetaSubmittedHash   = "submitted_hash"
	MetaStellarTxHash   = "stellar_tx_hash"
	MetaTransactionHash = "transaction_hash"
	MetaHash            = "hash"

	MetaRetryCount  = "retry_count"
	MetaLastRetryAt = "last_retry_at"

	MetaDepositRef     = "deposit_ref"     // Memo the user attaches to the cNGN deposit
	MetaReceivedAmount = "received_amount" // On-ledger amount observed by the inbound scan
	MetaReceivedHash   = "received_hash"
	MetaReceivedLedger = "received_ledger"

	MetaBankCode      = "bank_code"
	MetaAccountNumber = "account_number"
	MetaAccountName   = "account_name"

	MetaBillerSlug    = "biller_slug"
	MetaBillerService = "biller_service_id"
	MetaCustomerRef   = "customer_ref" // Meter / smartcard / phone number at the biller

	MetaProviderReference = "provider_reference"
	MetaProviderResponse  = "provider_response"
	MetaQuoteID           = "quote_id"
	MetaPaymentMethod     = "payment_method"
	MetaCustomerEmail     = "customer_email"

	MetaRefundReason = "refund_reason"
	MetaRefundTxHash = "refund_tx_hash"
	MetaRefundLedger = "refund_ledger"
)

// HashMetadataKeys is the preference order for locating the submitted Stellar
// transaction hash in metadata.
var HashMetadataKeys = []string{MetaSubmittedHash, MetaStellarTxHash, MetaTransactionHash, MetaHash}

// Transaction is the central ledger row. The ID doubles as the cross-system
// correlation reference; amounts are arbitrary-precision decimals end-to-end.
type Transaction struct {
	ID               string            `json:"transaction_id"`
	Type             TransactionType   `json:"type"`
	FromAmount       decimal.Decimal   `json:"from_amount"`
	ToAmount         decimal.Decimal   `json:"to_amount"`
	CNGNAmount       decimal.Decimal   `json:"cngn_amount"`
	FromCurrency     string            `json:"from_currency"`
	ToCurrency       string            `json:"to_currency"`
	WalletAddress    string            `json:"wallet_address"`
	PaymentProvider  string            `json:"payment_provider,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	BlockchainTxHash string            `json:"blockchain_tx_hash,omitempty"`
	Status           TransactionStatus `json:"status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// MemoRefLength is how many characters of the canonical UUID fit in a Stellar
// text memo alongside the "REF-" refund prefix (28-byte memo limit).
const MemoRefLength = 24

// MemoRef returns the deposit correlation memo for a transaction id: the
// first 24 characters of the canonical UUID string.
func MemoRef(transactionID string) string {
	if len(transactionID) <= MemoRefLength {
		return transactionID
	}
	return transactionID[:MemoRefLength]
}

// RefundMemo returns the memo attached to a refund payment: "REF-" plus the
// deposit ref, exactly 28 bytes for a full UUID.
func RefundMemo(transactionID string) string {
	return "REF-" + MemoRef(transactionID)
}

// MetaString reads a metadata value as a string, tolerating absent keys and
// non-string values written by other serializers.
func (t *Transaction) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	switch v := t.Metadata[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

// MetaInt reads a metadata counter, tolerating the numeric types JSON and
// BSON decoders produce.
func (t *Transaction) MetaInt(key string) int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaTime reads an RFC3339 timestamp from metadata, zero time when absent or
// malformed.
func (t *Transaction) MetaTime(key string) time.Time {
	raw := t.MetaString(key)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// SubmittedHash returns the Stellar submission hash recorded in metadata,
// checking keys in preference order.
func (t *Transaction) SubmittedHash() string {
	for _, key := range HashMetadataKeys {
		if h := t.MetaString(key); h != "" {
			return h
		}
	}
	return ""
}
