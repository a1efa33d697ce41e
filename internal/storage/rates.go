package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is one observation of a currency pair. The latest row per
// unordered pair is the current rate; every accepted write appends a history
// row, so the table doubles as the audit trail for rate movements.
type ExchangeRate struct {
	ID           string          `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	Source       string          `json:"source"` // Provider name or "manual"
	CreatedAt    time.Time       `json:"created_at"`
}

// invertRate returns 1/rate at a precision wide enough that inverting the
// peg pair round-trips exactly.
func invertRate(rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).DivRound(rate, 16)
}

// ConversionAudit is an immutable snapshot of the rate and fee split used for
// a settled or failed conversion. Rows are append-only.
type ConversionAudit struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	TxType         string          `json:"transaction_type"`
	FromCurrency   string          `json:"from_currency"`
	ToCurrency     string          `json:"to_currency"`
	Amount         decimal.Decimal `json:"amount"`
	Rate           decimal.Decimal `json:"rate"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	ProviderFee    decimal.Decimal `json:"provider_fee"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	TotalFee       decimal.Decimal `json:"total_fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	EffectiveRate  decimal.Decimal `json:"effective_rate"` // Total fee as a percentage of the amount
	FeeTierID      string          `json:"fee_tier_id,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	Outcome        string          `json:"outcome"` // quoted, settled, failed
	CreatedAt      time.Time       `json:"created_at"`
}
