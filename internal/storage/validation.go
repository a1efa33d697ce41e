package storage

import (
	"errors"
	"fmt"
	"time"
)

// validateAndPrepareTransaction checks row invariants before the first write
// and stamps timestamps. Every backend runs this on CreateTransaction so a
// bad row never reaches the database.
func validateAndPrepareTransaction(tx *Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction id is required")
	}
	switch tx.Type {
	case TypeOnramp, TypeOfframp, TypeBillPayment:
	default:
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	if !tx.FromAmount.IsPositive() {
		return fmt.Errorf("from_amount must be positive, got %s", tx.FromAmount)
	}
	if !tx.ToAmount.IsPositive() {
		return fmt.Errorf("to_amount must be positive, got %s", tx.ToAmount)
	}
	if !tx.CNGNAmount.IsPositive() {
		return fmt.Errorf("cngn_amount must be positive, got %s", tx.CNGNAmount)
	}
	if tx.FromCurrency == "" || tx.ToCurrency == "" {
		return errors.New("from_currency and to_currency are required")
	}
	if tx.WalletAddress == "" {
		return errors.New("wallet_address is required")
	}
	if tx.Status == "" {
		tx.Status = StatusInitiated
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	if tx.Metadata == nil {
		tx.Metadata = make(map[string]any)
	}
	// Stamp the deposit correlation memo at creation so instructions shown to
	// the user and the inbound scan agree on the encoding.
	if tx.Type != TypeOnramp {
		if _, ok := tx.Metadata[MetaDepositRef]; !ok {
			tx.Metadata[MetaDepositRef] = MemoRef(tx.ID)
		}
	}
	return nil
}

// mergeMetadata applies patch over base, returning the merged document.
// Patch values replace base values key by key; nested documents are replaced
// wholesale, matching the server-side jsonb || merge.
func mergeMetadata(base, patch map[string]any) map[string]any {
	if base == nil && patch == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
