package httpserver

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/rates"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// NUBAN account numbers are exactly ten digits.
var nubanPattern = regexp.MustCompile(`^\d{10}$`)

type offrampRequest struct {
	Amount        string `json:"amount"` // cNGN the caller will deposit
	WalletAddress string `json:"wallet_address"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// createOfframp opens a cash-out: prices the cNGN deposit, records the bank
// coordinates, and returns deposit instructions. The inbound scan matches the
// deposit by memo and the offramp worker carries the row to the bank payout.
func (h handlers) createOfframp(w http.ResponseWriter, r *http.Request) {
	var req offrampRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	if !strkey.IsValidEd25519PublicKey(req.WalletAddress) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidWalletAddress,
			"wallet_address is not a valid Stellar account")
		return
	}
	if req.BankCode == "" || req.AccountName == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField,
			"bank_code and account_name are required")
		return
	}
	if !nubanPattern.MatchString(req.AccountNumber) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField,
			"account_number must be a 10-digit NUBAN")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount,
			"amount must be a positive decimal")
		return
	}

	conv, err := h.rates.CalculateConversion(r.Context(), "cNGN", "NGN", amount, rates.DirectionSell)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	netNGN, err := decimal.NewFromString(conv.NetAmount)
	if err != nil || !netNGN.IsPositive() {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeAmountTooLow,
			"fees exceed the deposit amount")
		return
	}

	row := h.newDepositRow(storage.TypeOfframp, req.WalletAddress, amount, netNGN)
	row.Metadata[storage.MetaBankCode] = req.BankCode
	row.Metadata[storage.MetaAccountNumber] = req.AccountNumber
	row.Metadata[storage.MetaAccountName] = req.AccountName

	if err := h.store.CreateTransaction(r.Context(), row); err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	h.observeCreated(row)

	writeJSON(w, http.StatusCreated, depositInstructionsResponse(row, h.cfg, conv, map[string]any{
		"bank_code":      req.BankCode,
		"account_number": req.AccountNumber,
		"account_name":   req.AccountName,
		"amount_ngn":     netNGN.String(),
	}))
}

// getTransaction serves the status view for one row.
func (h handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.store.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeTransactionNotFound,
				"transaction "+id+" not found")
			return
		}
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// newDepositRow builds a pending_payment row for a cNGN deposit flow. The
// deposit memo is derived from the fresh id before the row is stored.
func (h handlers) newDepositRow(txType storage.TransactionType, wallet string, amountCNGN, netNGN decimal.Decimal) storage.Transaction {
	id := uuid.NewString()
	now := time.Now().UTC()
	return storage.Transaction{
		ID:            id,
		Type:          txType,
		FromAmount:    amountCNGN,
		ToAmount:      netNGN,
		CNGNAmount:    amountCNGN,
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: wallet,
		Status:        storage.StatusPendingPayment,
		Metadata: map[string]any{
			storage.MetaDepositRef: storage.MemoRef(id),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (h handlers) observeCreated(row storage.Transaction) {
	if h.metrics == nil {
		return
	}
	amount, _ := row.FromAmount.Float64()
	h.metrics.ObserveTransaction(string(row.Type), "", row.FromCurrency, amount)
}

// depositInstructionsResponse is the created-row reply: where to send the
// cNGN, the memo that correlates it, and the pricing the caller accepted.
func depositInstructionsResponse(row storage.Transaction, cfg *config.Config, conv rates.Conversion, details map[string]any) map[string]any {
	ttl := cfg.Offramp.PendingTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	assetCode := cfg.Stellar.AssetCode
	if assetCode == "" {
		assetCode = "cNGN"
	}
	return map[string]any{
		"transaction_id": row.ID,
		"type":           row.Type,
		"status":         row.Status,
		"deposit": map[string]any{
			"wallet":       cfg.Stellar.SystemWallet,
			"memo":         row.MetaString(storage.MetaDepositRef),
			"asset_code":   assetCode,
			"asset_issuer": cfg.Stellar.AssetIssuer,
			"amount":       row.FromAmount.String(),
		},
		"payout":     details,
		"conversion": conv,
		"expires_at": row.CreatedAt.Add(ttl),
	}
}
