package httpserver

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"

	"github.com/nairabridge/nairabridge-server/internal/billers"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/rates"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// listBillers serves the bill payment catalog, optionally narrowed by
// ?category and ?state.
func (h handlers) listBillers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	catalog, err := h.billers.ListBillers(r.Context(), billers.Filter{
		Category: q.Get("category"),
		State:    q.Get("state"),
	})
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"billers": catalog})
}

type billPaymentRequest struct {
	BillerID      string `json:"biller_id"`
	CustomerRef   string `json:"customer_ref"`
	Amount        string `json:"amount"` // cNGN the caller will deposit
	WalletAddress string `json:"wallet_address"`
	State         string `json:"state,omitempty"`
}

// createBillPayment opens a bill payment: validates the biller and customer
// reference, prices the cNGN deposit, and creates a pending_payment row with
// deposit instructions. The pipeline takes over once the deposit lands.
func (h handlers) createBillPayment(w http.ResponseWriter, r *http.Request) {
	var req billPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.BillerID == "" || req.CustomerRef == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField,
			"biller_id and customer_ref are required")
		return
	}
	if !strkey.IsValidEd25519PublicKey(req.WalletAddress) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidWalletAddress,
			"wallet_address is not a valid Stellar account")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount,
			"amount must be a positive decimal")
		return
	}

	biller, err := h.billers.GetBiller(r.Context(), req.BillerID)
	if err != nil {
		if errors.Is(err, billers.ErrBillerNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeUnknownProvider,
				"unknown biller "+req.BillerID)
			return
		}
		apperrors.WriteAppError(w, err)
		return
	}
	if req.State != "" && !biller.ServesState(req.State) {
		apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeOutOfRange,
			biller.Name+" does not serve "+req.State, "states", biller.States)
		return
	}

	conv, err := h.rates.CalculateConversion(r.Context(), "cNGN", "NGN", amount, rates.DirectionSell)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	netNGN, err := decimal.NewFromString(conv.NetAmount)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "conversion produced a bad amount")
		return
	}
	if err := biller.ValidateAmount(netNGN); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeAmountTooLow, err.Error())
		return
	}

	row := h.newDepositRow(storage.TypeBillPayment, req.WalletAddress, amount, netNGN)
	row.Metadata[storage.MetaBillerSlug] = biller.ID
	row.Metadata[storage.MetaBillerService] = biller.ServiceID
	row.Metadata[storage.MetaCustomerRef] = req.CustomerRef

	if err := h.store.CreateTransaction(r.Context(), row); err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	h.observeCreated(row)

	writeJSON(w, http.StatusCreated, depositInstructionsResponse(row, h.cfg, conv, map[string]any{
		"biller_id":    biller.ID,
		"biller_name":  biller.Name,
		"service_id":   biller.ServiceID,
		"customer_ref": req.CustomerRef,
		"amount_ngn":   netNGN.String(),
	}))
}
