package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/orchestrator"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

type initiatePaymentRequest struct {
	QuoteID     string `json:"quote_id"`
	Email       string `json:"email"`
	Method      string `json:"method,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// initiatePayment starts an onramp: consumes the quote, opens the ledger row,
// and asks the orchestrator for a provider checkout session. The quote id
// doubles as the orchestrator idempotency key, so a client retry that somehow
// slips past the consume guard still replays the same session.
func (h handlers) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.QuoteID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "quote_id is required")
		return
	}

	quote, err := h.quotes.ConsumeQuote(r.Context(), req.QuoteID)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}

	row, err := onrampRow(quote.QuoteID, quote.WalletAddress, quote.AmountNGN, quote.AmountCNGN, req)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	if err := h.store.CreateTransaction(r.Context(), row); err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	h.observeCreated(row)

	session, err := h.orchestrator.InitiatePayment(r.Context(), orchestrator.PaymentInput{
		TransactionID:  row.ID,
		Amount:         row.FromAmount,
		Currency:       row.FromCurrency,
		Method:         req.Method,
		Email:          req.Email,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: quote.QuoteID,
	})
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id": session.TransactionID,
		"quote_id":       quote.QuoteID,
		"amount_ngn":     quote.AmountNGN,
		"amount_cngn":    quote.AmountCNGN,
		"payment":        session,
	})
}

// onrampRow builds the initiated ledger row from a consumed quote. Amounts
// come back from the quote as strings and must parse; a quote that does not
// is a stored-data bug, not caller error.
func onrampRow(quoteID, wallet, amountNGN, amountCNGN string, req initiatePaymentRequest) (storage.Transaction, error) {
	from, err := parseQuoteAmount(amountNGN)
	if err != nil {
		return storage.Transaction{}, err
	}
	to, err := parseQuoteAmount(amountCNGN)
	if err != nil {
		return storage.Transaction{}, err
	}

	now := time.Now().UTC()
	row := storage.Transaction{
		ID:            uuid.NewString(),
		Type:          storage.TypeOnramp,
		FromAmount:    from,
		ToAmount:      to,
		CNGNAmount:    to,
		FromCurrency:  "NGN",
		ToCurrency:    "cNGN",
		WalletAddress: wallet,
		Status:        storage.StatusInitiated,
		Metadata: map[string]any{
			storage.MetaQuoteID: quoteID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Email != "" {
		row.Metadata[storage.MetaCustomerEmail] = req.Email
	}
	if req.Method != "" {
		row.Metadata[storage.MetaPaymentMethod] = req.Method
	}
	return row, nil
}

func parseQuoteAmount(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, apperrors.Wrap(apperrors.ErrCodeInternalError,
			"stored quote amount is not a decimal", err)
	}
	return value, nil
}
