package httpserver

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/quotes"
)

type onrampQuoteRequest struct {
	AmountNGN     string `json:"amount_ngn"`
	WalletAddress string `json:"wallet_address"`
	Provider      string `json:"provider,omitempty"`
	Method        string `json:"method,omitempty"`
	Chain         string `json:"chain,omitempty"`
}

type quoteResponse struct {
	quotes.Quote
	ExpiresIn int64 `json:"expires_in"`
}

// createOnrampQuote prices an NGN deposit and reserves the quote for its TTL.
func (h handlers) createOnrampQuote(w http.ResponseWriter, r *http.Request) {
	var req onrampQuoteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.AmountNGN)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount,
			"amount_ngn must be a decimal")
		return
	}

	quote, err := h.quotes.CreateQuote(r.Context(), quotes.Request{
		AmountNGN:     amount,
		WalletAddress: req.WalletAddress,
		Provider:      req.Provider,
		Method:        req.Method,
		Chain:         req.Chain,
	})
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quoteResponse{
		Quote:     quote,
		ExpiresIn: quote.ExpiresIn(time.Now().UTC()),
	})
}
