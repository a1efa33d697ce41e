package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stellar/go/strkey"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
)

// walletBalances serves the XLM and cNGN balances for an account plus its
// trustline state. Clients use this before quoting to know whether a
// trustline prompt is needed.
func (h handlers) walletBalances(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !strkey.IsValidEd25519PublicKey(address) {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidWalletAddress,
			"address is not a valid Stellar account")
		return
	}

	native, err := h.accounts.NativeBalance(r.Context(), address)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	asset, hasTrustline, err := h.accounts.AssetBalance(r.Context(), address)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}

	assetCode := h.cfg.Stellar.AssetCode
	if assetCode == "" {
		assetCode = "cNGN"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": address,
		"balances": map[string]string{
			"XLM":     native.String(),
			assetCode: asset.String(),
		},
		"trustline": map[string]any{
			"asset_code": assetCode,
			"exists":     hasTrustline,
		},
	})
}
