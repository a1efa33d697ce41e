package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

type updateRateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rate string `json:"rate"`
}

// adminUpdateRate writes a manual rate override. Peg deviation validation
// lives in the engine; rejected writes come back as INVALID_RATE.
func (h handlers) adminUpdateRate(w http.ResponseWriter, r *http.Request) {
	var req updateRateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidRate, "rate must be a decimal")
		return
	}
	updated, err := h.rates.UpdateRate(r.Context(), req.From, req.To, rate, "manual")
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	h.logger.Info().Str("from", updated.FromCurrency).Str("to", updated.ToCurrency).
		Str("rate", updated.Rate.String()).Msg("admin.rate_updated")
	writeJSON(w, http.StatusOK, updated)
}

// adminUpsertFeeTier creates or replaces a fee tier and drops the fee
// engine's candidate cache.
func (h handlers) adminUpsertFeeTier(w http.ResponseWriter, r *http.Request) {
	var req feeTierPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, err)
		return
	}
	tier, err := payloadToTier(req)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	if err := h.fees.UpsertTier(r.Context(), tier); err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	h.logger.Info().Str("tier_id", tier.ID).Str("type", tier.TransactionType).
		Msg("admin.fee_tier_upserted")
	writeJSON(w, http.StatusOK, tierToPayload(tier))
}

// adminRequeueNotification resets a dead-lettered notification job so the
// delivery worker picks it up again.
func (h handlers) adminRequeueNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RequeueNotification(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeTransactionNotFound,
				"notification "+id+" not found")
			return
		}
		apperrors.WriteAppError(w, err)
		return
	}
	h.logger.Info().Str("notification_id", id).Msg("admin.notification_requeued")
	writeJSON(w, http.StatusOK, map[string]any{"notification_id": id, "status": "pending"})
}

// payloadToTier parses the wire tier into the engine type. Required decimals
// must parse; optional bounds and windows may be absent.
func payloadToTier(p feeTierPayload) (fees.FeeTier, error) {
	if p.TransactionType == "" {
		return fees.FeeTier{}, apperrors.New(apperrors.ErrCodeMissingField,
			"transaction_type is required")
	}
	tier := fees.FeeTier{
		ID:              p.ID,
		TransactionType: p.TransactionType,
		Provider:        p.Provider,
		Method:          p.Method,
		Active:          p.Active,
	}
	if tier.ID == "" {
		tier.ID = uuid.NewString()
	}

	var err error
	if tier.ProviderFeePercent, err = requiredDecimal("provider_fee_percent", p.ProviderFeePercent); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.ProviderFeeFlat, err = requiredDecimal("provider_fee_flat", p.ProviderFeeFlat); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.PlatformFeePercent, err = requiredDecimal("platform_fee_percent", p.PlatformFeePercent); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.MinAmount, err = optionalDecimal("min_amount", p.MinAmount); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.MaxAmount, err = optionalDecimal("max_amount", p.MaxAmount); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.ProviderFeeCap, err = optionalDecimal("provider_fee_cap", p.ProviderFeeCap); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.EffectiveFrom, err = optionalTime("effective_from", p.EffectiveFrom); err != nil {
		return fees.FeeTier{}, err
	}
	if tier.EffectiveUntil, err = optionalTime("effective_until", p.EffectiveUntil); err != nil {
		return fees.FeeTier{}, err
	}
	return tier, nil
}

func requiredDecimal(field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, apperrors.Newf(apperrors.ErrCodeInvalidAmount,
			"%s must be a decimal", field)
	}
	return value, nil
}

func optionalDecimal(field, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidAmount,
			"%s must be a decimal", field)
	}
	return &value, nil
}

func optionalTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeOutOfRange,
			"%s must be RFC3339", field)
	}
	return &value, nil
}
