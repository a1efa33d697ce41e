package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
)

// feeTierPayload is the wire shape of a fee tier. Decimals travel as strings;
// optional bounds are omitted when absent.
type feeTierPayload struct {
	ID                 string `json:"id,omitempty"`
	TransactionType    string `json:"transaction_type"`
	Provider           string `json:"provider,omitempty"`
	Method             string `json:"method,omitempty"`
	MinAmount          string `json:"min_amount,omitempty"`
	MaxAmount          string `json:"max_amount,omitempty"`
	ProviderFeePercent string `json:"provider_fee_percent"`
	ProviderFeeFlat    string `json:"provider_fee_flat"`
	ProviderFeeCap     string `json:"provider_fee_cap,omitempty"`
	PlatformFeePercent string `json:"platform_fee_percent"`
	EffectiveFrom      string `json:"effective_from,omitempty"`
	EffectiveUntil     string `json:"effective_until,omitempty"`
	Active             bool   `json:"active"`
}

func tierToPayload(tier fees.FeeTier) feeTierPayload {
	p := feeTierPayload{
		ID:                 tier.ID,
		TransactionType:    tier.TransactionType,
		Provider:           tier.Provider,
		Method:             tier.Method,
		ProviderFeePercent: tier.ProviderFeePercent.String(),
		ProviderFeeFlat:    tier.ProviderFeeFlat.String(),
		PlatformFeePercent: tier.PlatformFeePercent.String(),
		Active:             tier.Active,
	}
	if tier.MinAmount != nil {
		p.MinAmount = tier.MinAmount.String()
	}
	if tier.MaxAmount != nil {
		p.MaxAmount = tier.MaxAmount.String()
	}
	if tier.ProviderFeeCap != nil {
		p.ProviderFeeCap = tier.ProviderFeeCap.String()
	}
	if tier.EffectiveFrom != nil {
		p.EffectiveFrom = tier.EffectiveFrom.Format(time.RFC3339)
	}
	if tier.EffectiveUntil != nil {
		p.EffectiveUntil = tier.EffectiveUntil.Format(time.RFC3339)
	}
	return p
}

// getFees serves the fee structure. Three query shapes: bare for the full
// tier table, ?amount&type for one calculation (provider and method narrow
// the tier match), ?compare=p1,p2 with amount and type for a side-by-side.
func (h handlers) getFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("amount") == "" && q.Get("compare") == "" {
		tiers, err := h.fees.ListTiers(r.Context())
		if err != nil {
			apperrors.WriteAppError(w, err)
			return
		}
		payload := make([]feeTierPayload, 0, len(tiers))
		for _, tier := range tiers {
			payload = append(payload, tierToPayload(tier))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tiers": payload})
		return
	}

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidAmount, "amount must be a decimal")
		return
	}
	txType := q.Get("type")
	if txType == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "type is required")
		return
	}

	if compare := q.Get("compare"); compare != "" {
		providers := strings.Split(compare, ",")
		breakdowns, err := h.fees.Compare(r.Context(), txType, amount, providers)
		if err != nil {
			apperrors.WriteAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comparison": breakdowns})
		return
	}

	breakdown, err := h.fees.Calculate(r.Context(), fees.Request{
		TransactionType: txType,
		Amount:          amount,
		Provider:        q.Get("provider"),
		Method:          q.Get("method"),
	})
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}
