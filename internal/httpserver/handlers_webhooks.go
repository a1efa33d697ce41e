package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/webhooks"
)

// maxWebhookBody caps the inbound payload read. Provider events are small;
// anything past 1 MiB is not a webhook.
const maxWebhookBody = 1 << 20

// signatureHeader returns the header each provider signs its payloads under.
func signatureHeader(provider string) string {
	switch provider {
	case "paystack":
		return "x-paystack-signature"
	case "flutterwave":
		return "verif-hash"
	case "stripe":
		return "Stripe-Signature"
	case "vtpass":
		return "x-vtpass-signature"
	default:
		return "X-Webhook-Signature"
	}
}

// handleProviderWebhook is the inbound webhook intake. The raw body is read
// before anything else because signature verification covers the exact bytes.
// Replays acknowledge with 200 so the provider stops retrying.
func (h handlers) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "read payload")
		return
	}
	r.Body.Close()

	signature := r.Header.Get(signatureHeader(provider))
	if err := h.webhooks.Process(r.Context(), provider, signature, payload); err != nil {
		if errors.Is(err, webhooks.ErrAlreadyProcessed) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "already_processed"})
			return
		}
		apperrors.WriteAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}
