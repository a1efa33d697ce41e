package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/paymentintent"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/nairabridge/nairabridge-server/internal/circuitbreaker"
	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/money"
)

// Stripe is the card rail for diaspora onramps. It collects only; bank
// payouts to NGN accounts go through the local rails, so Stripe never
// appears in the withdrawal order.
type Stripe struct {
	cfg      config.StripeConfig
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	ngn      money.Asset
}

// NewStripe wires the global stripe-go key the way stripe-go expects.
func NewStripe(cfg config.StripeConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Stripe {
	stripeapi.Key = cfg.SecretKey
	return &Stripe{cfg: cfg, breakers: breakers, metrics: m, ngn: money.MustGetAsset("NGN")}
}

func (s *Stripe) Name() string { return "stripe" }

// InitiatePayment creates a PaymentIntent the client confirms with Stripe.js.
func (s *Stripe) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	minor, err := money.ToMinorUnits(req.Amount, s.ngn)
	if err != nil {
		return PaymentSession{}, apperrors.Wrap(apperrors.ErrCodeInvalidAmount, "stripe: amount", err)
	}
	currency, err := s.ngn.GetStripeCurrency()
	if err != nil {
		return PaymentSession{}, apperrors.Wrap(apperrors.ErrCodePaymentProviderError, "stripe: currency", err)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(minor),
		Currency: stripeapi.String(currency),
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", req.TransactionID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.Email != "" {
		params.ReceiptEmail = stripeapi.String(req.Email)
	}

	intent, err := s.call("initiate_payment", func() (interface{}, error) {
		return paymentintent.New(params)
	})
	if err != nil {
		return PaymentSession{}, wrapStripeError("create payment intent", err)
	}
	pi := intent.(*stripeapi.PaymentIntent)
	return PaymentSession{
		Provider:     s.Name(),
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
	}, nil
}

// VerifyPayment fetches the PaymentIntent by id.
func (s *Stripe) VerifyPayment(ctx context.Context, reference string) (StatusResult, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	intent, err := s.call("verify_payment", func() (interface{}, error) {
		return paymentintent.Get(reference, params)
	})
	if err != nil {
		return StatusResult{}, wrapStripeError("get payment intent", err)
	}
	pi := intent.(*stripeapi.PaymentIntent)
	return StatusResult{
		Status:    stripeStatus(string(pi.Status)),
		Reference: pi.ID,
		Amount:    money.FromMinorUnits(pi.Amount, s.ngn),
		Currency:  strings.ToUpper(string(pi.Currency)),
	}, nil
}

// ProcessWithdrawal is not supported on the card rail.
func (s *Stripe) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	return WithdrawalResult{}, apperrors.New(apperrors.ErrCodePaymentProviderError,
		"stripe: withdrawals not supported").WithRetryable(false)
}

// GetPaymentStatus mirrors VerifyPayment; Stripe has one lookup surface.
func (s *Stripe) GetPaymentStatus(ctx context.Context, reference string) (StatusResult, error) {
	return s.VerifyPayment(ctx, reference)
}

// VerifyWebhook validates the Stripe-Signature header.
func (s *Stripe) VerifyWebhook(payload []byte, signature string) bool {
	_, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	return err == nil
}

// ParseWebhookEvent normalizes a Stripe event document.
func (s *Stripe) ParseWebhookEvent(payload []byte) (Event, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("stripe: decode webhook: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, fmt.Errorf("stripe: webhook missing id or type")
	}
	if event.Data == nil {
		return Event{}, fmt.Errorf("stripe: webhook missing data object")
	}

	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Event{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}

	reference := pi.ID
	if txID := pi.Metadata["transaction_id"]; txID != "" {
		reference = txID
	}
	return Event{
		Provider:  s.Name(),
		EventID:   event.ID,
		Type:      event.Type,
		Reference: reference,
		Status:    stripeEventStatus(event.Type, string(pi.Status)),
		Amount:    money.FromMinorUnits(pi.Amount, s.ngn),
		Currency:  strings.ToUpper(string(pi.Currency)),
	}, nil
}

func (s *Stripe) call(operation string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	var (
		result interface{}
		err    error
	)
	if s.breakers != nil {
		result, err = s.breakers.Execute(circuitbreaker.ServiceProviderAPI, fn)
	} else {
		result, err = fn()
	}
	if s.metrics != nil {
		s.metrics.ObserveProviderCall(s.Name(), operation, time.Since(start), err)
	}
	return result, err
}

func wrapStripeError(message string, err error) error {
	if stripeErr, ok := err.(*stripeapi.Error); ok {
		retryable := stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500
		code := apperrors.ErrCodePaymentProviderError
		if stripeErr.HTTPStatusCode == 429 {
			code = apperrors.ErrCodeRateLimit
		}
		return apperrors.Wrap(code, "stripe: "+message, err).WithRetryable(retryable)
	}
	return apperrors.Wrap(apperrors.ErrCodePaymentProviderError, "stripe: "+message, err).WithRetryable(true)
}

func stripeStatus(raw string) Status {
	switch raw {
	case "succeeded":
		return StatusSuccess
	case "processing":
		return StatusProcessing
	case "canceled":
		return StatusCancelled
	case "requires_payment_method", "requires_confirmation", "requires_action", "requires_capture":
		return StatusPending
	case "":
		return StatusUnknown
	default:
		return StatusPending
	}
}

// stripeEventStatus prefers the event type over the embedded intent status:
// payment_failed events carry a requires_payment_method intent.
func stripeEventStatus(eventType, intentStatus string) Status {
	switch eventType {
	case "payment_intent.succeeded":
		return StatusSuccess
	case "payment_intent.payment_failed":
		return StatusFailed
	case "payment_intent.canceled":
		return StatusCancelled
	}
	return stripeStatus(intentStatus)
}
