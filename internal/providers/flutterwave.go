package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
)

const flutterwaveDefaultBaseURL = "https://api.flutterwave.com/v3"

// Flutterwave is the second NGN rail. Unlike Paystack it quotes amounts in
// major units and authenticates webhooks with a static verif-hash header.
type Flutterwave struct {
	cfg  config.ProviderCredentials
	rest *restClient
}

func NewFlutterwave(cfg config.ProviderCredentials, rest *restClient) *Flutterwave {
	if cfg.BaseURL == "" {
		cfg.BaseURL = flutterwaveDefaultBaseURL
	}
	return &Flutterwave{cfg: cfg, rest: rest}
}

func (f *Flutterwave) Name() string { return "flutterwave" }

func (f *Flutterwave) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.cfg.SecretKey}
}

type flutterwaveEnvelope struct {
	Status  string          `json:"status"` // "success" or "error"
	Message string          `json:"message"`
	Data    flutterwaveData `json:"data"`
}

type flutterwaveData struct {
	ID        int64           `json:"id"`
	Link      string          `json:"link"`
	TxRef     string          `json:"tx_ref"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"` // major units
	Currency  string          `json:"currency"`
	Narration string          `json:"narration"`
}

// InitiatePayment creates a hosted payment link.
func (f *Flutterwave) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	body := map[string]any{
		"tx_ref":       req.TransactionID,
		"amount":       req.Amount.String(),
		"currency":     "NGN",
		"redirect_url": req.CallbackURL,
		"customer":     map[string]any{"email": req.Email},
	}
	if req.Method != "" {
		body["payment_options"] = flutterwaveOption(req.Method)
	}

	var resp flutterwaveEnvelope
	err := f.rest.doJSON(ctx, "initiate_payment", http.MethodPost,
		f.cfg.BaseURL+"/payments", f.authHeaders(), body, &resp)
	if err != nil {
		return PaymentSession{}, err
	}
	if resp.Status != "success" {
		return PaymentSession{}, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"flutterwave: payment rejected: %s", resp.Message)
	}
	return PaymentSession{
		Provider:         f.Name(),
		Reference:        req.TransactionID,
		AuthorizationURL: resp.Data.Link,
	}, nil
}

// VerifyPayment looks a collection up by our tx_ref.
func (f *Flutterwave) VerifyPayment(ctx context.Context, reference string) (StatusResult, error) {
	var resp flutterwaveEnvelope
	err := f.rest.doJSON(ctx, "verify_payment", http.MethodGet,
		f.cfg.BaseURL+"/transactions/verify_by_reference?tx_ref="+url.QueryEscape(reference),
		f.authHeaders(), nil, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.Status != "success" {
		return StatusResult{Status: StatusUnknown, Reference: reference, Message: resp.Message}, nil
	}
	return StatusResult{
		Status:    flutterwaveStatus(resp.Data.Status),
		Reference: resp.Data.TxRef,
		Amount:    resp.Data.Amount,
		Currency:  strings.ToUpper(resp.Data.Currency),
		Message:   resp.Message,
	}, nil
}

// ProcessWithdrawal pushes a bank transfer.
func (f *Flutterwave) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	var resp flutterwaveEnvelope
	err := f.rest.doJSON(ctx, "process_withdrawal", http.MethodPost,
		f.cfg.BaseURL+"/transfers", f.authHeaders(), map[string]any{
			"account_bank":   req.BankCode,
			"account_number": req.AccountNumber,
			"amount":         req.Amount.String(),
			"currency":       "NGN",
			"reference":      req.TransactionID,
			"narration":      req.Narration,
		}, &resp)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if resp.Status != "success" {
		return WithdrawalResult{}, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"flutterwave: transfer rejected: %s", resp.Message)
	}
	reference := resp.Data.Reference
	if reference == "" {
		reference = req.TransactionID
	}
	return WithdrawalResult{
		Provider:  f.Name(),
		Reference: reference,
		Status:    flutterwaveStatus(resp.Data.Status),
	}, nil
}

// GetPaymentStatus polls a transfer by our reference.
func (f *Flutterwave) GetPaymentStatus(ctx context.Context, reference string) (StatusResult, error) {
	var resp struct {
		Status  string            `json:"status"`
		Message string            `json:"message"`
		Data    []flutterwaveData `json:"data"`
	}
	err := f.rest.doJSON(ctx, "transfer_status", http.MethodGet,
		f.cfg.BaseURL+"/transfers?reference="+url.QueryEscape(reference),
		f.authHeaders(), nil, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.Status != "success" || len(resp.Data) == 0 {
		return StatusResult{Status: StatusUnknown, Reference: reference, Message: resp.Message}, nil
	}
	transfer := resp.Data[0]
	return StatusResult{
		Status:    flutterwaveStatus(transfer.Status),
		Reference: reference,
		Amount:    transfer.Amount,
		Currency:  strings.ToUpper(transfer.Currency),
		Message:   resp.Message,
	}, nil
}

// VerifyWebhook compares the verif-hash header against the configured secret
// hash. Flutterwave sends a static value, not a body signature.
func (f *Flutterwave) VerifyWebhook(payload []byte, signature string) bool {
	if f.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(f.cfg.WebhookSecret), []byte(signature)) == 1
}

// ParseWebhookEvent normalizes a Flutterwave webhook document.
func (f *Flutterwave) ParseWebhookEvent(payload []byte) (Event, error) {
	var doc struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64           `json:"id"`
			TxRef     string          `json:"tx_ref"`
			Reference string          `json:"reference"`
			Status    string          `json:"status"`
			Amount    decimal.Decimal `json:"amount"`
			Currency  string          `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Event{}, fmt.Errorf("flutterwave: decode webhook: %w", err)
	}
	if doc.Event == "" {
		return Event{}, fmt.Errorf("flutterwave: webhook missing event type")
	}

	reference := doc.Data.TxRef
	if reference == "" {
		reference = doc.Data.Reference
	}
	eventID := doc.Event + ":" + reference
	if doc.Data.ID != 0 {
		eventID = fmt.Sprintf("%d", doc.Data.ID)
	}
	return Event{
		Provider:  f.Name(),
		EventID:   eventID,
		Type:      doc.Event,
		Reference: reference,
		Status:    flutterwaveStatus(doc.Data.Status),
		Amount:    doc.Data.Amount,
		Currency:  strings.ToUpper(doc.Data.Currency),
	}, nil
}

func flutterwaveStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "successful", "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "reversed":
		return StatusReversed
	case "new", "pending":
		return StatusPending
	case "processing", "queued":
		return StatusProcessing
	case "":
		return StatusUnknown
	default:
		return StatusPending
	}
}

func flutterwaveOption(method string) string {
	switch method {
	case "bank_transfer":
		return "banktransfer"
	case "ussd":
		return "ussd"
	default:
		return "card"
	}
}
