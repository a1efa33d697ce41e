package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/money"
)

const paystackDefaultBaseURL = "https://api.paystack.co"

// Paystack collects NGN deposits and pushes NUBAN bank transfers. Amounts on
// the wire are kobo (minor units); webhooks are signed with HMAC-SHA512 of
// the raw body under the secret key.
type Paystack struct {
	cfg  config.ProviderCredentials
	rest *restClient
	ngn  money.Asset
}

// NewPaystack builds the adapter. rest carries the shared HTTP client,
// breaker, and metrics.
func NewPaystack(cfg config.ProviderCredentials, rest *restClient) *Paystack {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paystackDefaultBaseURL
	}
	return &Paystack{cfg: cfg, rest: rest, ngn: money.MustGetAsset("NGN")}
}

func (p *Paystack) Name() string { return "paystack" }

func (p *Paystack) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.SecretKey}
}

type paystackEnvelope struct {
	Status  bool         `json:"status"`
	Message string       `json:"message"`
	Data    paystackData `json:"data"`
}

type paystackData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"` // kobo
	Currency         string `json:"currency"`
	RecipientCode    string `json:"recipient_code"`
	TransferCode     string `json:"transfer_code"`
	GatewayResponse  string `json:"gateway_response"`
}

// InitiatePayment starts a hosted checkout; the transaction id doubles as the
// provider reference so webhooks correlate without a lookup table.
func (p *Paystack) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	kobo, err := money.ToMinorUnits(req.Amount, p.ngn)
	if err != nil {
		return PaymentSession{}, apperrors.Wrap(apperrors.ErrCodeInvalidAmount, "paystack: amount", err)
	}
	body := map[string]any{
		"email":     req.Email,
		"amount":    kobo,
		"reference": req.TransactionID,
		"currency":  "NGN",
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if req.Method != "" {
		body["channels"] = []string{paystackChannel(req.Method)}
	}

	var resp paystackEnvelope
	err = p.rest.doJSON(ctx, "initiate_payment", http.MethodPost,
		p.cfg.BaseURL+"/transaction/initialize", p.authHeaders(), body, &resp)
	if err != nil {
		return PaymentSession{}, err
	}
	if !resp.Status {
		return PaymentSession{}, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"paystack: initialize rejected: %s", resp.Message)
	}
	return PaymentSession{
		Provider:         p.Name(),
		Reference:        resp.Data.Reference,
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
	}, nil
}

// VerifyPayment is idempotent; an unknown reference comes back as a
// non-retryable provider error from the 404.
func (p *Paystack) VerifyPayment(ctx context.Context, reference string) (StatusResult, error) {
	var resp paystackEnvelope
	err := p.rest.doJSON(ctx, "verify_payment", http.MethodGet,
		p.cfg.BaseURL+"/transaction/verify/"+reference, p.authHeaders(), nil, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Status:    paystackStatus(resp.Data.Status),
		Reference: resp.Data.Reference,
		Amount:    money.FromMinorUnits(resp.Data.Amount, p.ngn),
		Currency:  strings.ToUpper(resp.Data.Currency),
		Message:   resp.Data.GatewayResponse,
	}, nil
}

// ProcessWithdrawal creates a transfer recipient then pushes the transfer.
// The recipient call is idempotent on Paystack's side for identical details.
func (p *Paystack) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	kobo, err := money.ToMinorUnits(req.Amount, p.ngn)
	if err != nil {
		return WithdrawalResult{}, apperrors.Wrap(apperrors.ErrCodeInvalidAmount, "paystack: amount", err)
	}

	var recipient paystackEnvelope
	err = p.rest.doJSON(ctx, "create_recipient", http.MethodPost,
		p.cfg.BaseURL+"/transferrecipient", p.authHeaders(), map[string]any{
			"type":           "nuban",
			"name":           req.AccountName,
			"account_number": req.AccountNumber,
			"bank_code":      req.BankCode,
			"currency":       "NGN",
		}, &recipient)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if !recipient.Status || recipient.Data.RecipientCode == "" {
		return WithdrawalResult{}, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"paystack: recipient rejected: %s", recipient.Message)
	}

	var transfer paystackEnvelope
	err = p.rest.doJSON(ctx, "process_withdrawal", http.MethodPost,
		p.cfg.BaseURL+"/transfer", p.authHeaders(), map[string]any{
			"source":    "balance",
			"amount":    kobo,
			"recipient": recipient.Data.RecipientCode,
			"reference": req.TransactionID,
			"reason":    req.Narration,
		}, &transfer)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if !transfer.Status {
		return WithdrawalResult{}, apperrors.Newf(apperrors.ErrCodePaymentProviderError,
			"paystack: transfer rejected: %s", transfer.Message)
	}
	reference := transfer.Data.Reference
	if reference == "" {
		reference = req.TransactionID
	}
	return WithdrawalResult{
		Provider:  p.Name(),
		Reference: reference,
		Status:    paystackStatus(transfer.Data.Status),
	}, nil
}

// GetPaymentStatus polls an outbound transfer by reference.
func (p *Paystack) GetPaymentStatus(ctx context.Context, reference string) (StatusResult, error) {
	var resp paystackEnvelope
	err := p.rest.doJSON(ctx, "transfer_status", http.MethodGet,
		p.cfg.BaseURL+"/transfer/verify/"+reference, p.authHeaders(), nil, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Status:    paystackStatus(resp.Data.Status),
		Reference: resp.Data.Reference,
		Amount:    money.FromMinorUnits(resp.Data.Amount, p.ngn),
		Currency:  strings.ToUpper(resp.Data.Currency),
		Message:   resp.Data.GatewayResponse,
	}, nil
}

// VerifyWebhook checks the x-paystack-signature header: hex HMAC-SHA512 of
// the raw body under the secret key.
func (p *Paystack) VerifyWebhook(payload []byte, signature string) bool {
	if p.cfg.SecretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// ParseWebhookEvent normalizes a Paystack webhook document.
func (p *Paystack) ParseWebhookEvent(payload []byte) (Event, error) {
	var doc struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64  `json:"id"`
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
			Currency  string `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Event{}, fmt.Errorf("paystack: decode webhook: %w", err)
	}
	if doc.Event == "" {
		return Event{}, fmt.Errorf("paystack: webhook missing event type")
	}

	eventID := doc.Event + ":" + doc.Data.Reference
	if doc.Data.ID != 0 {
		eventID = strconv.FormatInt(doc.Data.ID, 10)
	}
	return Event{
		Provider:  p.Name(),
		EventID:   eventID,
		Type:      doc.Event,
		Reference: doc.Data.Reference,
		Status:    paystackStatus(doc.Data.Status),
		Amount:    money.FromMinorUnits(doc.Data.Amount, p.ngn),
		Currency:  strings.ToUpper(doc.Data.Currency),
	}, nil
}

func paystackStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "abandoned":
		return StatusCancelled
	case "reversed":
		return StatusReversed
	case "pending", "ongoing", "otp", "pausing":
		return StatusProcessing
	case "":
		return StatusUnknown
	default:
		return StatusPending
	}
}

func paystackChannel(method string) string {
	switch method {
	case "bank_transfer":
		return "bank_transfer"
	case "ussd":
		return "ussd"
	default:
		return "card"
	}
}
