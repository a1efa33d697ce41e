package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
)

const vtpassDefaultBaseURL = "https://vtpass.com/api"

// VTPass is the bill aggregator: airtime, data bundles, electricity tokens,
// TV subscriptions. It is withdrawal-only from the orchestrator's point of
// view; ProcessWithdrawal dispatches the purchase and GetPaymentStatus
// requeries it until the aggregator settles.
type VTPass struct {
	cfg  config.VTPassConfig
	rest *restClient
}

func NewVTPass(cfg config.VTPassConfig, rest *restClient) *VTPass {
	if cfg.BaseURL == "" {
		cfg.BaseURL = vtpassDefaultBaseURL
	}
	return &VTPass{cfg: cfg, rest: rest}
}

func (v *VTPass) Name() string { return "vtpass" }

func (v *VTPass) authHeaders() map[string]string {
	return map[string]string{
		"api-key":    v.cfg.APIKey,
		"secret-key": v.cfg.SecretKey,
	}
}

type vtpassResponse struct {
	Code    string `json:"code"`
	Content struct {
		Transactions struct {
			Status        string          `json:"status"`
			ProductName   string          `json:"product_name"`
			Amount        decimal.Decimal `json:"amount"`
			TransactionID string          `json:"transactionId"`
		} `json:"transactions"`
	} `json:"content"`
	ResponseDescription string `json:"response_description"`
	RequestID           string `json:"requestId"`
	Token               string `json:"purchased_code"`
}

// InitiatePayment is not supported; bills are funded from the wallet, not
// collected through the aggregator.
func (v *VTPass) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	return PaymentSession{}, apperrors.New(apperrors.ErrCodePaymentProviderError,
		"vtpass: collections not supported").WithRetryable(false)
}

// VerifyPayment requeries by request id; same surface as GetPaymentStatus.
func (v *VTPass) VerifyPayment(ctx context.Context, reference string) (StatusResult, error) {
	return v.GetPaymentStatus(ctx, reference)
}

// ProcessWithdrawal dispatches a bill purchase. The transaction id is the
// request_id so requery and webhooks correlate.
func (v *VTPass) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	body := map[string]any{
		"request_id":  req.TransactionID,
		"serviceID":   req.ServiceID,
		"billersCode": req.CustomerRef,
		"amount":      req.Amount.String(),
		"phone":       req.CustomerRef,
	}
	if req.VariationCode != "" {
		body["variation_code"] = req.VariationCode
	}

	var resp vtpassResponse
	err := v.rest.doJSON(ctx, "pay_bill", http.MethodPost,
		v.cfg.BaseURL+"/pay", v.authHeaders(), body, &resp)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if resp.Code != "000" {
		return WithdrawalResult{}, vtpassError(resp)
	}
	return WithdrawalResult{
		Provider:  v.Name(),
		Reference: req.TransactionID,
		Status:    vtpassStatus(resp.Content.Transactions.Status),
	}, nil
}

// GetPaymentStatus requeries a dispatched purchase.
func (v *VTPass) GetPaymentStatus(ctx context.Context, reference string) (StatusResult, error) {
	var resp vtpassResponse
	err := v.rest.doJSON(ctx, "requery", http.MethodPost,
		v.cfg.BaseURL+"/requery", v.authHeaders(),
		map[string]any{"request_id": reference}, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.Code != "000" {
		return StatusResult{Status: StatusUnknown, Reference: reference, Message: resp.ResponseDescription}, nil
	}
	return StatusResult{
		Status:    vtpassStatus(resp.Content.Transactions.Status),
		Reference: reference,
		Amount:    resp.Content.Transactions.Amount,
		Currency:  "NGN",
		Message:   resp.ResponseDescription,
	}, nil
}

// VerifyWebhook checks an HMAC-SHA512 hex signature over the raw body.
func (v *VTPass) VerifyWebhook(payload []byte, signature string) bool {
	if v.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(v.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// ParseWebhookEvent normalizes a transaction-update callback.
func (v *VTPass) ParseWebhookEvent(payload []byte) (Event, error) {
	var doc struct {
		Type string `json:"type"`
		Data struct {
			Code    string `json:"code"`
			Content struct {
				Transactions struct {
					Status        string          `json:"status"`
					Amount        decimal.Decimal `json:"amount"`
					TransactionID string          `json:"transactionId"`
				} `json:"transactions"`
			} `json:"content"`
			RequestID string `json:"requestId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Event{}, fmt.Errorf("vtpass: decode webhook: %w", err)
	}
	if doc.Data.RequestID == "" {
		return Event{}, fmt.Errorf("vtpass: webhook missing request id")
	}

	eventType := doc.Type
	if eventType == "" {
		eventType = "transaction-update"
	}
	eventID := doc.Data.Content.Transactions.TransactionID
	if eventID == "" {
		eventID = eventType + ":" + doc.Data.RequestID
	}
	return Event{
		Provider:  v.Name(),
		EventID:   eventID,
		Type:      eventType,
		Reference: doc.Data.RequestID,
		Status:    vtpassStatus(doc.Data.Content.Transactions.Status),
		Amount:    doc.Data.Content.Transactions.Amount,
		Currency:  "NGN",
	}, nil
}

func vtpassError(resp vtpassResponse) error {
	message := fmt.Sprintf("vtpass: code %s: %s", resp.Code, resp.ResponseDescription)
	switch resp.Code {
	case "099": // transaction is processing, requery later
		return apperrors.New(apperrors.ErrCodePaymentProviderError, message).WithRetryable(true)
	case "016": // transaction failed upstream
		return apperrors.New(apperrors.ErrCodePaymentProviderError, message).WithRetryable(false)
	default:
		return apperrors.New(apperrors.ErrCodePaymentProviderError, message).WithRetryable(false)
	}
}

func vtpassStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "delivered":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "reversed":
		return StatusReversed
	case "initiated", "pending":
		return StatusPending
	case "processing":
		return StatusProcessing
	case "":
		return StatusUnknown
	default:
		return StatusProcessing
	}
}
