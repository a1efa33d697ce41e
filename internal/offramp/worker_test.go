package offramp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

const testUserWallet = "GCKFBEIYTKP6RCZX6LRRJEWQBVZ5W2JHRNQSJ5CSM6WCRB2LKQ4MJDBB"

type fakeRail struct {
	name        string
	withdrawErr error
	reference   string
	pollStatus  providers.Status
	pollErr     error

	withdrawals []providers.WithdrawalRequest
	polls       int
}

func (f *fakeRail) Name() string { return f.name }

func (f *fakeRail) InitiatePayment(_ context.Context, _ providers.PaymentRequest) (providers.PaymentSession, error) {
	return providers.PaymentSession{}, errors.New("not implemented")
}

func (f *fakeRail) VerifyPayment(_ context.Context, _ string) (providers.StatusResult, error) {
	return providers.StatusResult{}, errors.New("not implemented")
}

func (f *fakeRail) ProcessWithdrawal(_ context.Context, req providers.WithdrawalRequest) (providers.WithdrawalResult, error) {
	f.withdrawals = append(f.withdrawals, req)
	if f.withdrawErr != nil {
		return providers.WithdrawalResult{}, f.withdrawErr
	}
	return providers.WithdrawalResult{Provider: f.name, Reference: f.reference, Status: providers.StatusPending}, nil
}

func (f *fakeRail) GetPaymentStatus(_ context.Context, _ string) (providers.StatusResult, error) {
	f.polls++
	if f.pollErr != nil {
		return providers.StatusResult{}, f.pollErr
	}
	return providers.StatusResult{Status: f.pollStatus}, nil
}

func (f *fakeRail) VerifyWebhook(_ []byte, _ string) bool { return false }

func (f *fakeRail) ParseWebhookEvent(_ []byte) (providers.Event, error) {
	return providers.Event{}, errors.New("not implemented")
}

type fakeChain struct {
	order []providers.PaymentProvider
}

func (c *fakeChain) WithdrawalOrder() []providers.PaymentProvider { return c.order }

func (c *fakeChain) Get(name string) (providers.PaymentProvider, error) {
	for _, p := range c.order {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errors.New("unknown provider")
}

type fakeRefunder struct {
	hash      string
	buildErr  error
	submitErr error
	submits   int
}

func (f *fakeRefunder) Build(_ context.Context, _ string, _ decimal.Decimal, _ string) (string, string, error) {
	if f.buildErr != nil {
		return "", "", f.buildErr
	}
	return "AAAA-envelope", f.hash, nil
}

func (f *fakeRefunder) Submit(_ context.Context, _ string) error {
	f.submits++
	return f.submitErr
}

func newTestWorker(chain *fakeChain, refunder Refunder) (*Worker, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewWorker(config.OfframpConfig{}, store, chain, refunder, nil), store
}

func seedOfframp(t *testing.T, store *storage.MemoryStore, id string, status storage.TransactionStatus, metadata map[string]any) storage.Transaction {
	t.Helper()
	tx := storage.Transaction{
		ID:            id,
		Type:          storage.TypeOfframp,
		FromAmount:    decimal.NewFromInt(10000),
		ToAmount:      decimal.NewFromInt(9800),
		CNGNAmount:    decimal.NewFromInt(10000),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: testUserWallet,
		Status:        status,
		Metadata:      metadata,
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

func bankDetails(received string) map[string]any {
	return map[string]any{
		storage.MetaReceivedAmount: received,
		storage.MetaBankCode:       "058",
		storage.MetaAccountNumber:  "0123456789",
		storage.MetaAccountName:    "ADA OBI",
	}
}

func getTx(t *testing.T, store *storage.MemoryStore, id string) storage.Transaction {
	t.Helper()
	tx, err := store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestRunCycle_HappyPath(t *testing.T) {
	rail := &fakeRail{name: "paystack", reference: "trf_001", pollStatus: providers.StatusSuccess}
	chain := &fakeChain{order: []providers.PaymentProvider{rail}}
	worker, store := newTestWorker(chain, &fakeRefunder{hash: "refhash"})
	ctx := context.Background()
	seedOfframp(t, store, "off-1", storage.StatusCNGNReceived, bankDetails("10000"))

	worker.RunCycle(ctx) // verify
	if got := getTx(t, store, "off-1").Status; got != storage.StatusProcessingWithdrawal {
		t.Fatalf("after verify status = %s", got)
	}

	worker.RunCycle(ctx) // withdraw
	row := getTx(t, store, "off-1")
	if row.Status != storage.StatusTransferPending {
		t.Fatalf("after withdraw status = %s", row.Status)
	}
	if row.PaymentProvider != "paystack" || row.PaymentReference != "trf_001" {
		t.Errorf("session = %q/%q", row.PaymentProvider, row.PaymentReference)
	}
	if row.MetaString(storage.MetaProviderReference) != "trf_001" {
		t.Errorf("provider_reference metadata = %q", row.MetaString(storage.MetaProviderReference))
	}
	if len(rail.withdrawals) != 1 {
		t.Fatalf("withdrawal calls = %d", len(rail.withdrawals))
	}
	req := rail.withdrawals[0]
	if req.BankCode != "058" || req.AccountNumber != "0123456789" || !req.Amount.Equal(decimal.NewFromInt(9800)) {
		t.Errorf("withdrawal request = %+v", req)
	}

	worker.RunCycle(ctx) // transfer poll
	if got := getTx(t, store, "off-1").Status; got != storage.StatusCompleted {
		t.Errorf("final status = %s", got)
	}
	if rail.polls != 1 {
		t.Errorf("status polls = %d", rail.polls)
	}
}

func TestBillPayment_UsesUpstreamFields(t *testing.T) {
	rail := &fakeRail{name: "vtpass", reference: "bill_001", pollStatus: providers.StatusSuccess}
	chain := &fakeChain{order: []providers.PaymentProvider{rail}}
	worker, store := newTestWorker(chain, nil)
	ctx := context.Background()
	tx := storage.Transaction{
		ID:            "bill-1",
		Type:          storage.TypeBillPayment,
		FromAmount:    decimal.NewFromInt(5000),
		ToAmount:      decimal.NewFromInt(4950),
		CNGNAmount:    decimal.NewFromInt(5000),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: testUserWallet,
		Status:        storage.StatusProcessingWithdrawal,
		Metadata: map[string]any{
			storage.MetaBillerService: "mtn",
			storage.MetaCustomerRef:   "08030000000",
		},
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	worker.RunCycle(ctx)

	if len(rail.withdrawals) != 1 {
		t.Fatalf("withdrawal calls = %d", len(rail.withdrawals))
	}
	req := rail.withdrawals[0]
	if req.ServiceID != "mtn" || req.CustomerRef != "08030000000" {
		t.Errorf("bill request = %+v", req)
	}
	if got := getTx(t, store, "bill-1").Status; got != storage.StatusTransferPending {
		t.Errorf("status = %s", got)
	}
}

func TestVerify_AmountMismatchRefunds(t *testing.T) {
	refunder := &fakeRefunder{hash: "refund-hash"}
	worker, store := newTestWorker(&fakeChain{}, refunder)
	ctx := context.Background()
	seedOfframp(t, store, "off-2", storage.StatusCNGNReceived, bankDetails("9999"))

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-2")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s, want refund_initiated", row.Status)
	}
	if row.MetaString(storage.MetaRefundReason) != "amount_mismatch" {
		t.Errorf("refund_reason = %q", row.MetaString(storage.MetaRefundReason))
	}

	// Next cycle runs the refund stage.
	worker.RunCycle(ctx)
	row = getTx(t, store, "off-2")
	if row.Status != storage.StatusRefunded {
		t.Fatalf("status = %s, want refunded", row.Status)
	}
	if row.MetaString(storage.MetaRefundTxHash) != "refund-hash" {
		t.Errorf("refund_tx_hash = %q", row.MetaString(storage.MetaRefundTxHash))
	}
	if refunder.submits != 1 {
		t.Errorf("submits = %d", refunder.submits)
	}
}

func TestWithdraw_AllDeclinedRefunds(t *testing.T) {
	primary := &fakeRail{name: "paystack", withdrawErr: errors.New("account resolution failed")}
	backup := &fakeRail{name: "flutterwave", withdrawErr: errors.New("transfer declined")}
	worker, store := newTestWorker(&fakeChain{order: []providers.PaymentProvider{primary, backup}}, nil)
	ctx := context.Background()
	seedOfframp(t, store, "off-3", storage.StatusProcessingWithdrawal, bankDetails("10000"))

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-3")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s", row.Status)
	}
	if row.MetaString(storage.MetaRefundReason) != "withdrawal_declined" {
		t.Errorf("refund_reason = %q", row.MetaString(storage.MetaRefundReason))
	}
	if len(primary.withdrawals) != 1 || len(backup.withdrawals) != 1 {
		t.Errorf("both providers should be tried: %d/%d", len(primary.withdrawals), len(backup.withdrawals))
	}
}

func TestWithdraw_RetryableErrorRidesThePollLoop(t *testing.T) {
	rail := &fakeRail{
		name: "paystack",
		withdrawErr: apperrors.New(apperrors.ErrCodePaymentProviderError, "provider 503").WithRetryable(true),
		reference: "trf_002",
	}
	worker, store := newTestWorker(&fakeChain{order: []providers.PaymentProvider{rail}}, nil)
	ctx := context.Background()
	seedOfframp(t, store, "off-4", storage.StatusProcessingWithdrawal, bankDetails("10000"))

	worker.RunCycle(ctx)
	if got := getTx(t, store, "off-4").Status; got != storage.StatusProcessingWithdrawal {
		t.Fatalf("retryable decline moved the row to %s", got)
	}

	// The rail recovers on the next cycle.
	rail.withdrawErr = nil
	worker.RunCycle(ctx)
	if got := getTx(t, store, "off-4").Status; got != storage.StatusTransferPending {
		t.Errorf("status = %s after recovery", got)
	}
}

func TestWithdraw_MissingBankDetailsRefunds(t *testing.T) {
	rail := &fakeRail{name: "paystack", reference: "trf_003"}
	worker, store := newTestWorker(&fakeChain{order: []providers.PaymentProvider{rail}}, nil)
	ctx := context.Background()
	seedOfframp(t, store, "off-5", storage.StatusProcessingWithdrawal, map[string]any{
		storage.MetaReceivedAmount: "10000",
	})

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-5")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s", row.Status)
	}
	if row.MetaString(storage.MetaRefundReason) != "missing_bank_details" {
		t.Errorf("refund_reason = %q", row.MetaString(storage.MetaRefundReason))
	}
	if len(rail.withdrawals) != 0 {
		t.Errorf("unpayable row reached the provider")
	}
}

func TestTransfer_TerminalFailureRefunds(t *testing.T) {
	rail := &fakeRail{name: "paystack", pollStatus: providers.StatusReversed}
	worker, store := newTestWorker(&fakeChain{order: []providers.PaymentProvider{rail}}, nil)
	ctx := context.Background()
	seedOfframp(t, store, "off-6", storage.StatusTransferPending, bankDetails("10000"))
	if err := store.SetProviderSession(ctx, "off-6", "paystack", "trf_004"); err != nil {
		t.Fatal(err)
	}

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-6")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s", row.Status)
	}
	if !strings.HasPrefix(row.MetaString(storage.MetaRefundReason), "transfer_failed") {
		t.Errorf("refund_reason = %q", row.MetaString(storage.MetaRefundReason))
	}
}

func TestTransfer_InFlightStatusLeavesRow(t *testing.T) {
	rail := &fakeRail{name: "paystack", pollStatus: providers.StatusProcessing}
	worker, store := newTestWorker(&fakeChain{order: []providers.PaymentProvider{rail}}, nil)
	ctx := context.Background()
	seedOfframp(t, store, "off-7", storage.StatusTransferPending, bankDetails("10000"))
	if err := store.SetProviderSession(ctx, "off-7", "paystack", "trf_005"); err != nil {
		t.Fatal(err)
	}

	worker.RunCycle(ctx)

	if got := getTx(t, store, "off-7").Status; got != storage.StatusTransferPending {
		t.Errorf("status = %s, want transfer_pending", got)
	}
}

func TestTransfer_DeadlineRefunds(t *testing.T) {
	rail := &fakeRail{name: "paystack", pollStatus: providers.StatusProcessing}
	store := storage.NewMemoryStore()
	worker := NewWorker(config.OfframpConfig{
		RetryTimeout: config.Duration{Duration: time.Minute},
	}, store, &fakeChain{order: []providers.PaymentProvider{rail}}, nil, nil)
	ctx := context.Background()
	tx := storage.Transaction{
		ID:            "off-8",
		Type:          storage.TypeOfframp,
		FromAmount:    decimal.NewFromInt(10000),
		ToAmount:      decimal.NewFromInt(9800),
		CNGNAmount:    decimal.NewFromInt(10000),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: testUserWallet,
		Status:        storage.StatusTransferPending,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-8")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s", row.Status)
	}
	if row.MetaString(storage.MetaRefundReason) != "transfer_timeout" {
		t.Errorf("refund_reason = %q", row.MetaString(storage.MetaRefundReason))
	}
	if rail.polls != 0 {
		t.Errorf("expired transfer still polled the provider")
	}
}

func TestRefund_BuildFailureIsFatal(t *testing.T) {
	refunder := &fakeRefunder{buildErr: errors.New("invalid destination account")}
	worker, store := newTestWorker(&fakeChain{}, refunder)
	ctx := context.Background()
	seedOfframp(t, store, "off-9", storage.StatusRefundInitiated, nil)

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-9")
	if row.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if refunder.submits != 0 {
		t.Errorf("failed build still submitted %d times", refunder.submits)
	}
}

func TestRefund_RetryableSubmitRequeues(t *testing.T) {
	refunder := &fakeRefunder{hash: "refund-hash", submitErr: errors.New("timeout awaiting horizon")}
	worker, store := newTestWorker(&fakeChain{}, refunder)
	ctx := context.Background()
	seedOfframp(t, store, "off-10", storage.StatusRefundInitiated, nil)

	worker.RunCycle(ctx)

	row := getTx(t, store, "off-10")
	if row.Status != storage.StatusRefundInitiated {
		t.Fatalf("status = %s, want refund_initiated for retry", row.Status)
	}
	// The hash is durable even though submission failed.
	if row.MetaString(storage.MetaRefundTxHash) != "refund-hash" {
		t.Errorf("refund_tx_hash = %q", row.MetaString(storage.MetaRefundTxHash))
	}

	refunder.submitErr = nil
	worker.RunCycle(ctx)
	if got := getTx(t, store, "off-10").Status; got != storage.StatusRefunded {
		t.Errorf("status = %s after recovery", got)
	}
}

func TestRefund_NonRetryableSubmitFails(t *testing.T) {
	refunder := &fakeRefunder{hash: "refund-hash", submitErr: errors.New("op_no_trust")}
	worker, store := newTestWorker(&fakeChain{}, refunder)
	ctx := context.Background()
	seedOfframp(t, store, "off-11", storage.StatusRefundInitiated, nil)

	worker.RunCycle(ctx)

	if got := getTx(t, store, "off-11").Status; got != storage.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestSweepExpired(t *testing.T) {
	worker, store := newTestWorker(&fakeChain{}, nil)
	ctx := context.Background()

	stale := storage.Transaction{
		ID:            "off-old",
		Type:          storage.TypeOfframp,
		FromAmount:    decimal.NewFromInt(10000),
		ToAmount:      decimal.NewFromInt(9800),
		CNGNAmount:    decimal.NewFromInt(10000),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: testUserWallet,
		Status:        storage.StatusPendingPayment,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
	}
	if err := store.CreateTransaction(ctx, stale); err != nil {
		t.Fatal(err)
	}
	seedOfframp(t, store, "off-fresh", storage.StatusPendingPayment, nil)

	worker.SweepExpired(ctx)

	if got := getTx(t, store, "off-old").Status; got != storage.StatusExpired {
		t.Errorf("stale row status = %s, want expired", got)
	}
	if got := getTx(t, store, "off-fresh").Status; got != storage.StatusPendingPayment {
		t.Errorf("fresh row status = %s, want pending_payment", got)
	}
}
