package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/support/render/problem"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

const (
	testSystemWallet = "GA7QYNF7SOWQ3GLR2BGMZEHXAVIRZA4KVWLTJJFC7MGXUA74P7UJVSGZ"
	testIssuer       = "GBEMHRY2PI73BHCAHISGINEMRTXWQDGBJPBPJEOURB7FZ7QCSSXBCEKF"
	testUserWallet   = "GCKFBEIYTKP6RCZX6LRRJEWQBVZ5W2JHRNQSJ5CSM6WCRB2LKQ4MJDBB"
)

type fakeHorizon struct {
	txs      map[string]hProtocol.Transaction
	txErr    map[string]error
	page     operations.OperationsPage
	listErr  error
	txCalls  int
	cursorIn string
}

func (f *fakeHorizon) GetTransactionByHash(_ context.Context, hash string) (hProtocol.Transaction, error) {
	f.txCalls++
	if err, ok := f.txErr[hash]; ok {
		return hProtocol.Transaction{}, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return hProtocol.Transaction{}, notFoundErr()
	}
	return tx, nil
}

func (f *fakeHorizon) ListAccountPayments(_ context.Context, _, cursor string, _ int) (operations.OperationsPage, error) {
	f.cursorIn = cursor
	if f.listErr != nil {
		return operations.OperationsPage{}, f.listErr
	}
	return f.page, nil
}

func notFoundErr() error {
	return &horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/not_found",
		Title:  "Resource Missing",
		Status: 404,
	}}
}

func newTestMonitor(horizon *fakeHorizon) (*Monitor, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	cfg := config.MonitorConfig{MaxRetries: 2}
	chain := config.StellarConfig{
		AssetCode:    "cNGN",
		AssetIssuer:  testIssuer,
		SystemWallet: testSystemWallet,
	}
	return New(cfg, chain, store, horizon, nil), store
}

func seedPending(t *testing.T, store *storage.MemoryStore, id string, metadata map[string]any) storage.Transaction {
	t.Helper()
	tx := storage.Transaction{
		ID:            id,
		Type:          storage.TypeOnramp,
		FromAmount:    decimal.NewFromInt(10000),
		ToAmount:      decimal.NewFromInt(9850),
		CNGNAmount:    decimal.NewFromInt(9850),
		FromCurrency:  "NGN",
		ToCurrency:    "cNGN",
		WalletAddress: testUserWallet,
		Status:        storage.StatusPending,
		Metadata:      metadata,
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

func seedAwaitingDeposit(t *testing.T, store *storage.MemoryStore, id string) storage.Transaction {
	t.Helper()
	tx := storage.Transaction{
		ID:            id,
		Type:          storage.TypeOfframp,
		FromAmount:    decimal.NewFromInt(9850),
		ToAmount:      decimal.NewFromInt(9700),
		CNGNAmount:    decimal.NewFromInt(9850),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: testUserWallet,
		Status:        storage.StatusPendingPayment,
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

// eventLogged reports whether a synthetic ledger event exists by probing the
// dedupe log: a second insert under the same key returns created=false.
func eventLogged(t *testing.T, store *storage.MemoryStore, eventID string) bool {
	t.Helper()
	created, _, err := store.LogWebhookEvent(context.Background(), storage.WebhookEvent{
		Provider: "stellar",
		EventID:  eventID,
		Payload:  []byte("{}"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return !created
}

func TestPollPending_ConfirmsOnLedgerSuccess(t *testing.T) {
	horizon := &fakeHorizon{txs: map[string]hProtocol.Transaction{
		"abc123": {Hash: "abc123", Successful: true, Ledger: 512},
	}}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	seedPending(t, store, "tx-confirm", map[string]any{storage.MetaSubmittedHash: "abc123"})

	mon.PollPending(ctx)

	row, err := store.GetTransaction(ctx, "tx-confirm")
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want completed", row.Status)
	}
	if row.BlockchainTxHash != "abc123" {
		t.Errorf("blockchain hash = %q", row.BlockchainTxHash)
	}
	if row.MetaInt("confirmed_ledger") != 512 {
		t.Errorf("confirmed_ledger = %v", row.Metadata["confirmed_ledger"])
	}
	if !eventLogged(t, store, "abc123") {
		t.Error("confirmed event not recorded")
	}
}

func TestPollPending_TransientErrorsKeepTheRow(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not on ledger yet", notFoundErr()},
		{"horizon unreachable", errors.New("dial tcp: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			horizon := &fakeHorizon{txErr: map[string]error{"abc123": tt.err}}
			mon, store := newTestMonitor(horizon)
			ctx := context.Background()
			seedPending(t, store, "tx-wait", map[string]any{storage.MetaSubmittedHash: "abc123"})

			mon.PollPending(ctx)

			row, _ := store.GetTransaction(ctx, "tx-wait")
			if row.Status != storage.StatusPending {
				t.Errorf("status = %s, want pending", row.Status)
			}
			if row.MetaInt(storage.MetaRetryCount) != 0 {
				t.Errorf("transient error consumed retry budget: %v", row.Metadata)
			}
		})
	}
}

func TestPollPending_RetryableErrorSchedulesBackoff(t *testing.T) {
	horizon := &fakeHorizon{txErr: map[string]error{
		"abc123": errors.New("horizon rejected envelope with tx_bad_seq"),
	}}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	seedPending(t, store, "tx-retry", map[string]any{storage.MetaSubmittedHash: "abc123"})

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-retry")
	if row.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", row.Status)
	}
	if row.MetaInt(storage.MetaRetryCount) != 1 {
		t.Errorf("retry_count = %d, want 1", row.MetaInt(storage.MetaRetryCount))
	}
	if row.MetaTime(storage.MetaLastRetryAt).IsZero() {
		t.Error("last_retry_at not stamped")
	}

	// The next cycle lands inside the backoff window and skips Horizon.
	calls := horizon.txCalls
	mon.PollPending(ctx)
	if horizon.txCalls != calls {
		t.Errorf("polled inside the backoff window, calls %d -> %d", calls, horizon.txCalls)
	}
}

func TestPollPending_SubmissionCodeOnLookupConsumesBudget(t *testing.T) {
	// A structured Horizon 400 carrying a submission result code cannot mean
	// "not confirmed yet" on a read; it must count against the retry budget
	// instead of parking the row forever.
	badSeq := &horizonclient.Error{Problem: problem.P{
		Status: 400,
		Extras: map[string]interface{}{
			"result_codes": map[string]interface{}{"transaction": "tx_bad_seq"},
		},
	}}
	horizon := &fakeHorizon{txErr: map[string]error{"abc123": badSeq}}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	seedPending(t, store, "tx-lookup", map[string]any{storage.MetaSubmittedHash: "abc123"})

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-lookup")
	if row.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", row.Status)
	}
	if row.MetaInt(storage.MetaRetryCount) != 1 {
		t.Errorf("retry_count = %d, want 1", row.MetaInt(storage.MetaRetryCount))
	}
}

func TestPollPending_LedgerFailureIsTerminal(t *testing.T) {
	horizon := &fakeHorizon{txs: map[string]hProtocol.Transaction{
		"abc123": {Hash: "abc123", Successful: false, Ledger: 600},
	}}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	seedPending(t, store, "tx-fail", map[string]any{storage.MetaSubmittedHash: "abc123"})

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-fail")
	if row.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if row.MetaInt(storage.MetaRetryCount) != 3 {
		t.Errorf("final retry_count = %d, want max+1", row.MetaInt(storage.MetaRetryCount))
	}
	if !eventLogged(t, store, "tx-fail") {
		t.Error("failed event not recorded")
	}
}

func TestPollPending_RetryBudgetExhausted(t *testing.T) {
	horizon := &fakeHorizon{txErr: map[string]error{
		"abc123": errors.New("horizon rejected envelope with tx_bad_seq"),
	}}
	mon, store := newTestMonitor(horizon) // MaxRetries 2
	ctx := context.Background()
	seedPending(t, store, "tx-budget", map[string]any{
		storage.MetaSubmittedHash: "abc123",
		storage.MetaRetryCount:    2,
		storage.MetaLastRetryAt:   time.Now().Add(-time.Hour).Format(time.RFC3339Nano),
	})

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-budget")
	if row.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed after budget", row.Status)
	}
}

func TestPollPending_DeadlineOverridesRetries(t *testing.T) {
	horizon := &fakeHorizon{}
	store := storage.NewMemoryStore()
	mon := New(config.MonitorConfig{
		RetryTimeout: config.Duration{Duration: time.Nanosecond},
	}, config.StellarConfig{SystemWallet: testSystemWallet}, store, horizon, nil)
	ctx := context.Background()
	seedPending(t, store, "tx-deadline", map[string]any{storage.MetaSubmittedHash: "abc123"})

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-deadline")
	if row.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if horizon.txCalls != 0 {
		t.Errorf("deadline row still hit horizon %d times", horizon.txCalls)
	}
}

func TestPollPending_MissingHashIsSkipped(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	seedPending(t, store, "tx-nohash", nil)

	mon.PollPending(ctx)

	row, _ := store.GetTransaction(ctx, "tx-nohash")
	if row.Status != storage.StatusPending {
		t.Errorf("status = %s, want pending", row.Status)
	}
	if horizon.txCalls != 0 {
		t.Errorf("hashless row hit horizon %d times", horizon.txCalls)
	}
}

func inboundPayment(opID, pagingToken, hash, to, assetCode, issuer, amount string, joined *hProtocol.Transaction) operations.Payment {
	return operations.Payment{
		Base: operations.Base{
			ID:                    opID,
			PT:                    pagingToken,
			Type:                  "payment",
			TransactionSuccessful: true,
			TransactionHash:       hash,
			Transaction:           joined,
		},
		Asset:  base.Asset{Type: "credit_alphanum4", Code: assetCode, Issuer: issuer},
		From:   testUserWallet,
		To:     to,
		Amount: amount,
	}
}

func TestScanInbound_MatchesDepositByMemo(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	tx := seedAwaitingDeposit(t, store, "11111111-2222-3333-4444-555566667777")

	memo := storage.MemoRef(tx.ID)
	horizon.page.Embedded.Records = []operations.Operation{
		inboundPayment("op-1", "cursor-1", "dep-hash", testSystemWallet, "cNGN", testIssuer, "9850.0000000",
			&hProtocol.Transaction{Hash: "dep-hash", Memo: memo, Ledger: 99, Successful: true}),
	}

	mon.ScanInbound(ctx)

	row, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != storage.StatusCNGNReceived {
		t.Fatalf("status = %s, want cngn_received", row.Status)
	}
	if row.BlockchainTxHash != "dep-hash" {
		t.Errorf("blockchain hash = %q", row.BlockchainTxHash)
	}
	if row.MetaString(storage.MetaReceivedAmount) != "9850.0000000" {
		t.Errorf("received_amount = %q", row.MetaString(storage.MetaReceivedAmount))
	}
	if row.MetaString(storage.MetaReceivedHash) != "dep-hash" {
		t.Errorf("received_hash = %q", row.MetaString(storage.MetaReceivedHash))
	}
	cursor, err := store.GetCursor(ctx, "stellar_inbound_payments")
	if err != nil || cursor != "cursor-1" {
		t.Errorf("cursor = %q, %v", cursor, err)
	}
}

func TestScanInbound_FetchesMemoWhenNotJoined(t *testing.T) {
	horizon := &fakeHorizon{txs: map[string]hProtocol.Transaction{}}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	tx := seedAwaitingDeposit(t, store, "11111111-2222-3333-4444-555566667777")
	horizon.txs["dep-hash"] = hProtocol.Transaction{
		Hash: "dep-hash", Memo: storage.MemoRef(tx.ID), Ledger: 42, Successful: true,
	}

	horizon.page.Embedded.Records = []operations.Operation{
		inboundPayment("op-2", "cursor-2", "dep-hash", testSystemWallet, "cNGN", testIssuer, "9850.0000000", nil),
	}

	mon.ScanInbound(ctx)

	row, _ := store.GetTransaction(ctx, tx.ID)
	if row.Status != storage.StatusCNGNReceived {
		t.Errorf("status = %s, want cngn_received", row.Status)
	}
	if row.MetaInt(storage.MetaReceivedLedger) != 42 {
		t.Errorf("received_ledger = %v", row.Metadata[storage.MetaReceivedLedger])
	}
}

func TestScanInbound_UnmatchedDepositRecordsEvent(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()

	horizon.page.Embedded.Records = []operations.Operation{
		inboundPayment("op-3", "cursor-3", "stray-hash", testSystemWallet, "cNGN", testIssuer, "500.0000000",
			&hProtocol.Transaction{Hash: "stray-hash", Memo: "no-such-ref", Ledger: 7, Successful: true}),
	}

	mon.ScanInbound(ctx)

	if !eventLogged(t, store, "op-3") {
		t.Error("unmatched deposit left no event")
	}
	cursor, _ := store.GetCursor(ctx, "stellar_inbound_payments")
	if cursor != "cursor-3" {
		t.Errorf("cursor = %q, want cursor-3", cursor)
	}
}

func TestScanInbound_IgnoresForeignRecords(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	tx := seedAwaitingDeposit(t, store, "11111111-2222-3333-4444-555566667777")
	memo := storage.MemoRef(tx.ID)
	joined := &hProtocol.Transaction{Hash: "h", Memo: memo, Ledger: 1, Successful: true}

	outgoing := inboundPayment("op-4", "c-4", "h", testUserWallet, "cNGN", testIssuer, "1", joined)
	wrongAsset := inboundPayment("op-5", "c-5", "h", testSystemWallet, "USDC", testIssuer, "1", joined)
	wrongIssuer := inboundPayment("op-6", "c-6", "h", testSystemWallet, "cNGN", testUserWallet, "1", joined)
	failed := inboundPayment("op-7", "c-7", "h", testSystemWallet, "cNGN", testIssuer, "1", joined)
	failed.TransactionSuccessful = false
	horizon.page.Embedded.Records = []operations.Operation{outgoing, wrongAsset, wrongIssuer, failed}

	mon.ScanInbound(ctx)

	row, _ := store.GetTransaction(ctx, tx.ID)
	if row.Status != storage.StatusPendingPayment {
		t.Errorf("status = %s, foreign records must not match", row.Status)
	}
	// The cursor still advances past records we do not care about.
	cursor, _ := store.GetCursor(ctx, "stellar_inbound_payments")
	if cursor != "c-7" {
		t.Errorf("cursor = %q, want c-7", cursor)
	}
}

func TestScanInbound_SecondScanDoesNotRematch(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	tx := seedAwaitingDeposit(t, store, "11111111-2222-3333-4444-555566667777")
	memo := storage.MemoRef(tx.ID)
	horizon.page.Embedded.Records = []operations.Operation{
		inboundPayment("op-8", "cursor-8", "dep-hash", testSystemWallet, "cNGN", testIssuer, "9850.0000000",
			&hProtocol.Transaction{Hash: "dep-hash", Memo: memo, Ledger: 5, Successful: true}),
	}

	mon.ScanInbound(ctx)
	// Horizon replays the page (cursor write raced, say). The row already
	// moved to cngn_received, so the replay is a no-op.
	mon.ScanInbound(ctx)

	row, _ := store.GetTransaction(ctx, tx.ID)
	if row.Status != storage.StatusCNGNReceived {
		t.Errorf("status = %s after replay", row.Status)
	}
}

func TestScanInbound_ResumesFromStoredCursor(t *testing.T) {
	horizon := &fakeHorizon{}
	mon, store := newTestMonitor(horizon)
	ctx := context.Background()
	if err := store.SetCursor(ctx, "stellar_inbound_payments", "12345"); err != nil {
		t.Fatal(err)
	}

	mon.ScanInbound(ctx)

	if horizon.cursorIn != "12345" {
		t.Errorf("scan started from %q, want stored cursor", horizon.cursorIn)
	}
}
