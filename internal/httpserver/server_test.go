package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/billers"
	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/idempotency"
	"github.com/nairabridge/nairabridge-server/internal/kvstore"
	"github.com/nairabridge/nairabridge-server/internal/orchestrator"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/quotes"
	"github.com/nairabridge/nairabridge-server/internal/rates"
	"github.com/nairabridge/nairabridge-server/internal/storage"
	"github.com/nairabridge/nairabridge-server/internal/webhooks"
)

const (
	testSystemWallet       = "GA7QYNF7SOWQ3GLR2BGMZEHXAVIRZA4KVWLTJJFC7MGXUA74P7UJVSGZ"
	testDistributionWallet = "GBEMHRY2PI73BHCAHISGINEMRTXWQDGBJPBPJEOURB7FZ7QCSSXBCEKF"
	testUserWallet         = "GABQUEIYD4TC2NB3IJEVAV26MVWHG6UBRCHZNHNEVOZLTQGHZ3K5YMUR"
	testAdminKey           = "admin-secret"
	testWebhookSig         = "valid-sig"
)

// fakeAccounts serves both the wallet endpoints and the quote service's
// liquidity view.
type fakeAccounts struct {
	native    map[string]decimal.Decimal
	asset     map[string]decimal.Decimal
	trustline map[string]bool
}

func (f *fakeAccounts) NativeBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	return f.native[accountID], nil
}

func (f *fakeAccounts) AssetBalance(_ context.Context, accountID string) (decimal.Decimal, bool, error) {
	balance, ok := f.asset[accountID]
	return balance, ok, nil
}

func (f *fakeAccounts) HasTrustline(_ context.Context, accountID string) (bool, error) {
	return f.trustline[accountID], nil
}

// fakeRail is a minimal paystack stand-in: fixed checkout session, webhook
// signatures accepted only when they match testWebhookSig, events parsed
// from plain JSON.
type fakeRail struct {
	name     string
	sessions int
}

func (f *fakeRail) Name() string { return f.name }

func (f *fakeRail) InitiatePayment(_ context.Context, req providers.PaymentRequest) (providers.PaymentSession, error) {
	f.sessions++
	return providers.PaymentSession{
		Provider:         f.name,
		Reference:        fmt.Sprintf("%s_ref_%d", f.name, f.sessions),
		AuthorizationURL: "https://checkout.test/" + req.TransactionID,
		AccessCode:       "ac_" + req.TransactionID,
	}, nil
}

func (f *fakeRail) VerifyPayment(_ context.Context, reference string) (providers.StatusResult, error) {
	return providers.StatusResult{Status: providers.StatusSuccess, Reference: reference}, nil
}

func (f *fakeRail) ProcessWithdrawal(_ context.Context, req providers.WithdrawalRequest) (providers.WithdrawalResult, error) {
	return providers.WithdrawalResult{Provider: f.name, Reference: "wd_" + req.TransactionID, Status: providers.StatusPending}, nil
}

func (f *fakeRail) GetPaymentStatus(_ context.Context, reference string) (providers.StatusResult, error) {
	return providers.StatusResult{Status: providers.StatusSuccess, Reference: reference}, nil
}

func (f *fakeRail) VerifyWebhook(_ []byte, signature string) bool {
	return signature == testWebhookSig
}

func (f *fakeRail) ParseWebhookEvent(payload []byte) (providers.Event, error) {
	var event providers.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return providers.Event{}, err
	}
	event.Provider = f.name
	return event, nil
}

// fakeChain is both the orchestrator's provider order and the webhook
// processor's provider source.
type fakeChain struct {
	rail *fakeRail
}

func (c *fakeChain) PaymentOrder() []providers.PaymentProvider {
	return []providers.PaymentProvider{c.rail}
}

func (c *fakeChain) Get(name string) (providers.PaymentProvider, error) {
	if name != c.rail.name {
		return nil, fmt.Errorf("no provider %q", name)
	}
	return c.rail, nil
}

type stubPayouts struct{}

func (stubPayouts) Build(context.Context, string, decimal.Decimal, string) (string, string, error) {
	return "XDR", "hash", nil
}
func (stubPayouts) Submit(context.Context, string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:     ":0",
			AdminAPIKey: testAdminKey,
		},
		Stellar: config.StellarConfig{
			Network:            "testnet",
			AssetCode:          "cNGN",
			AssetIssuer:        testDistributionWallet,
			SystemWallet:       testSystemWallet,
			DistributionWallet: testDistributionWallet,
		},
		Rates: config.RatesConfig{
			MaxRateDeviation: "0.02",
		},
		Quotes: config.QuotesConfig{
			MinAmountNGN:          "1000",
			DisableLiquidityCheck: true,
		},
	}
}

func testFeeRepo(t *testing.T) fees.Repository {
	t.Helper()
	repo, err := fees.NewYAMLRepository([]config.FeeTierConfig{
		{TransactionType: "offramp", ProviderFeePercent: "0.5", ProviderFeeFlat: "50", PlatformFeePercent: "0.5"},
		{TransactionType: "onramp", ProviderFeePercent: "1.5", ProviderFeeFlat: "100", PlatformFeePercent: "1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func testBillerRepo(t *testing.T) billers.Repository {
	t.Helper()
	repo, err := billers.NewYAMLRepository(map[string]config.Biller{
		"mtn-airtime": {ServiceID: "mtn", Name: "MTN Airtime", Category: "airtime",
			MinAmountNGN: "50", MaxAmountNGN: "50000"},
		"ikeja-electric": {ServiceID: "ikeja-electric", Name: "Ikeja Electric", Category: "electricity",
			States: []string{"lagos"}, RequiresMeter: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

type testEnv struct {
	server   *Server
	store    *storage.MemoryStore
	quotes   *quotes.Service
	rail     *fakeRail
	accounts *fakeAccounts
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig()
	store := storage.NewMemoryStore()
	kv := kvstore.NewMemory()

	feeEngine := fees.NewEngine(testFeeRepo(t), store)
	rateEngine, err := rates.NewEngine(cfg.Rates, kv, store, feeEngine)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := rateEngine.UpdateRate(ctx, "NGN", "cNGN", decimal.NewFromInt(1), "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := rateEngine.UpdateRate(ctx, "cNGN", "NGN", decimal.NewFromInt(1), "seed"); err != nil {
		t.Fatal(err)
	}

	accounts := &fakeAccounts{
		native: map[string]decimal.Decimal{
			testUserWallet: decimal.NewFromInt(20),
		},
		asset: map[string]decimal.Decimal{
			testUserWallet:         decimal.NewFromInt(15000),
			testDistributionWallet: decimal.NewFromInt(10000000),
		},
		trustline: map[string]bool{testUserWallet: true},
	}

	quoteSvc, err := quotes.NewService(cfg.Quotes, cfg.Stellar, kv, rateEngine, feeEngine, accounts, nil)
	if err != nil {
		t.Fatal(err)
	}

	rail := &fakeRail{name: "paystack"}
	chain := &fakeChain{rail: rail}
	orch := orchestrator.New(store, chain, stubPayouts{}, nil)
	webhookProc := webhooks.NewProcessor(chain, store, orch, nil, 3)

	server := New(cfg, store, rateEngine, feeEngine, quoteSvc, testBillerRepo(t), orch,
		webhookProc, accounts, idempotency.NewMemoryStore(), nil, zerolog.Nop())

	return &testEnv{server: server, store: store, quotes: quoteSvc, rail: rail, accounts: accounts}
}

func (e *testEnv) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var resp apperrors.ErrorResponse
	decodeBody(t, rec, &resp)
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["network"] != "testnet" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestGetRatesSinglePairWithETag(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/rates?from=NGN&to=cNGN", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var rate storage.ExchangeRate
	decodeBody(t, rec, &rate)
	if rate.FromCurrency != "NGN" || rate.ToCurrency != "cNGN" || !rate.Rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("unexpected rate: %+v", rate)
	}

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	replay := env.do("GET", "/api/rates?from=NGN&to=cNGN", nil, map[string]string{"If-None-Match": etag})
	if replay.Code != http.StatusNotModified {
		t.Errorf("conditional replay status = %d", replay.Code)
	}
}

func TestGetRatesDefaultListsAllPairs(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/rates", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body ratesResponse
	decodeBody(t, rec, &body)
	if len(body.Rates) != 2 {
		t.Fatalf("rates = %d, want 2", len(body.Rates))
	}
}

func TestGetRatesPairsQuery(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/rates?pairs=NGN:cNGN,cNGN:NGN", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ratesResponse
	decodeBody(t, rec, &body)
	if len(body.Rates) != 2 {
		t.Fatalf("rates = %d, want 2", len(body.Rates))
	}

	bad := env.do("GET", "/api/rates?pairs=NGN", nil, nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("malformed pairs status = %d", bad.Code)
	}
	if code := errorCode(t, bad); code != apperrors.ErrCodeInvalidCurrency {
		t.Errorf("code = %s", code)
	}
}

func TestGetFeesTierList(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/fees", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tiers []feeTierPayload `json:"tiers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(body.Tiers))
	}
}

func TestGetFeesCalculation(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/fees?amount=10000&type=offramp", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var breakdown fees.Breakdown
	decodeBody(t, rec, &breakdown)
	if !breakdown.ProviderFee.Equal(decimal.NewFromInt(100)) {
		t.Errorf("provider fee = %s, want 100", breakdown.ProviderFee)
	}
	if !breakdown.PlatformFee.Equal(decimal.NewFromInt(50)) {
		t.Errorf("platform fee = %s, want 50", breakdown.PlatformFee)
	}
	if !breakdown.NetAmount.Equal(decimal.NewFromInt(9850)) {
		t.Errorf("net = %s, want 9850", breakdown.NetAmount)
	}
}

func TestGetFeesValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		path string
		code apperrors.ErrorCode
	}{
		{"bad amount", "/api/fees?amount=abc&type=offramp", apperrors.ErrCodeInvalidAmount},
		{"missing type", "/api/fees?amount=100", apperrors.ErrCodeMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("GET", tt.path, nil, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestGetFeesCompare(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/fees?amount=10000&type=onramp&compare=paystack,flutterwave", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Comparison map[string]fees.Breakdown `json:"comparison"`
	}
	decodeBody(t, rec, &body)
	if len(body.Comparison) != 2 {
		t.Fatalf("comparison entries = %d, want 2", len(body.Comparison))
	}
}

func TestListBillers(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("GET", "/api/bills/providers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Billers []billers.Biller `json:"billers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Billers) != 2 {
		t.Fatalf("billers = %d, want 2", len(body.Billers))
	}

	filtered := env.do("GET", "/api/bills/providers?category=electricity&state=lagos", nil, nil)
	decodeBody(t, filtered, &body)
	if len(body.Billers) != 1 || body.Billers[0].ID != "ikeja-electric" {
		t.Errorf("filtered billers = %+v", body.Billers)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestServer(t)
	payload := map[string]string{"from": "NGN", "to": "cNGN", "rate": "1.001"}

	if rec := env.do("POST", "/api/admin/rates", payload, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", rec.Code)
	}
	if rec := env.do("POST", "/api/admin/rates", payload, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", rec.Code)
	}
	rec := env.do("POST", "/api/admin/rates", payload, map[string]string{"X-API-Key": testAdminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d: %s", rec.Code, rec.Body.String())
	}
	var rate storage.ExchangeRate
	decodeBody(t, rec, &rate)
	if rate.Source != "manual" || !rate.Rate.Equal(decimal.RequireFromString("1.001")) {
		t.Errorf("unexpected rate row: %+v", rate)
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	env := newTestServerWithoutAdminKey(t)

	rec := env.do("POST", "/api/admin/rates",
		map[string]string{"from": "NGN", "to": "cNGN", "rate": "1"},
		map[string]string{"X-API-Key": ""})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("disabled admin status = %d", rec.Code)
	}
}

func TestAdminRejectsPegDeviation(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("POST", "/api/admin/rates",
		map[string]string{"from": "NGN", "to": "cNGN", "rate": "1.5"},
		map[string]string{"X-API-Key": testAdminKey})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != apperrors.ErrCodeInvalidRate {
		t.Errorf("code = %s", code)
	}
}

func TestAdminUpsertFeeTier(t *testing.T) {
	env := newTestServer(t)

	rec := env.do("POST", "/api/admin/fees/tiers", feeTierPayload{
		TransactionType:    "bill_payment",
		ProviderFeePercent: "0",
		ProviderFeeFlat:    "25",
		PlatformFeePercent: "0.25",
		Active:             true,
	}, map[string]string{"X-API-Key": testAdminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var saved feeTierPayload
	decodeBody(t, rec, &saved)
	if saved.ID == "" {
		t.Error("expected a generated tier id")
	}

	list := env.do("GET", "/api/fees", nil, nil)
	var body struct {
		Tiers []feeTierPayload `json:"tiers"`
	}
	decodeBody(t, list, &body)
	if len(body.Tiers) != 3 {
		t.Errorf("tiers after upsert = %d, want 3", len(body.Tiers))
	}
}

func TestAdminRequeueNotification(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	id, err := env.store.EnqueueNotification(ctx, storage.NotificationJob{
		URL:         "https://callbacks.test/events",
		Payload:     json.RawMessage(`{}`),
		EventType:   "transaction.completed",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do("POST", "/api/admin/notifications/"+id+"/requeue", nil,
		map[string]string{"X-API-Key": testAdminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	missing := env.do("POST", "/api/admin/notifications/nope/requeue", nil,
		map[string]string{"X-API-Key": testAdminKey})
	if missing.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", missing.Code)
	}
}

// newTestServerWithoutAdminKey builds an env whose admin surface is disabled.
func newTestServerWithoutAdminKey(t *testing.T) *testEnv {
	t.Helper()
	env := newTestServer(t)
	cfg := testConfig()
	cfg.Server.AdminAPIKey = ""
	env.server = New(cfg, env.store, env.server.rates, env.server.fees, env.quotes,
		testBillerRepo(t), env.server.orchestrator, env.server.webhooks, env.accounts,
		idempotency.NewMemoryStore(), nil, zerolog.Nop())
	return env
}
