// Package quotes issues short-lived onramp quotes: a priced commitment of
// rate + fees tied to a wallet, checked against distribution liquidity and
// the wallet's trustline. Quotes live in the KV store under their TTL and
// are consumable exactly once.
package quotes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/fees"
	"github.com/nairabridge/nairabridge-server/internal/kvstore"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/rates"
)

const (
	quoteKeyPrefix   = "v1:quote:"
	quoteClaimPrefix = "v1:quote:claim:"
)

// QuoteStatus tracks the quote lifecycle inside the KV record.
type QuoteStatus string

const (
	QuoteStatusPending  QuoteStatus = "pending"
	QuoteStatusConsumed QuoteStatus = "consumed"
)

// Request is a quote creation input.
type Request struct {
	AmountNGN     decimal.Decimal `json:"amount_ngn"`
	WalletAddress string          `json:"wallet_address"`
	Provider      string          `json:"provider"`
	Method        string          `json:"method,omitempty"`
	Chain         string          `json:"chain,omitempty"`
}

// FeeSplit is the NGN fee breakdown attached to a quote.
type FeeSplit struct {
	PlatformFeeNGN string `json:"platform_fee_ngn"`
	ProviderFeeNGN string `json:"provider_fee_ngn"`
	TotalFeeNGN    string `json:"total_fee_ngn"`
}

// Quote is the stored and returned commitment.
type Quote struct {
	QuoteID           string      `json:"quote_id"`
	WalletAddress     string      `json:"wallet_address"`
	AmountNGN         string      `json:"amount_ngn"`
	AmountCNGN        string      `json:"amount_cngn"`
	RateSnapshot      string      `json:"rate_snapshot"`
	Fees              FeeSplit    `json:"fees"`
	Provider          string      `json:"provider"`
	Method            string      `json:"method,omitempty"`
	Chain             string      `json:"chain"`
	TrustlineRequired bool        `json:"trustline_required"`
	Status            QuoteStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// ExpiresIn reports the remaining validity in whole seconds.
func (q Quote) ExpiresIn(now time.Time) int64 {
	remaining := q.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// Balances is the liquidity/trustline view the service needs from Stellar.
type Balances interface {
	AssetBalance(ctx context.Context, address string) (decimal.Decimal, bool, error)
	HasTrustline(ctx context.Context, address string) (bool, error)
}

// Service issues and consumes quotes.
type Service struct {
	cfg          config.QuotesConfig
	kv           kvstore.Store
	rates        *rates.Engine
	fees         *fees.Engine
	balances     Balances
	distribution string
	minAmount    decimal.Decimal
	metrics      *metrics.Metrics
}

// NewService wires the quote pipeline. balances may come from
// stellar.TrustlineManager.
func NewService(cfg config.QuotesConfig, stellarCfg config.StellarConfig, kv kvstore.Store, rateEngine *rates.Engine, feeEngine *fees.Engine, balances Balances, m *metrics.Metrics) (*Service, error) {
	minAmount := decimal.NewFromInt(1000)
	if cfg.MinAmountNGN != "" {
		parsed, err := decimal.NewFromString(cfg.MinAmountNGN)
		if err != nil {
			return nil, fmt.Errorf("quotes: parse min_amount_ngn: %w", err)
		}
		minAmount = parsed
	}
	return &Service{
		cfg:          cfg,
		kv:           kv,
		rates:        rateEngine,
		fees:         feeEngine,
		balances:     balances,
		distribution: stellarCfg.DistributionWallet,
		minAmount:    minAmount,
		metrics:      m,
	}, nil
}

// CreateQuote prices an onramp deposit. Each call allocates a fresh quote id;
// creation is not idempotent.
func (s *Service) CreateQuote(ctx context.Context, req Request) (Quote, error) {
	if req.AmountNGN.LessThan(s.minAmount) {
		return Quote{}, apperrors.Newf(apperrors.ErrCodeAmountTooLow,
			"minimum onramp amount is %s NGN", s.minAmount)
	}
	if !strkey.IsValidEd25519PublicKey(req.WalletAddress) {
		return Quote{}, apperrors.New(apperrors.ErrCodeInvalidWalletAddress,
			"wallet_address is not a valid Stellar account")
	}
	chain := req.Chain
	if chain == "" {
		chain = "stellar"
	}
	if chain != "stellar" {
		return Quote{}, apperrors.Newf(apperrors.ErrCodeOutOfRange, "unsupported chain %q", chain)
	}

	split, rateSnapshot, err := s.priceFees(ctx, req)
	if err != nil {
		return Quote{}, err
	}
	totalFee := split.platform.Add(split.provider)
	amountCNGN := req.AmountNGN.Sub(totalFee)
	if !amountCNGN.IsPositive() {
		return Quote{}, apperrors.New(apperrors.ErrCodeAmountTooLow, "fees exceed the deposit amount")
	}

	if err := s.checkLiquidity(ctx, amountCNGN); err != nil {
		return Quote{}, err
	}

	trustlineRequired := false
	hasTrustline, err := s.balances.HasTrustline(ctx, req.WalletAddress)
	if err != nil {
		// Signal-only: a Horizon hiccup must not block quoting.
		log.Warn().Err(err).Str("wallet", req.WalletAddress).Msg("quotes.trustline_check_failed")
	} else {
		trustlineRequired = !hasTrustline
	}

	now := time.Now().UTC()
	ttl := s.cfg.TTL.Duration
	if ttl <= 0 {
		ttl = 180 * time.Second
	}
	quote := Quote{
		QuoteID:           "q_" + randomHex128(),
		WalletAddress:     req.WalletAddress,
		AmountNGN:         req.AmountNGN.String(),
		AmountCNGN:        amountCNGN.String(),
		RateSnapshot:      rateSnapshot,
		Fees: FeeSplit{
			PlatformFeeNGN: split.platform.String(),
			ProviderFeeNGN: split.provider.String(),
			TotalFeeNGN:    totalFee.String(),
		},
		Provider:          req.Provider,
		Method:            req.Method,
		Chain:             chain,
		TrustlineRequired: trustlineRequired,
		Status:            QuoteStatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}

	if err := s.write(ctx, quote, ttl); err != nil {
		return Quote{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveQuote("created")
	}
	return quote, nil
}

// GetQuote reads a quote without consuming it.
func (s *Service) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	return s.read(ctx, quoteID)
}

// ConsumeQuote atomically claims a pending quote. Expired quotes return
// RATE_EXPIRED; second consumers get ALREADY_CONSUMED.
func (s *Service) ConsumeQuote(ctx context.Context, quoteID string) (Quote, error) {
	quote, err := s.read(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	now := time.Now().UTC()
	if !now.Before(quote.ExpiresAt) {
		if s.metrics != nil {
			s.metrics.ObserveQuote("expired")
		}
		return Quote{}, apperrors.New(apperrors.ErrCodeRateExpired, "quote has expired")
	}
	if quote.Status != QuoteStatusPending {
		return Quote{}, apperrors.New(apperrors.ErrCodeAlreadyConsumed, "quote already consumed")
	}

	// The status check above is only a fast path; the claim marker is the
	// authority. SetNX is atomic on both KV backends, so concurrent
	// consumers racing past the read agree on a single winner, including
	// across server processes sharing Redis.
	remaining := quote.ExpiresAt.Sub(now)
	claimKey := quoteClaimPrefix + quoteID
	won, err := s.kv.SetNX(ctx, claimKey, []byte(now.Format(time.RFC3339Nano)), remaining)
	if err != nil {
		return Quote{}, apperrors.Wrap(apperrors.ErrCodeCacheError, "claim quote", err)
	}
	if !won {
		return Quote{}, apperrors.New(apperrors.ErrCodeAlreadyConsumed, "quote already consumed")
	}

	quote.Status = QuoteStatusConsumed
	if err := s.write(ctx, quote, remaining); err != nil {
		// Release the claim so the caller can retry after a cache fault.
		_ = s.kv.Delete(ctx, claimKey)
		return Quote{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveQuote("consumed")
	}
	return quote, nil
}

type feeLegs struct {
	platform decimal.Decimal
	provider decimal.Decimal
}

// priceFees runs the conversion first and falls back to onramp-specific
// tiers when both legs come back zero.
func (s *Service) priceFees(ctx context.Context, req Request) (feeLegs, string, error) {
	conv, err := s.rates.CalculateConversion(ctx, "NGN", "cNGN", req.AmountNGN, rates.DirectionBuy)
	if err != nil {
		return feeLegs{}, "", err
	}
	platform, err := decimal.NewFromString(conv.PlatformFee)
	if err != nil {
		return feeLegs{}, "", fmt.Errorf("quotes: parse platform fee: %w", err)
	}
	provider, err := decimal.NewFromString(conv.ProviderFee)
	if err != nil {
		return feeLegs{}, "", fmt.Errorf("quotes: parse provider fee: %w", err)
	}
	if !platform.IsZero() || !provider.IsZero() {
		return feeLegs{platform: platform, provider: provider}, conv.Rate, nil
	}

	// No general onramp tier matched; try the split-specific tiers.
	platformBD, err := s.fees.Calculate(ctx, fees.Request{
		TransactionType: "onramp_platform", Amount: req.AmountNGN, Provider: req.Provider, Method: req.Method,
	})
	if err != nil {
		return feeLegs{}, "", err
	}
	providerBD, err := s.fees.Calculate(ctx, fees.Request{
		TransactionType: "onramp_provider", Amount: req.AmountNGN, Provider: req.Provider, Method: req.Method,
	})
	if err != nil {
		return feeLegs{}, "", err
	}
	if !platformBD.TotalFee.IsZero() || !providerBD.TotalFee.IsZero() {
		return feeLegs{platform: platformBD.TotalFee, provider: providerBD.TotalFee}, conv.Rate, nil
	}

	// Last resort: split a plain onramp tier 20/80 platform/provider.
	onramp, err := s.fees.Calculate(ctx, fees.Request{
		TransactionType: "onramp", Amount: req.AmountNGN, Provider: req.Provider, Method: req.Method,
	})
	if err != nil {
		return feeLegs{}, "", err
	}
	twenty := decimal.RequireFromString("0.2")
	platformShare := onramp.TotalFee.Mul(twenty)
	return feeLegs{
		platform: platformShare,
		provider: onramp.TotalFee.Sub(platformShare),
	}, conv.Rate, nil
}

func (s *Service) checkLiquidity(ctx context.Context, amountCNGN decimal.Decimal) error {
	if s.cfg.DisableLiquidityCheck {
		return nil
	}
	balance, _, err := s.balances.AssetBalance(ctx, s.distribution)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBlockchainError, "read distribution balance", err)
	}
	if balance.LessThan(amountCNGN) {
		return apperrors.Newf(apperrors.ErrCodeInsufficientLiquidity,
			"distribution balance %s cNGN cannot cover %s", balance, amountCNGN)
	}
	return nil
}

func (s *Service) read(ctx context.Context, quoteID string) (Quote, error) {
	raw, err := s.kv.Get(ctx, quoteKeyPrefix+quoteID)
	if err != nil {
		return Quote{}, apperrors.New(apperrors.ErrCodeRateExpired, "quote not found or expired")
	}
	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return Quote{}, fmt.Errorf("quotes: decode quote %s: %w", quoteID, err)
	}
	return quote, nil
}

func (s *Service) write(ctx context.Context, quote Quote, ttl time.Duration) error {
	raw, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("quotes: encode quote: %w", err)
	}
	if err := s.kv.Set(ctx, quoteKeyPrefix+quote.QuoteID, raw, ttl); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheError, "store quote", err)
	}
	return nil
}

func randomHex128() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("quotes: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
