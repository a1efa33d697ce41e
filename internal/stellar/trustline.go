package stellar

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// TrustlineManager answers trustline and balance questions about accounts on
// the network, pinned to the configured stablecoin asset.
type TrustlineManager struct {
	client      *Client
	assetCode   string
	assetIssuer string
}

// NewTrustlineManager pins the manager to the configured asset.
func NewTrustlineManager(cfg config.StellarConfig, client *Client) *TrustlineManager {
	return &TrustlineManager{
		client:      client,
		assetCode:   cfg.AssetCode,
		assetIssuer: cfg.AssetIssuer,
	}
}

// HasTrustline reports whether the account holds a trustline for the
// stablecoin. An account that does not exist on the network has no trustline.
func (t *TrustlineManager) HasTrustline(ctx context.Context, accountID string) (bool, error) {
	account, err := t.client.GetAccount(ctx, accountID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, WrapError(err, "checking trustline")
	}
	for _, balance := range account.Balances {
		if balance.Code == t.assetCode && balance.Issuer == t.assetIssuer {
			return true, nil
		}
	}
	return false, nil
}

// AssetBalance returns the account's stablecoin balance. Zero when the
// trustline is absent; the hasTrustline return distinguishes the two.
func (t *TrustlineManager) AssetBalance(ctx context.Context, accountID string) (balance decimal.Decimal, hasTrustline bool, err error) {
	account, err := t.client.GetAccount(ctx, accountID)
	if err != nil {
		if IsNotFound(err) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, WrapError(err, "fetching asset balance")
	}
	for _, b := range account.Balances {
		if b.Code == t.assetCode && b.Issuer == t.assetIssuer {
			parsed, perr := decimal.NewFromString(b.Balance)
			if perr != nil {
				return decimal.Zero, true, fmt.Errorf("parse balance %q: %w", b.Balance, perr)
			}
			return parsed, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// NativeBalance returns the account's XLM balance.
func (t *TrustlineManager) NativeBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := t.client.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, WrapError(err, "fetching native balance")
	}
	for _, b := range account.Balances {
		if b.Type == "native" {
			parsed, perr := decimal.NewFromString(b.Balance)
			if perr != nil {
				return decimal.Zero, fmt.Errorf("parse balance %q: %w", b.Balance, perr)
			}
			return parsed, nil
		}
	}
	return decimal.Zero, nil
}
