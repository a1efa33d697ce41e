package money

import (
	"fmt"
	"strings"
	"sync"
)

// Asset represents a currency or token with its properties.
type Asset struct {
	Code            string // Asset code (NGN, CNGN, XLM)
	DisplayDecimals int32  // Decimal places for display/rounding (2 for NGN, 7 on-ledger)
	Type            AssetType
	Metadata        AssetMetadata
}

// AssetType categorizes the asset for different rails.
type AssetType int

const (
	AssetTypeFiat    AssetType = iota // Fiat currency (bank rails, card rail)
	AssetTypeStellar                  // Stellar-issued asset
	AssetTypeNative                   // Stellar native lumens
)

// AssetMetadata contains rail-specific information. The cNGN issuer account is
// network-specific and lives in config, not here.
type AssetMetadata struct {
	StripeCurrency string // Stripe currency code (lowercase: "ngn")
}

var (
	assetRegistry = map[string]Asset{
		"NGN": {
			Code:            "NGN",
			DisplayDecimals: 2, // kobo
			Type:            AssetTypeFiat,
			Metadata: AssetMetadata{
				StripeCurrency: "ngn",
			},
		},
		"CNGN": {
			Code:            "CNGN",
			DisplayDecimals: 7, // stroop-scale on ledger
			Type:            AssetTypeStellar,
		},
		"XLM": {
			Code:            "XLM",
			DisplayDecimals: 7, // stroops
			Type:            AssetTypeNative,
		},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry. Codes are case-insensitive;
// "cNGN" and "CNGN" are the same asset.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[NormalizeCode(code)]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds an asset to the registry (for tests or new corridors).
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.DisplayDecimals < 0 || asset.DisplayDecimals > 18 {
		return fmt.Errorf("money: decimals out of range")
	}

	assetRegistryMu.Lock()
	assetRegistry[NormalizeCode(asset.Code)] = asset
	assetRegistryMu.Unlock()

	return nil
}

// NormalizeCode uppercases an asset code for registry lookups and pair keys.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsSupportedCurrency reports whether the code is a registered asset.
func IsSupportedCurrency(code string) bool {
	_, err := GetAsset(code)
	return err == nil
}

// IsStellarAsset returns true for assets that move on the Stellar ledger.
func (a Asset) IsStellarAsset() bool {
	return a.Type == AssetTypeStellar || a.Type == AssetTypeNative
}

// GetStripeCurrency returns the Stripe currency code or an error.
func (a Asset) GetStripeCurrency() (string, error) {
	if a.Type != AssetTypeFiat || a.Metadata.StripeCurrency == "" {
		return "", fmt.Errorf("money: %s is not a card-rail currency", a.Code)
	}
	return a.Metadata.StripeCurrency, nil
}
