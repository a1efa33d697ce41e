package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Card processors bill in integer minor units (kobo for NGN). Conversion is
// exact or it fails; sub-kobo residues are a caller bug, not a rounding case.

// ToMinorUnits converts a decimal amount to integer minor units for the
// asset's display precision (e.g. NGN 1500.50 → 150050 kobo).
func ToMinorUnits(d decimal.Decimal, asset Asset) (int64, error) {
	if !d.IsPositive() {
		return 0, ErrNotPositive
	}
	shifted := d.Shift(asset.DisplayDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("money: %s %s has sub-unit residue", d, asset.Code)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a decimal amount.
func FromMinorUnits(units int64, asset Asset) decimal.Decimal {
	return decimal.New(units, -asset.DisplayDecimals)
}
