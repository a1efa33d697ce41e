// Package money holds the amount arithmetic for the ramp. Every amount is an
// arbitrary-precision decimal from creation to serialization; IEEE-754 floats
// never touch a balance. Amounts cross process boundaries as strings.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// StellarDecimals is the ledger precision: 1 unit = 10^7 stroops.
const StellarDecimals = 7

// MaxStellarAmount is the largest representable on-ledger amount
// (math.MaxInt64 stroops).
var MaxStellarAmount = decimal.RequireFromString("922337203685.4775807")

var (
	ErrNotPositive     = errors.New("money: amount must be positive")
	ErrTooManyDecimals = errors.New("money: more than 7 decimal places")
	ErrAmountTooLarge  = errors.New("money: amount exceeds ledger maximum")
	ErrMalformedAmount = errors.New("money: malformed decimal amount")
)

// Parse converts a string into a decimal, rejecting malformed input.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	return d, nil
}

// ParsePositive converts a string into a strictly positive decimal.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotPositive, s)
	}
	return d, nil
}

// ValidateStellarAmount checks that an amount can be carried by a Stellar
// payment operation: positive, at most 7 fractional digits, within the
// int64-stroop range.
func ValidateStellarAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	if !d.Equal(d.Truncate(StellarDecimals)) {
		return ErrTooManyDecimals
	}
	if d.GreaterThan(MaxStellarAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// StellarAmountString renders an amount in the fixed-point form Horizon
// expects, after validating ledger constraints.
func StellarAmountString(d decimal.Decimal) (string, error) {
	if err := ValidateStellarAmount(d); err != nil {
		return "", err
	}
	return d.StringFixed(StellarDecimals), nil
}

// ToStroops converts a decimal asset amount to integer stroops.
func ToStroops(d decimal.Decimal) (int64, error) {
	if err := ValidateStellarAmount(d); err != nil {
		return 0, err
	}
	return d.Shift(StellarDecimals).IntPart(), nil
}

// FromStroops converts integer stroops to a decimal asset amount.
func FromStroops(stroops int64) decimal.Decimal {
	return decimal.New(stroops, -StellarDecimals)
}

// ApplyPercent returns amount × pct / 100 without rounding; callers round at
// the boundary appropriate to their asset.
func ApplyPercent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100))
}

// Clip bounds a value to [floor, ceiling]. A nil ceiling means unbounded above.
func Clip(value, floor decimal.Decimal, ceiling *decimal.Decimal) decimal.Decimal {
	if value.LessThan(floor) {
		return floor
	}
	if ceiling != nil && value.GreaterThan(*ceiling) {
		return *ceiling
	}
	return value
}

// RoundForAsset rounds half-up to the asset's display precision.
func RoundForAsset(d decimal.Decimal, asset Asset) decimal.Decimal {
	return d.Round(asset.DisplayDecimals)
}
