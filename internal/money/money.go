package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every stored amount.
const Scale = 6

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrOutOfRange    = errors.New("money: amount out of range")
)

// Zero is the canonical zero amount at Scale.
var Zero = decimal.New(0, -Scale)

// Max is the largest amount a stored NUMERIC(18,6) column holds.
var Max = decimal.RequireFromString("999999999999.999999")

// Storable reports whether d fits the stored amount columns.
func Storable(d decimal.Decimal) bool {
	return !d.IsNegative() && Normalize(d).LessThanOrEqual(Max)
}

// Parse parses a non-negative decimal string with at most Scale fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return decimal.Decimal{}, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, Scale)
	}
	return Normalize(d), nil
}

// Normalize truncates d to Scale places. Amounts are never rounded up.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return Normalize(d).StringFixed(Scale)
}

// FromBaseUnits converts an integer token amount into a decimal amount using the
// token's decimal count, e.g. 5000000 with 6 decimals is 5.000000.
func FromBaseUnits(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

// ToBaseUnits is the inverse of FromBaseUnits. It fails when d is negative, carries
// more precision than the token supports, or does not fit uint256.
func ToBaseUnits(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: precision exceeds %d decimals", ErrInvalidAmount, decimals)
	}
	out, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOutOfRange
	}
	return out, nil
}
