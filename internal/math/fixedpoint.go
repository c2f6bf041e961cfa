// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FractionBits is the number of fractional bits in the venue's scaled fractions.
const FractionBits = 60

// SharePrecision is the decimal places kept on share amounts. The host's
// I80F48 type carries 48 fractional bits, a little over 14 decimal digits.
const SharePrecision = 15

var (
	ErrMathOverflow   = errors.New("math overflow")
	ErrNegativeAmount = errors.New("negative amount")
)

var (
	fractionScale = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), FractionBits), 0)

	// I80F48Max bounds any value the host can hold (2^79).
	I80F48Max = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 79), 0)
)

// FromUint64 lifts a native token amount.
func FromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// FractionToDecimal converts a 60-bit scaled fraction.
func FractionToDecimal(sf *uint256.Int) decimal.Decimal {
	if sf == nil || sf.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(sf.ToBig(), 0).DivRound(fractionScale, 18)
}

// DecimalToFraction converts a non-negative decimal to a 60-bit scaled
// fraction, truncating.
func DecimalToFraction(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	scaled := d.Mul(fractionScale).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrMathOverflow
	}
	return v, nil
}

// NativeToUI converts a native amount to whole tokens.
func NativeToUI(amount uint64, decimals uint64) decimal.Decimal {
	return FromUint64(amount).Shift(-int32(decimals))
}

// TokensToUSD values a native amount at a price given as a scaled fraction
// per whole token.
func TokensToUSD(amount uint64, decimals uint64, priceSf *uint256.Int) decimal.Decimal {
	return NativeToUI(amount, decimals).Mul(FractionToDecimal(priceSf))
}

// CheckI80F48 fails when |v| does not fit the host's fixed-point range.
func CheckI80F48(v decimal.Decimal) error {
	if v.Abs().GreaterThanOrEqual(I80F48Max) {
		return ErrMathOverflow
	}
	return nil
}

// AmountToShares converts a token amount into bank shares at shareValue.
func AmountToShares(amount, shareValue decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if !shareValue.IsPositive() {
		return decimal.Zero, ErrMathOverflow
	}
	if err := CheckI80F48(amount); err != nil {
		return decimal.Zero, err
	}
	shares := amount.DivRound(shareValue, SharePrecision)
	if err := CheckI80F48(shares); err != nil {
		return decimal.Zero, err
	}
	return shares, nil
}

// SharesToAmount converts bank shares back into tokens at shareValue.
func SharesToAmount(shares, shareValue decimal.Decimal) (decimal.Decimal, error) {
	if shares.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	amount := shares.Mul(shareValue)
	if err := CheckI80F48(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// CheckedAdd adds two in-range values and fails when the sum leaves the range.
func CheckedAdd(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if err := CheckI80F48(sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}
