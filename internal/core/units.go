package core

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// BpsDenominator is the basis-point scale: 10 000 bps = 100%.
var BpsDenominator = decimal.NewFromInt(10000)

// FundingPeriod is the assumed funding interval.
const FundingPeriod = 8 * time.Hour

// DivTrunc divides a by b truncating toward zero. All decision-affecting
// division in the core goes through here so rounding never favors more risk.
// Returns zero when b is zero.
func DivTrunc(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, 0)
	return q
}

// MulDivTrunc computes a*b/c with the division truncated toward zero.
func MulDivTrunc(a, b, c decimal.Decimal) decimal.Decimal {
	return DivTrunc(a.Mul(b), c)
}

// RatioBps computes num/den scaled to basis points, truncated. Returns the
// full 10 000 bps when den is zero, which is the conservative reading for
// utilization-style ratios.
func RatioBps(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return BpsDenominator
	}
	return DivTrunc(num.Mul(BpsDenominator), den)
}

// ClampBps clamps d to [0, 10000].
func ClampBps(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(BpsDenominator) {
		return BpsDenominator
	}
	return d
}

// UnitScale returns 10^decimals as a decimal, for converting between smallest
// units and whole asset units.
func UnitScale(decimals int) decimal.Decimal {
	return decimal.New(1, int32(decimals))
}

// IntSqrt returns the integer square root (floor) of d, which must be an
// integer-valued decimal. Negative inputs yield zero.
func IntSqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	root := new(big.Int).Sqrt(d.BigInt())
	return decimal.NewFromBigInt(root, 0)
}

// CompletedFundingPeriods counts whole funding periods elapsed between entry
// and now. Partial periods are truncated, never prorated.
func CompletedFundingPeriods(entry, now time.Time) int64 {
	if entry.IsZero() || !now.After(entry) {
		return 0
	}
	return int64(now.Sub(entry) / FundingPeriod)
}
