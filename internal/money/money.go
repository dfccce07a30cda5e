// Package money centralizes monetary rounding policy. All customer-facing
// amounts carry two fractional digits and every aggregation boundary rounds
// half-to-even to avoid systematic bias.
package money

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits for customer-facing amounts.
const Scale = 2

// Round applies banker's rounding at the customer-facing scale.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// MinorUnit is the smallest representable customer-facing amount (0.01).
func MinorUnit() decimal.Decimal {
	return decimal.New(1, -Scale)
}

// WithinMinorUnit reports whether a and b differ by at most one minor unit.
// Used when reconciling line sums against invoice totals.
func WithinMinorUnit(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MinorUnit())
}

// Clamp returns d, or zero when d is negative. Balances that must stay
// non-negative go through here after subtraction.
func Clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
