package arb

import "github.com/shopspring/decimal"

// FeeModel computes the taker fee for one leg from its per-unit cost.
// All arithmetic stays in decimals: fee-adjusted nets sit within a cent
// of zero, where float drift is large enough to flip a decision.
type FeeModel interface {
	Fee(cost decimal.Decimal) decimal.Decimal
}

// ProportionalFee charges a rate on notional (Kalshi style).
type ProportionalFee struct {
	Rate decimal.Decimal
}

// NewProportionalFee creates a proportional model from a float rate.
func NewProportionalFee(rate float64) ProportionalFee {
	return ProportionalFee{Rate: decimal.NewFromFloat(rate)}
}

// Fee returns rate · cost.
func (f ProportionalFee) Fee(cost decimal.Decimal) decimal.Decimal {
	return f.Rate.Mul(cost)
}

// FlatPerUnitFee charges a fixed amount per contract regardless of price
// (Polymarket style).
type FlatPerUnitFee struct {
	PerUnit decimal.Decimal
}

// NewFlatPerUnitFee creates a flat model from a float per-unit fee.
func NewFlatPerUnitFee(perUnit float64) FlatPerUnitFee {
	return FlatPerUnitFee{PerUnit: decimal.NewFromFloat(perUnit)}
}

// Fee returns the flat per-unit charge.
func (f FlatPerUnitFee) Fee(decimal.Decimal) decimal.Decimal {
	return f.PerUnit
}
