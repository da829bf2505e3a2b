package math

import "github.com/shopspring/decimal"

// ComputeFundingPayment calculates the funding payment for a position.
// Positive means the holder pays, negative means the holder receives.
// Longs pay a positive rate, shorts pay a negative one.
func ComputeFundingPayment(sign SideSign, rate, markPrice, qty, contractSize decimal.Decimal) decimal.Decimal {
	payment := rate.Mul(ComputeNotional(markPrice, qty, contractSize))
	if sign == Short {
		return payment.Neg()
	}
	return payment
}
