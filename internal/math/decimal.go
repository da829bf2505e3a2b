package math

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept by every division in
// the valuation formulas. Multiplication and addition are exact.
const DivisionScale int32 = 18

// ErrZeroQuantity is returned by formulas that divide by position size.
var ErrZeroQuantity = errors.New("position quantity is zero")

// SideSign is +1 for long exposure and -1 for short exposure.
type SideSign int

const (
	Long  SideSign = 1
	Short SideSign = -1
)

// Div divides with half-up rounding at DivisionScale.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, DivisionScale)
}

// PriceDiff returns mark - entry for longs and entry - mark for shorts.
func PriceDiff(sign SideSign, price, entry decimal.Decimal) decimal.Decimal {
	if sign == Short {
		return entry.Sub(price)
	}
	return price.Sub(entry)
}

// ComputeAvgEntryPrice calculates the quantity-weighted entry price after an
// increase. A flat position takes the fill price.
func ComputeAvgEntryPrice(oldQty, oldEntry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if oldQty.IsZero() {
		return fillPrice
	}
	numerator := oldQty.Mul(oldEntry).Add(fillQty.Mul(fillPrice))
	return Div(numerator, oldQty.Add(fillQty))
}

// ComputeRealizedPnL calculates the PnL realized by closing closeQty at fillPrice.
func ComputeRealizedPnL(sign SideSign, fillPrice, entry, closeQty, contractSize decimal.Decimal) decimal.Decimal {
	return PriceDiff(sign, fillPrice, entry).Mul(closeQty).Mul(contractSize)
}

// ComputeUnrealizedPnL is the PnL the whole position would realize at markPrice.
func ComputeUnrealizedPnL(sign SideSign, markPrice, entry, qty, contractSize decimal.Decimal) decimal.Decimal {
	return ComputeRealizedPnL(sign, markPrice, entry, qty, contractSize)
}

// ComputeNotional calculates the position notional value at markPrice.
func ComputeNotional(markPrice, qty, contractSize decimal.Decimal) decimal.Decimal {
	return markPrice.Mul(qty).Mul(contractSize)
}

// ComputeMarginRatio returns (margin + uPnL) / notional, or zero when the
// notional is zero.
func ComputeMarginRatio(margin, unrealizedPnL, notional decimal.Decimal) decimal.Decimal {
	if notional.IsZero() {
		return decimal.Zero
	}
	return Div(margin.Add(unrealizedPnL), notional)
}

// ComputeLiquidationPrice returns the mark price at which the margin ratio
// equals the maintenance margin rate:
//
//	long:  (entry - margin/(qty*cs)) / (1 - mmr)
//	short: (entry + margin/(qty*cs)) / (1 + mmr)
func ComputeLiquidationPrice(sign SideSign, entry, margin, qty, contractSize, mmr decimal.Decimal) (decimal.Decimal, error) {
	units := qty.Mul(contractSize)
	if units.IsZero() {
		return decimal.Zero, ErrZeroQuantity
	}
	marginPerUnit := Div(margin, units)

	if sign == Short {
		return Div(entry.Add(marginPerUnit), decimal.NewFromInt(1).Add(mmr)), nil
	}
	return Div(entry.Sub(marginPerUnit), decimal.NewFromInt(1).Sub(mmr)), nil
}

// ComputeInitialMargin is the collateral required to open qty at price with
// the given leverage.
func ComputeInitialMargin(price, qty, contractSize, leverage decimal.Decimal) decimal.Decimal {
	return Div(ComputeNotional(price, qty, contractSize), leverage)
}

// ComputeProportionalRelease returns the share of margin freed when closeQty
// of qty is closed.
func ComputeProportionalRelease(margin, closeQty, qty decimal.Decimal) decimal.Decimal {
	if closeQty.GreaterThanOrEqual(qty) {
		return margin
	}
	return Div(margin.Mul(closeQty), qty)
}
