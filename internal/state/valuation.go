package state

import (
	fpmath "PerpRisk/internal/math"

	"github.com/shopspring/decimal"
)

// Valuation is the derived risk view of a position at one mark price.
type Valuation struct {
	UnrealizedPnl    decimal.Decimal
	Notional         decimal.Decimal
	MarginRatio      decimal.Decimal
	LiquidationPrice *decimal.Decimal // nil for a flat position
}

// Valuate is pure: the same position, mark and params always give the same
// result. A flat position values to zero with no liquidation price.
func Valuate(pos *Position, mark decimal.Decimal, params InstrumentParams) Valuation {
	if pos.IsFlat() {
		return Valuation{}
	}

	sign := pos.SideSign()
	upnl := fpmath.ComputeUnrealizedPnL(sign, mark, pos.EntryPrice, pos.Quantity, params.ContractSize)
	notional := fpmath.ComputeNotional(mark, pos.Quantity, params.ContractSize)

	v := Valuation{
		UnrealizedPnl: upnl,
		Notional:      notional,
		MarginRatio:   fpmath.ComputeMarginRatio(pos.Margin, upnl, notional),
	}
	liq, err := fpmath.ComputeLiquidationPrice(sign, pos.EntryPrice, pos.Margin, pos.Quantity,
		params.ContractSize, params.MaintenanceMarginRate)
	if err == nil {
		v.LiquidationPrice = &liq
	}
	return v
}

// Revalue writes the valuation at mark onto pos.
func Revalue(pos *Position, mark decimal.Decimal, params InstrumentParams) Valuation {
	v := Valuate(pos, mark, params)
	pos.MarkPrice = mark
	pos.UnrealizedPnl = v.UnrealizedPnl
	pos.MarginRatio = v.MarginRatio
	pos.LiquidationPrice = v.LiquidationPrice
	pos.ParamsVersion = params.Version
	return v
}
