package state

import (
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"

	"github.com/shopspring/decimal"
)

// FillResult reports what a fill did, alongside the new position.
type FillResult struct {
	Kind           ChangeKind
	FilledQuantity decimal.Decimal
	RealizedPnl    decimal.Decimal
	MarginAdded    decimal.Decimal
	MarginReleased decimal.Decimal
	Fee            decimal.Decimal
}

// ApplyFill applies one fill to current and returns the resulting position.
// current is never modified; nil means the position does not exist yet and
// the fill opens it. Sequencing and valuation are the caller's job.
//
// Cases:
//   - open/increase: weighted entry price, margin allocated
//   - reduce: PnL realized at the fill price, margin released pro rata
//   - close: reduce to zero, status CLOSED
//   - flip: close in full then open the remainder at the fill price
func ApplyFill(current *Position, f *event.Fill, params InstrumentParams) (*Position, FillResult, error) {
	if err := validateFill(current, f, params); err != nil {
		return nil, FillResult{}, err
	}

	if current == nil {
		return openPosition(f, params)
	}

	switch current.Status {
	case StatusClosed:
		return nil, FillResult{}, Reject(KindPositionNotTradable, current, "position already closed")
	}

	pos := current.Clone()
	res := FillResult{FilledQuantity: f.Quantity, Fee: f.Fee}
	pos.CumFee = pos.CumFee.Add(f.Fee)
	pos.UpdatedAt = f.Timestamp

	fillSide := f.Direction.Side()

	// Same side: increase
	if fillSide == pos.Side {
		if pos.Status == StatusLiquidating {
			return nil, FillResult{}, Reject(KindPositionNotTradable, current, "position is liquidating, only reducing fills accepted")
		}
		added := openingMargin(f, f.Quantity, pos.Leverage, params)
		pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.Quantity, pos.EntryPrice, f.Quantity, f.Price)
		pos.Quantity = pos.Quantity.Add(f.Quantity)
		pos.Margin = pos.Margin.Add(added)
		res.Kind = ChangeIncreased
		res.MarginAdded = added
		return pos, res, nil
	}

	// Opposite side: reduce, close or flip
	closeQty := decimal.Min(f.Quantity, pos.Quantity)
	remainder := f.Quantity.Sub(closeQty)

	if remainder.IsPositive() && pos.Status == StatusLiquidating {
		return nil, FillResult{}, Reject(KindPositionNotTradable, current, "position is liquidating, fill %s exceeds quantity %s", f.Quantity, pos.Quantity)
	}

	realized := fpmath.ComputeRealizedPnL(pos.SideSign(), f.Price, pos.EntryPrice, closeQty, params.ContractSize)
	released := fpmath.ComputeProportionalRelease(pos.Margin, closeQty, pos.Quantity)
	pos.CumRealizedPnl = pos.CumRealizedPnl.Add(realized)
	pos.Margin = pos.Margin.Sub(released)
	pos.Quantity = pos.Quantity.Sub(closeQty)
	pos.ClosingReservedQuantity = decimal.Max(decimal.Zero, pos.ClosingReservedQuantity.Sub(closeQty))
	res.RealizedPnl = realized
	res.MarginReleased = released

	if pos.Quantity.IsPositive() {
		res.Kind = ChangeDecreased
		return pos, res, nil
	}

	// Fully closed. Entry price is kept for the record.
	pos.Margin = decimal.Zero
	pos.ClosingReservedQuantity = decimal.Zero

	if !remainder.IsPositive() {
		if !pos.Status.CanTransitionTo(StatusClosed) {
			return nil, FillResult{}, Reject(KindPositionNotTradable, current, "cannot close from %s", pos.Status)
		}
		pos.Status = StatusClosed
		closedAt := f.Timestamp
		pos.ClosedAt = &closedAt
		res.Kind = ChangeClosed
		return pos, res, nil
	}

	// Flip: reopen the remainder on the other side at the fill price.
	added := openingMargin(f, remainder, pos.Leverage, params)
	pos.Side = fillSide
	pos.Quantity = remainder
	pos.EntryPrice = f.Price
	pos.Margin = added
	res.Kind = ChangeFlipped
	res.MarginAdded = added
	return pos, res, nil
}

func openPosition(f *event.Fill, params InstrumentParams) (*Position, FillResult, error) {
	leverage := f.Leverage
	if leverage.IsZero() {
		leverage = one
	}
	margin := openingMargin(f, f.Quantity, leverage, params)

	pos := &Position{
		PositionID: f.PositionID,
		UserID:     f.UserID,
		Instrument: f.Instrument,
		Side:       f.Direction.Side(),
		Quantity:   f.Quantity,
		EntryPrice: f.Price,
		Leverage:   leverage,
		Margin:     margin,
		MarkPrice:  f.Price,
		CumFee:     f.Fee,
		Status:     StatusOpen,
		CreatedAt:  f.Timestamp,
		UpdatedAt:  f.Timestamp,
	}
	return pos, FillResult{
		Kind:           ChangeOpened,
		FilledQuantity: f.Quantity,
		MarginAdded:    margin,
		Fee:            f.Fee,
	}, nil
}

// openingMargin is the explicit allocation carried by the fill, or the
// initial margin at the position's leverage when none was given.
func openingMargin(f *event.Fill, qty, leverage decimal.Decimal, params InstrumentParams) decimal.Decimal {
	if f.Margin.IsPositive() {
		return f.Margin
	}
	if !leverage.IsPositive() {
		leverage = one
	}
	return fpmath.ComputeInitialMargin(f.Price, qty, params.ContractSize, leverage)
}

func validateFill(current *Position, f *event.Fill, params InstrumentParams) error {
	switch {
	case f.PositionID == "":
		return Reject(KindInvalidFill, current, "position_id is required")
	case f.Direction != event.DirectionBuy && f.Direction != event.DirectionSell:
		return Reject(KindInvalidFill, current, "unknown direction %s", f.Direction)
	case !f.Quantity.IsPositive():
		return Reject(KindInvalidFill, current, "quantity must be > 0, got %s", f.Quantity)
	case !f.Price.IsPositive():
		return Reject(KindInvalidFill, current, "price must be > 0, got %s", f.Price)
	case f.Fee.IsNegative():
		return Reject(KindInvalidFill, current, "fee must be >= 0, got %s", f.Fee)
	case f.Margin.IsNegative():
		return Reject(KindInvalidFill, current, "margin must be >= 0, got %s", f.Margin)
	case f.Leverage.IsNegative():
		return Reject(KindInvalidFill, current, "leverage must be >= 0, got %s", f.Leverage)
	}

	if current != nil {
		if f.Instrument != "" && f.Instrument != current.Instrument {
			return Reject(KindInvalidFill, current, "instrument %s does not match position instrument %s", f.Instrument, current.Instrument)
		}
		return nil
	}

	if f.Instrument == "" {
		return Reject(KindInvalidFill, nil, "instrument is required to open position %s", f.PositionID)
	}
	if f.Liquidation {
		return &RejectError{Kind: KindPositionNotFound, PositionID: f.PositionID, Reason: "liquidation fill for unknown position"}
	}
	if !f.Leverage.IsZero() {
		if f.Leverage.LessThan(one) {
			return Reject(KindInvalidFill, nil, "leverage must be >= 1, got %s", f.Leverage)
		}
		if !params.MaxLeverage.IsZero() && f.Leverage.GreaterThan(params.MaxLeverage) {
			return Reject(KindInvalidFill, nil, "leverage %s exceeds max %s", f.Leverage, params.MaxLeverage)
		}
	}
	return nil
}
