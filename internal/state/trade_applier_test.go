package state_test

import (
	"errors"
	"testing"

	"PerpRisk/internal/event"
	"PerpRisk/internal/state"
)

// ============================================================================
// Open / increase
// ============================================================================

func TestApplyFill_OpenLong(t *testing.T) {
	f := mustFill(event.DirectionBuy, "2", "100", 1)
	f.Margin = d("20")
	f.Fee = d("0.1")

	pos, res := mustApply(t, nil, f)

	if res.Kind != state.ChangeOpened {
		t.Errorf("expected OPENED, got %s", res.Kind)
	}
	if pos.Side != event.SideLong || !pos.Quantity.Equal(d("2")) || !pos.EntryPrice.Equal(d("100")) {
		t.Errorf("unexpected position: side=%s qty=%s entry=%s", pos.Side, pos.Quantity, pos.EntryPrice)
	}
	if !pos.Margin.Equal(d("20")) {
		t.Errorf("expected margin 20, got %s", pos.Margin)
	}
	if !pos.CumFee.Equal(d("0.1")) {
		t.Errorf("expected cum fee 0.1, got %s", pos.CumFee)
	}
	if pos.Status != state.StatusOpen {
		t.Errorf("expected OPEN, got %s", pos.Status)
	}
}

func TestApplyFill_WeightedEntry(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "10", "100", 1))
	pos, res := mustApply(t, pos, mustFill(event.DirectionBuy, "10", "200", 2))

	if res.Kind != state.ChangeIncreased {
		t.Errorf("expected INCREASED, got %s", res.Kind)
	}
	if !pos.EntryPrice.Equal(d("150")) {
		t.Errorf("expected entry 150, got %s", pos.EntryPrice)
	}
	if !pos.Quantity.Equal(d("20")) {
		t.Errorf("expected qty 20, got %s", pos.Quantity)
	}
}

func TestApplyFill_DerivedMarginFromLeverage(t *testing.T) {
	f := mustFill(event.DirectionSell, "2", "100", 1)
	f.Leverage = d("10")

	pos, _ := mustApply(t, nil, f)

	// 100 * 2 * 1 / 10
	if !pos.Margin.Equal(d("20")) {
		t.Errorf("expected derived margin 20, got %s", pos.Margin)
	}
	if pos.Side != event.SideShort {
		t.Errorf("expected SHORT, got %s", pos.Side)
	}
}

// ============================================================================
// Reduce / close / flip
// ============================================================================

func TestApplyFill_ReduceRealizesAtFillPrice(t *testing.T) {
	open := mustFill(event.DirectionBuy, "4", "100", 1)
	open.Margin = d("40")
	pos, _ := mustApply(t, nil, open)

	pos, res := mustApply(t, pos, mustFill(event.DirectionSell, "1", "120", 2))

	if res.Kind != state.ChangeDecreased {
		t.Errorf("expected DECREASED, got %s", res.Kind)
	}
	if !res.RealizedPnl.Equal(d("20")) || !pos.CumRealizedPnl.Equal(d("20")) {
		t.Errorf("expected realized 20, got %s (cum %s)", res.RealizedPnl, pos.CumRealizedPnl)
	}
	if !pos.EntryPrice.Equal(d("100")) {
		t.Errorf("entry must not change on reduce, got %s", pos.EntryPrice)
	}
	if !pos.Quantity.Equal(d("3")) {
		t.Errorf("expected qty 3, got %s", pos.Quantity)
	}
	if !res.MarginReleased.Equal(d("10")) || !pos.Margin.Equal(d("30")) {
		t.Errorf("expected 10 released and 30 left, got %s / %s", res.MarginReleased, pos.Margin)
	}
}

func TestApplyFill_Close(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionSell, "2", "100", 1))
	closeFill := mustFill(event.DirectionBuy, "2", "90", 2)
	pos, res := mustApply(t, pos, closeFill)

	if res.Kind != state.ChangeClosed {
		t.Fatalf("expected CLOSED, got %s", res.Kind)
	}
	if pos.Status != state.StatusClosed || !pos.Quantity.IsZero() {
		t.Errorf("expected closed flat position, got status=%s qty=%s", pos.Status, pos.Quantity)
	}
	if pos.ClosedAt == nil || !pos.ClosedAt.Equal(closeFill.Timestamp) {
		t.Errorf("expected closed_at %v, got %v", closeFill.Timestamp, pos.ClosedAt)
	}
	if !pos.CumRealizedPnl.Equal(d("20")) {
		t.Errorf("expected realized 20, got %s", pos.CumRealizedPnl)
	}
	if !pos.Margin.IsZero() {
		t.Errorf("expected all margin released, got %s", pos.Margin)
	}
	if err := pos.Validate(); err != nil {
		t.Errorf("closed position invalid: %v", err)
	}
}

func TestApplyFill_Flip(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "5", "100", 1))
	pos, res := mustApply(t, pos, mustFill(event.DirectionSell, "8", "110", 2))

	if res.Kind != state.ChangeFlipped {
		t.Fatalf("expected FLIPPED, got %s", res.Kind)
	}
	if pos.Side != event.SideShort {
		t.Errorf("expected SHORT, got %s", pos.Side)
	}
	if !pos.Quantity.Equal(d("3")) {
		t.Errorf("expected qty 3, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(d("110")) {
		t.Errorf("expected entry 110 (no blending), got %s", pos.EntryPrice)
	}
	if !pos.CumRealizedPnl.Equal(d("50")) {
		t.Errorf("expected realized 50, got %s", pos.CumRealizedPnl)
	}
	if pos.Status != state.StatusOpen || pos.ClosedAt != nil {
		t.Errorf("flipped position must be OPEN without closed_at, got %s %v", pos.Status, pos.ClosedAt)
	}
}

func TestApplyFill_FlipResetsReservation(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "5", "100", 1))
	pos, err := state.ReserveForClose(pos, d("4"), pos.UpdatedAt)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	pos, _ = mustApply(t, pos, mustFill(event.DirectionSell, "6", "100", 2))

	if !pos.ClosingReservedQuantity.IsZero() {
		t.Errorf("expected reservation reset on flip, got %s", pos.ClosingReservedQuantity)
	}
}

func TestApplyFill_ReduceShrinksReservation(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "5", "100", 1))
	pos, _ = state.ReserveForClose(pos, d("3"), pos.UpdatedAt)
	pos, _ = mustApply(t, pos, mustFill(event.DirectionSell, "2", "100", 2))

	if !pos.ClosingReservedQuantity.Equal(d("1")) {
		t.Errorf("expected reserved 1, got %s", pos.ClosingReservedQuantity)
	}
	if err := pos.Validate(); err != nil {
		t.Errorf("invalid: %v", err)
	}
}

// Opening and closing at the same price realizes nothing.
func TestApplyFill_Conservation(t *testing.T) {
	for _, dir := range []event.Direction{event.DirectionBuy, event.DirectionSell} {
		other := event.DirectionSell
		if dir == event.DirectionSell {
			other = event.DirectionBuy
		}
		pos, _ := mustApply(t, nil, mustFill(dir, "3.5", "2500.75", 1))
		pos, _ = mustApply(t, pos, mustFill(other, "1.5", "2500.75", 2))
		pos, _ = mustApply(t, pos, mustFill(other, "2", "2500.75", 3))

		if !pos.CumRealizedPnl.IsZero() {
			t.Errorf("%s: expected zero realized PnL, got %s", dir, pos.CumRealizedPnl)
		}
		if pos.Status != state.StatusClosed {
			t.Errorf("%s: expected CLOSED, got %s", dir, pos.Status)
		}
	}
}

func TestApplyFill_FeesMonotonic(t *testing.T) {
	fills := []*event.Fill{
		mustFill(event.DirectionBuy, "1", "100", 1),
		mustFill(event.DirectionBuy, "1", "101", 2),
		mustFill(event.DirectionSell, "3", "99", 3),
		mustFill(event.DirectionBuy, "1", "98", 4),
	}
	fees := []string{"0.5", "0", "0.25", "1"}

	var pos *state.Position
	last := d("0")
	for i, f := range fills {
		f.Fee = d(fees[i])
		pos, _ = mustApply(t, pos, f)
		if pos.CumFee.LessThan(last) {
			t.Fatalf("cum fee decreased at fill %d: %s < %s", i, pos.CumFee, last)
		}
		last = pos.CumFee
	}
	if !last.Equal(d("1.75")) {
		t.Errorf("expected cum fee 1.75, got %s", last)
	}
}

// ============================================================================
// Rejections
// ============================================================================

func TestApplyFill_InvalidFill(t *testing.T) {
	base, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "1", "100", 1))

	cases := map[string]func(f *event.Fill){
		"zero quantity":     func(f *event.Fill) { f.Quantity = d("0") },
		"negative quantity": func(f *event.Fill) { f.Quantity = d("-1") },
		"zero price":        func(f *event.Fill) { f.Price = d("0") },
		"negative fee":      func(f *event.Fill) { f.Fee = d("-0.01") },
		"negative margin":   func(f *event.Fill) { f.Margin = d("-1") },
		"wrong instrument":  func(f *event.Fill) { f.Instrument = "ETH-USDT-PERP" },
		"no direction":      func(f *event.Fill) { f.Direction = event.DirectionUnknown },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := mustFill(event.DirectionBuy, "1", "100", 2)
			mutate(f)
			_, _, err := state.ApplyFill(base, f, testParams())
			if !errors.Is(err, state.ErrInvalidFill) {
				t.Fatalf("expected InvalidFill, got %v", err)
			}
			var re *state.RejectError
			if !errors.As(err, &re) || re.Snapshot == nil {
				t.Fatalf("expected rejection with snapshot, got %v", err)
			}
			if !re.Snapshot.Quantity.Equal(base.Quantity) {
				t.Errorf("snapshot should be the unchanged position")
			}
		})
	}
}

func TestApplyFill_ClosedNotTradable(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "1", "100", 1))
	pos, _ = mustApply(t, pos, mustFill(event.DirectionSell, "1", "100", 2))

	_, _, err := state.ApplyFill(pos, mustFill(event.DirectionBuy, "1", "100", 3), testParams())
	if !errors.Is(err, state.ErrPositionNotTradable) {
		t.Fatalf("expected PositionNotTradable, got %v", err)
	}
}

func TestApplyFill_LiquidatingIsReduceOnly(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "2", "100", 1))
	pos.Status = state.StatusLiquidating

	if _, _, err := state.ApplyFill(pos, mustFill(event.DirectionBuy, "1", "100", 2), testParams()); !errors.Is(err, state.ErrPositionNotTradable) {
		t.Errorf("increase while liquidating: expected PositionNotTradable, got %v", err)
	}
	if _, _, err := state.ApplyFill(pos, mustFill(event.DirectionSell, "3", "100", 2), testParams()); !errors.Is(err, state.ErrPositionNotTradable) {
		t.Errorf("flip while liquidating: expected PositionNotTradable, got %v", err)
	}

	f := mustFill(event.DirectionSell, "1", "95", 2)
	f.Liquidation = true
	next, res := mustApply(t, pos, f)
	if res.Kind != state.ChangeDecreased || next.Status != state.StatusLiquidating {
		t.Errorf("partial liquidation fill: got %s / %s", res.Kind, next.Status)
	}

	f = mustFill(event.DirectionSell, "1", "95", 3)
	f.Liquidation = true
	next, res = mustApply(t, next, f)
	if res.Kind != state.ChangeClosed || next.Status != state.StatusClosed {
		t.Errorf("final liquidation fill: got %s / %s", res.Kind, next.Status)
	}
}

func TestApplyFill_LeverageLimits(t *testing.T) {
	params := testParams()
	params.MaxLeverage = d("20")

	f := mustFill(event.DirectionBuy, "1", "100", 1)
	f.Leverage = d("25")
	if _, _, err := state.ApplyFill(nil, f, params); !errors.Is(err, state.ErrInvalidFill) {
		t.Errorf("leverage above max: expected InvalidFill, got %v", err)
	}

	f.Leverage = d("0.5")
	if _, _, err := state.ApplyFill(nil, f, params); !errors.Is(err, state.ErrInvalidFill) {
		t.Errorf("leverage below 1: expected InvalidFill, got %v", err)
	}
}

func TestApplyFill_LiquidationFillUnknownPosition(t *testing.T) {
	f := mustFill(event.DirectionSell, "1", "100", 1)
	f.Liquidation = true
	if _, _, err := state.ApplyFill(nil, f, testParams()); !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("expected PositionNotFound, got %v", err)
	}
}

func TestApplyFill_DoesNotMutateInput(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "1", "100", 1))
	before := pos.Clone()

	mustApply(t, pos, mustFill(event.DirectionBuy, "1", "200", 2))

	if !pos.Quantity.Equal(before.Quantity) || !pos.EntryPrice.Equal(before.EntryPrice) {
		t.Errorf("input position was mutated")
	}
}
