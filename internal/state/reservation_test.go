package state_test

import (
	"errors"
	"testing"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/state"
)

func TestReserveForClose(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "5", "100", 1))
	at := time.Unix(10, 0)

	pos, err := state.ReserveForClose(pos, d("3"), at)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !pos.AvailableQuantity().Equal(d("2")) {
		t.Errorf("expected available 2, got %s", pos.AvailableQuantity())
	}

	_, err = state.ReserveForClose(pos, d("2.5"), at)
	if !errors.Is(err, state.ErrInsufficientAvailable) {
		t.Fatalf("expected InsufficientAvailable, got %v", err)
	}

	pos, err = state.ReleaseReservation(pos, d("10"), at)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !pos.ClosingReservedQuantity.IsZero() {
		t.Errorf("over-release should floor at zero, got %s", pos.ClosingReservedQuantity)
	}
}

func TestReserveForClose_Closed(t *testing.T) {
	pos, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "1", "100", 1))
	pos, _ = mustApply(t, pos, mustFill(event.DirectionSell, "1", "100", 2))

	if _, err := state.ReserveForClose(pos, d("1"), time.Now()); !errors.Is(err, state.ErrPositionNotTradable) {
		t.Errorf("expected PositionNotTradable, got %v", err)
	}
}

func TestApplyFunding(t *testing.T) {
	long, _ := mustApply(t, nil, mustFill(event.DirectionBuy, "2", "100", 1))
	charge := &event.FundingCharge{
		Instrument: "BTC-USDT-PERP",
		EpochID:    7,
		Rate:       d("0.001"),
		MarkPrice:  d("100"),
		Timestamp:  time.Unix(20, 0),
	}

	next, res, ok := state.ApplyFunding(long, charge, testParams())
	if !ok {
		t.Fatal("expected funding to apply")
	}
	if !res.Payment.Equal(d("0.2")) || !next.CumFundingFee.Equal(d("0.2")) {
		t.Errorf("expected long to pay 0.2, got payment=%s cum=%s", res.Payment, next.CumFundingFee)
	}

	if _, _, ok := state.ApplyFunding(next, charge, testParams()); ok {
		t.Error("same epoch must not be charged twice")
	}

	short, _ := mustApply(t, nil, mustFill(event.DirectionSell, "2", "100", 1))
	next, res, _ = state.ApplyFunding(short, charge, testParams())
	if !res.Payment.Equal(d("-0.2")) {
		t.Errorf("expected short to receive 0.2, got %s", res.Payment)
	}
	if !next.CumFundingFee.IsZero() {
		t.Errorf("receipts must not touch cum funding fee, got %s", next.CumFundingFee)
	}
}
