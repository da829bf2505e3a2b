package state_test

import (
	"testing"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testUser = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testParams() state.InstrumentParams {
	return state.InstrumentParams{
		Instrument:            "BTC-USDT-PERP",
		ContractSize:          d("1"),
		MaintenanceMarginRate: d("0.05"),
		LiquidationFeeRate:    d("0.01"),
		Version:               1,
	}
}

func mustFill(dir event.Direction, qty, price string, seq int64) *event.Fill {
	return &event.Fill{
		PositionID: "pos-1",
		UserID:     testUser,
		Instrument: "BTC-USDT-PERP",
		Direction:  dir,
		Quantity:   d(qty),
		Price:      d(price),
		Fee:        decimal.Zero,
		Sequence:   seq,
		Timestamp:  time.UnixMicro(1_000_000 + seq*1000),
	}
}

func mustApply(t *testing.T, current *state.Position, f *event.Fill) (*state.Position, state.FillResult) {
	t.Helper()
	pos, res, err := state.ApplyFill(current, f, testParams())
	if err != nil {
		t.Fatalf("apply fill seq=%d: %v", f.Sequence, err)
	}
	return pos, res
}
