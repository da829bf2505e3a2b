package math_test

import (
	"testing"

	fpmath "PerpRisk/internal/math"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeAvgEntryPrice(t *testing.T) {
	tests := []struct {
		name                               string
		oldQty, oldEntry, qty, price, want string
	}{
		{"flat takes fill price", "0", "0", "3", "101.5", "101.5"},
		{"equal weights", "10", "100", "10", "200", "150"},
		{"uneven weights", "1", "100", "3", "200", "175"},
		{"fractional", "0.5", "30000", "1.5", "31000", "30750"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.ComputeAvgEntryPrice(d(tt.oldQty), d(tt.oldEntry), d(tt.qty), d(tt.price))
			if !got.Equal(d(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestComputeRealizedPnL(t *testing.T) {
	// Long gains when price rises, short gains when it falls.
	if got := fpmath.ComputeRealizedPnL(fpmath.Long, d("110"), d("100"), d("5"), d("1")); !got.Equal(d("50")) {
		t.Errorf("long: expected 50, got %s", got)
	}
	if got := fpmath.ComputeRealizedPnL(fpmath.Short, d("110"), d("100"), d("5"), d("1")); !got.Equal(d("-50")) {
		t.Errorf("short: expected -50, got %s", got)
	}
	if got := fpmath.ComputeRealizedPnL(fpmath.Short, d("90"), d("100"), d("2"), d("0.01")); !got.Equal(d("0.2")) {
		t.Errorf("short with contract size: expected 0.2, got %s", got)
	}
}

func TestComputeMarginRatio_ZeroNotional(t *testing.T) {
	if got := fpmath.ComputeMarginRatio(d("10"), d("0"), decimal.Zero); !got.IsZero() {
		t.Errorf("expected 0 for zero notional, got %s", got)
	}
}

func TestComputeLiquidationPrice_ZeroQuantity(t *testing.T) {
	_, err := fpmath.ComputeLiquidationPrice(fpmath.Long, d("100"), d("5"), decimal.Zero, d("1"), d("0.05"))
	if err != fpmath.ErrZeroQuantity {
		t.Fatalf("expected ErrZeroQuantity, got %v", err)
	}
}

func TestComputeLiquidationPrice_Known(t *testing.T) {
	// LONG qty 1, cs 1, entry 100, margin 5, mmr 0.05:
	// (100 - 5) / 0.95 = 100
	got, err := fpmath.ComputeLiquidationPrice(fpmath.Long, d("100"), d("5"), d("1"), d("1"), d("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("100")) {
		t.Errorf("expected 100, got %s", got)
	}

	// SHORT mirror: (100 + 5) / 1.05 = 100
	got, err = fpmath.ComputeLiquidationPrice(fpmath.Short, d("100"), d("5"), d("1"), d("1"), d("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("100")) {
		t.Errorf("expected 100, got %s", got)
	}
}

// At the liquidation price the margin ratio equals the maintenance rate.
func TestLiquidationPriceIdentity(t *testing.T) {
	tolerance := d("0.000000001")
	cases := []struct {
		sign                        fpmath.SideSign
		entry, margin, qty, cs, mmr string
	}{
		{fpmath.Long, "100", "5", "1", "1", "0.05"},
		{fpmath.Long, "30000", "1500", "2", "1", "0.005"},
		{fpmath.Long, "1850.25", "37", "10", "0.1", "0.01"},
		{fpmath.Long, "0.5", "40", "1000", "1", "0.025"},
		{fpmath.Short, "100", "5", "1", "1", "0.05"},
		{fpmath.Short, "30000", "1500", "2", "1", "0.005"},
		{fpmath.Short, "1850.25", "37", "10", "0.1", "0.01"},
		{fpmath.Short, "0.5", "40", "1000", "1", "0.025"},
	}

	for _, c := range cases {
		entry, margin, qty, cs, mmr := d(c.entry), d(c.margin), d(c.qty), d(c.cs), d(c.mmr)

		liq, err := fpmath.ComputeLiquidationPrice(c.sign, entry, margin, qty, cs, mmr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		upnl := fpmath.ComputeUnrealizedPnL(c.sign, liq, entry, qty, cs)
		notional := fpmath.ComputeNotional(liq, qty, cs)
		ratio := fpmath.ComputeMarginRatio(margin, upnl, notional)

		if diff := ratio.Sub(mmr).Abs(); diff.GreaterThan(tolerance) {
			t.Errorf("sign=%d entry=%s margin=%s qty=%s: ratio at liq %s = %s, want %s",
				c.sign, c.entry, c.margin, c.qty, liq, ratio, mmr)
		}
	}
}

func TestComputeProportionalRelease(t *testing.T) {
	if got := fpmath.ComputeProportionalRelease(d("30"), d("1"), d("3")); !got.Equal(d("10")) {
		t.Errorf("expected 10, got %s", got)
	}
	if got := fpmath.ComputeProportionalRelease(d("30"), d("3"), d("3")); !got.Equal(d("30")) {
		t.Errorf("full close should release everything, got %s", got)
	}
}

func TestComputeFundingPayment(t *testing.T) {
	// notional = 100 * 2 * 1 = 200; rate 0.001 -> 0.2
	if got := fpmath.ComputeFundingPayment(fpmath.Long, d("0.001"), d("100"), d("2"), d("1")); !got.Equal(d("0.2")) {
		t.Errorf("long pays positive rate: expected 0.2, got %s", got)
	}
	if got := fpmath.ComputeFundingPayment(fpmath.Short, d("0.001"), d("100"), d("2"), d("1")); !got.Equal(d("-0.2")) {
		t.Errorf("short receives positive rate: expected -0.2, got %s", got)
	}
	if got := fpmath.ComputeFundingPayment(fpmath.Short, d("-0.001"), d("100"), d("2"), d("1")); !got.Equal(d("0.2")) {
		t.Errorf("short pays negative rate: expected 0.2, got %s", got)
	}
}
