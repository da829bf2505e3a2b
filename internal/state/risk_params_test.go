package state_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PerpRisk/internal/state"
)

func TestValidateInstrumentParams(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *state.InstrumentParams)
		wantErr string
	}{
		{"valid", func(p *state.InstrumentParams) {}, ""},
		{"zero contract size", func(p *state.InstrumentParams) { p.ContractSize = d("0") }, "contract_size"},
		{"zero mmr", func(p *state.InstrumentParams) { p.MaintenanceMarginRate = d("0") }, "maintenance_margin_rate"},
		{"mmr of one", func(p *state.InstrumentParams) { p.MaintenanceMarginRate = d("1") }, "maintenance_margin_rate"},
		{"negative liq fee", func(p *state.InstrumentParams) { p.LiquidationFeeRate = d("-0.1") }, "liquidation_fee_rate"},
		{"imr below mmr", func(p *state.InstrumentParams) { p.InitialMarginRate = d("0.01") }, "initial_margin_rate"},
		{"max leverage below one", func(p *state.InstrumentParams) { p.MaxLeverage = d("0.5") }, "max_leverage"},
		{"missing instrument", func(p *state.InstrumentParams) { p.Instrument = "" }, "instrument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			err := state.ValidateInstrumentParams(&p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParamsRegistry_Versioning(t *testing.T) {
	r := state.NewParamsRegistry()

	before := r.Snapshot()
	if _, ok := before.Lookup("BTC-USDT-PERP"); ok {
		t.Fatal("empty registry should have no params")
	}

	v1, err := r.Publish(testParams())
	if err != nil || v1 != 1 {
		t.Fatalf("publish v1: version=%d err=%v", v1, err)
	}
	captured := r.Snapshot()

	updated := testParams()
	updated.MaintenanceMarginRate = d("0.1")
	v2, err := r.Publish(updated)
	if err != nil || v2 != 2 {
		t.Fatalf("publish v2: version=%d err=%v", v2, err)
	}

	old, _ := captured.Lookup("BTC-USDT-PERP")
	if !old.MaintenanceMarginRate.Equal(d("0.05")) || old.Version != 1 {
		t.Errorf("captured snapshot changed: %+v", old)
	}
	cur, _ := r.Snapshot().Lookup("BTC-USDT-PERP")
	if !cur.MaintenanceMarginRate.Equal(d("0.1")) || cur.Version != 2 {
		t.Errorf("current snapshot not updated: %+v", cur)
	}
	if _, ok := before.Lookup("BTC-USDT-PERP"); ok {
		t.Error("snapshot taken before publish must not see it")
	}

	bad := testParams()
	bad.ContractSize = d("0")
	if _, err := r.Publish(bad); err == nil {
		t.Error("invalid params must be rejected")
	}
}

func TestLoadInstrumentsFile(t *testing.T) {
	doc := `
instruments:
  - instrument: BTC-USDT-PERP
    contract_size: "1"
    maintenance_margin_rate: "0.005"
    liquidation_fee_rate: "0.0075"
    initial_margin_rate: "0.01"
    max_leverage: "100"
  - instrument: ETH-USDT-PERP
    contract_size: "0.1"
    maintenance_margin_rate: "0.01"
    liquidation_fee_rate: "0.01"
`
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	r := state.NewParamsRegistry()
	n, err := r.LoadInstrumentsFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 instruments, got %d", n)
	}

	eth, ok := r.Snapshot().Lookup("ETH-USDT-PERP")
	if !ok || !eth.ContractSize.Equal(d("0.1")) || !eth.MaxLeverage.IsZero() {
		t.Errorf("unexpected ETH params: %+v", eth)
	}
	if got := r.Snapshot().Instruments(); len(got) != 2 || got[0] != "BTC-USDT-PERP" {
		t.Errorf("unexpected instruments %v", got)
	}
}

func TestParseInstrumentsYAML_BadDecimal(t *testing.T) {
	_, err := state.ParseInstrumentsYAML([]byte("instruments:\n  - instrument: X\n    contract_size: abc\n"))
	if err == nil || !strings.Contains(err.Error(), "contract_size") {
		t.Fatalf("expected contract_size error, got %v", err)
	}
}
