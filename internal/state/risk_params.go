package state

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// InstrumentParams defines contract size and margin requirements per instrument.
type InstrumentParams struct {
	Instrument            string
	ContractSize          decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	LiquidationFeeRate    decimal.Decimal
	InitialMarginRate     decimal.Decimal // Zero: not enforced
	MaxLeverage           decimal.Decimal // Zero: no cap
	Version               int64           // Assigned by the registry on publish
}

var one = decimal.NewFromInt(1)

// ValidateInstrumentParams checks that parameters are within valid ranges:
// contract_size > 0, 0 < mm < 1, 0 <= liq_fee < 1, mm < im < 1 when im is
// set, max_leverage >= 1 when set.
func ValidateInstrumentParams(p *InstrumentParams) error {
	if p.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if !p.ContractSize.IsPositive() {
		return fmt.Errorf("contract_size must be > 0, got %s", p.ContractSize)
	}
	if !p.MaintenanceMarginRate.IsPositive() || p.MaintenanceMarginRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("maintenance_margin_rate must be in (0, 1), got %s", p.MaintenanceMarginRate)
	}
	if p.LiquidationFeeRate.IsNegative() || p.LiquidationFeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("liquidation_fee_rate must be in [0, 1), got %s", p.LiquidationFeeRate)
	}
	if !p.InitialMarginRate.IsZero() {
		if p.InitialMarginRate.LessThanOrEqual(p.MaintenanceMarginRate) {
			return fmt.Errorf("initial_margin_rate (%s) must be > maintenance_margin_rate (%s)",
				p.InitialMarginRate, p.MaintenanceMarginRate)
		}
		if p.InitialMarginRate.GreaterThanOrEqual(one) {
			return fmt.Errorf("initial_margin_rate must be < 1, got %s", p.InitialMarginRate)
		}
	}
	if !p.MaxLeverage.IsZero() && p.MaxLeverage.LessThan(one) {
		return fmt.Errorf("max_leverage must be >= 1, got %s", p.MaxLeverage)
	}
	return nil
}

// ParamsSnapshot is an immutable view of every instrument's parameters.
// Events capture one at intake and use it for their whole evaluation.
type ParamsSnapshot struct {
	params map[string]InstrumentParams
}

// Lookup returns the parameters for instrument.
func (s *ParamsSnapshot) Lookup(instrument string) (InstrumentParams, bool) {
	if s == nil {
		return InstrumentParams{}, false
	}
	p, ok := s.params[instrument]
	return p, ok
}

// Instruments returns the configured instrument ids in sorted order.
func (s *ParamsSnapshot) Instruments() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.params))
	for k := range s.params {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParamsRegistry publishes versioned parameter snapshots. Readers never
// block; writers copy the table.
type ParamsRegistry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[ParamsSnapshot]
}

func NewParamsRegistry() *ParamsRegistry {
	r := &ParamsRegistry{}
	r.current.Store(&ParamsSnapshot{params: map[string]InstrumentParams{}})
	return r
}

// Snapshot returns the current immutable snapshot.
func (r *ParamsRegistry) Snapshot() *ParamsSnapshot {
	return r.current.Load()
}

// Publish validates p and installs it as the newest version for its
// instrument. The assigned version is returned.
func (r *ParamsRegistry) Publish(p InstrumentParams) (int64, error) {
	if err := ValidateInstrumentParams(&p); err != nil {
		return 0, fmt.Errorf("invalid instrument params for %s: %w", p.Instrument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := make(map[string]InstrumentParams, len(old.params)+1)
	for k, v := range old.params {
		next[k] = v
	}
	p.Version = old.params[p.Instrument].Version + 1
	next[p.Instrument] = p
	r.current.Store(&ParamsSnapshot{params: next})
	return p.Version, nil
}

// instrumentFile is the YAML layout of the instrument parameter file:
//
//	instruments:
//	  - instrument: BTC-USDT-PERP
//	    contract_size: "1"
//	    maintenance_margin_rate: "0.005"
//	    liquidation_fee_rate: "0.0075"
type instrumentFile struct {
	Instruments []instrumentEntry `yaml:"instruments"`
}

type instrumentEntry struct {
	Instrument            string `yaml:"instrument"`
	ContractSize          string `yaml:"contract_size"`
	MaintenanceMarginRate string `yaml:"maintenance_margin_rate"`
	LiquidationFeeRate    string `yaml:"liquidation_fee_rate"`
	InitialMarginRate     string `yaml:"initial_margin_rate"`
	MaxLeverage           string `yaml:"max_leverage"`
}

// ParseInstrumentsYAML decodes an instrument parameter document.
func ParseInstrumentsYAML(data []byte) ([]InstrumentParams, error) {
	var doc instrumentFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode instruments yaml: %w", err)
	}

	out := make([]InstrumentParams, 0, len(doc.Instruments))
	for i, e := range doc.Instruments {
		p := InstrumentParams{Instrument: e.Instrument}
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"contract_size", e.ContractSize, &p.ContractSize},
			{"maintenance_margin_rate", e.MaintenanceMarginRate, &p.MaintenanceMarginRate},
			{"liquidation_fee_rate", e.LiquidationFeeRate, &p.LiquidationFeeRate},
			{"initial_margin_rate", e.InitialMarginRate, &p.InitialMarginRate},
			{"max_leverage", e.MaxLeverage, &p.MaxLeverage},
		}
		for _, f := range fields {
			if f.raw == "" {
				continue
			}
			d, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("instruments[%d].%s: %w", i, f.name, err)
			}
			*f.dst = d
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadInstrumentsFile reads path and publishes every instrument it contains.
func (r *ParamsRegistry) LoadInstrumentsFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read instruments file: %w", err)
	}
	params, err := ParseInstrumentsYAML(data)
	if err != nil {
		return 0, err
	}
	for _, p := range params {
		if _, err := r.Publish(p); err != nil {
			return 0, err
		}
	}
	return len(params), nil
}
