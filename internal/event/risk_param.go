package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RiskParamUpdate publishes a new parameter set for one instrument. It
// affects only events submitted after it is applied.
type RiskParamUpdate struct {
	Instrument            string
	ContractSize          decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	InitialMarginRate     decimal.Decimal
	LiquidationFeeRate    decimal.Decimal
	MaxLeverage           decimal.Decimal
	Timestamp             time.Time
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%s:%d", r.Instrument, r.Timestamp.UnixNano())
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) TargetInstrument() string {
	return r.Instrument
}
