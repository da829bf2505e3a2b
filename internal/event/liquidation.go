package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationIntent asks the execution layer to force-close a position.
// The engine only emits it; execution comes back as liquidation fills.
type LiquidationIntent struct {
	IntentID              uuid.UUID
	PositionID            string
	UserID                uuid.UUID
	Instrument            string
	Side                  Side
	Quantity              decimal.Decimal
	ReferencePrice        decimal.Decimal // Mark price at trigger time
	LiquidationFeeRate    decimal.Decimal
	MarginRatio           decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	ParamsVersion         int64
	Sequence              int64 // Position sequence at trigger time
	TriggeredAt           time.Time
}

func (l *LiquidationIntent) IdempotencyKey() string {
	return l.IntentID.String()
}

func (l *LiquidationIntent) EventType() EventType {
	return EventTypeLiquidationIntent
}

func (l *LiquidationIntent) TargetPosition() string {
	return l.PositionID
}
