package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill is an executed trade against one position, produced by the matching
// engine. Sequence is strictly increasing per position, starting at 1.
type Fill struct {
	FillID     string // Upstream trade id, informational
	PositionID string
	UserID     uuid.UUID
	Instrument string
	Direction  Direction
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	// Margin is the collateral allocated to the opening leg of this fill.
	// Zero means derive it from leverage.
	Margin decimal.Decimal
	// Leverage applies only when the fill creates the position. Zero means 1.
	Leverage    decimal.Decimal
	Sequence    int64
	Liquidation bool
	Timestamp   time.Time // Versioned input timestamp (NOT wall-clock)
}

func (f *Fill) IdempotencyKey() string {
	return fmt.Sprintf("%s:fill:%d", f.PositionID, f.Sequence)
}

func (f *Fill) EventType() EventType {
	return EventTypeFill
}

func (f *Fill) TargetPosition() string {
	return f.PositionID
}
