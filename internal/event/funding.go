package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FundingCharge settles one funding epoch for every open position of an
// instrument. Each position is charged at most once per epoch.
type FundingCharge struct {
	Instrument string
	EpochID    int64
	Rate       decimal.Decimal // Positive: longs pay shorts
	MarkPrice  decimal.Decimal
	Timestamp  time.Time
}

func (f *FundingCharge) IdempotencyKey() string {
	return fmt.Sprintf("funding:%s:%d", f.Instrument, f.EpochID)
}

func (f *FundingCharge) EventType() EventType {
	return EventTypeFundingCharge
}

func (f *FundingCharge) TargetInstrument() string {
	return f.Instrument
}
