package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarkTick is a mark price observation for one instrument.
type MarkTick struct {
	Instrument string
	MarkPrice  decimal.Decimal
	CapturedAt time.Time
}

func (m *MarkTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:mark:%d", m.Instrument, m.CapturedAt.UnixNano())
}

func (m *MarkTick) EventType() EventType {
	return EventTypeMarkTick
}

func (m *MarkTick) TargetInstrument() string {
	return m.Instrument
}
