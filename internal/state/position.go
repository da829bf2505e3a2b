package state

import (
	"fmt"
	"time"

	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the position lifecycle state.
type Status int32

const (
	StatusOpen Status = iota
	StatusLiquidating
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusLiquidating:
		return "LIQUIDATING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "OPEN":
		return StatusOpen, nil
	case "LIQUIDATING":
		return StatusLiquidating, nil
	case "CLOSED":
		return StatusClosed, nil
	default:
		return StatusOpen, fmt.Errorf("unknown position status %q", s)
	}
}

var statusTransitions = map[Status][]Status{
	StatusOpen: {
		StatusLiquidating,
		StatusClosed,
	},
	StatusLiquidating: {
		StatusClosed,
	},
	StatusClosed: {
		// Terminal state
	},
}

// CanTransitionTo validates lifecycle transitions. There is no way back from
// LIQUIDATING to OPEN.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is the authoritative state of one leveraged position.
type Position struct {
	PositionID              string
	UserID                  uuid.UUID
	Instrument              string
	Side                    event.Side
	Quantity                decimal.Decimal
	ClosingReservedQuantity decimal.Decimal
	EntryPrice              decimal.Decimal
	Leverage                decimal.Decimal
	Margin                  decimal.Decimal

	// Derived on every valuation.
	MarkPrice        decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	MarginRatio      decimal.Decimal
	LiquidationPrice *decimal.Decimal // nil when quantity is zero

	CumRealizedPnl decimal.Decimal
	CumFee         decimal.Decimal
	CumFundingFee  decimal.Decimal

	Status           Status
	Sequence         int64 // Last applied fill sequence
	Version          int64 // Bumped on every committed mutation
	ParamsVersion    int64 // Instrument params used by the last valuation
	LastFundingEpoch int64
	LastMarkAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
	StateHash        [32]byte
}

// Clone returns a deep copy safe to mutate.
func (p *Position) Clone() *Position {
	c := *p
	if p.LiquidationPrice != nil {
		lp := *p.LiquidationPrice
		c.LiquidationPrice = &lp
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.Side == event.SideFlat || p.Quantity.IsZero()
}

// SideSign maps the position side onto the formula sign.
func (p *Position) SideSign() fpmath.SideSign {
	if p.Side == event.SideShort {
		return fpmath.Short
	}
	return fpmath.Long
}

// AvailableQuantity is the quantity not earmarked for pending closes.
func (p *Position) AvailableQuantity() decimal.Decimal {
	return p.Quantity.Sub(p.ClosingReservedQuantity)
}

// Validate checks the invariants every committed position must satisfy.
func (p *Position) Validate() error {
	switch {
	case p.Quantity.IsNegative():
		return fmt.Errorf("position %s: negative quantity %s", p.PositionID, p.Quantity)
	case p.Quantity.IsZero() != (p.Status == StatusClosed):
		return fmt.Errorf("position %s: quantity %s inconsistent with status %s", p.PositionID, p.Quantity, p.Status)
	case p.ClosingReservedQuantity.IsNegative() || p.ClosingReservedQuantity.GreaterThan(p.Quantity):
		return fmt.Errorf("position %s: reserved %s outside [0, %s]", p.PositionID, p.ClosingReservedQuantity, p.Quantity)
	case p.CumFee.IsNegative():
		return fmt.Errorf("position %s: negative cumulative fee", p.PositionID)
	case p.CumFundingFee.IsNegative():
		return fmt.Errorf("position %s: negative cumulative funding fee", p.PositionID)
	case p.Status != StatusClosed && !p.EntryPrice.IsPositive():
		return fmt.Errorf("position %s: non-positive entry price %s", p.PositionID, p.EntryPrice)
	case p.Status != StatusClosed && p.Side == event.SideFlat:
		return fmt.Errorf("position %s: open position without side", p.PositionID)
	case (p.Status == StatusClosed) != (p.ClosedAt != nil):
		return fmt.Errorf("position %s: closed_at inconsistent with status %s", p.PositionID, p.Status)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = appendString(buf, p.PositionID)
	buf = append(buf, p.UserID[:]...)
	buf = appendString(buf, p.Instrument)
	buf = append(buf, byte(p.Side))

	for _, d := range []decimal.Decimal{
		p.Quantity,
		p.ClosingReservedQuantity,
		p.EntryPrice,
		p.Leverage,
		p.Margin,
		p.MarkPrice,
		p.CumRealizedPnl,
		p.CumFee,
		p.CumFundingFee,
	} {
		buf = appendString(buf, d.String())
	}

	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.Sequence)
	buf = appendInt64LE(buf, p.Version)
	buf = appendInt64LE(buf, p.LastFundingEpoch)

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
