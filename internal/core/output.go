package core

import (
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/state"

	"github.com/shopspring/decimal"
)

// PositionChanged is emitted for every committed mutation. Position is the
// full snapshot after the change.
type PositionChanged struct {
	Kind           state.ChangeKind
	Cause          event.EventType
	IdempotencyKey string
	Position       *state.Position
	FilledQuantity decimal.Decimal
	RealizedPnl    decimal.Decimal
	MarginAdded    decimal.Decimal
	MarginReleased decimal.Decimal
	Fee            decimal.Decimal
	FundingPayment decimal.Decimal
	OccurredAt     time.Time
}

// CoreOutput carries exactly one of Change or Intent to the persistence and
// projection stages.
type CoreOutput struct {
	Change *PositionChanged
	Intent *event.LiquidationIntent
}

// Outcome is how an event was resolved.
type Outcome int32

const (
	OutcomeApplied   Outcome = iota
	OutcomeDuplicate         // Already applied, acknowledged as success
	OutcomeBuffered          // Waiting for an earlier sequence number
	OutcomeIgnored           // Nothing to do, e.g. a stale tick
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Result is the resolution of one submitted event.
type Result struct {
	Outcome  Outcome
	Position *state.Position // Authoritative snapshot after the event, nil if none
	Changes  []*PositionChanged
	Intents  []*event.LiquidationIntent
}

// Completion receives the final resolution of a submitted event. It is
// invoked exactly once per submission.
type Completion func(Result, error)
