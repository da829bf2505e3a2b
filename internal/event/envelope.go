package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeFill
	EventTypeMarkTick
	EventTypeRiskParamUpdate
	EventTypeReserveClose
	EventTypeReleaseReservation
	EventTypeFundingCharge
	EventTypeLiquidationIntent
)

// Event is the interface all inbound payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

// PositionEvent targets exactly one position and is executed on that
// position's owner.
type PositionEvent interface {
	Event
	TargetPosition() string
}

// InstrumentEvent fans out to every position of one instrument.
type InstrumentEvent interface {
	Event
	TargetInstrument() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeFill:
		return "Fill"
	case EventTypeMarkTick:
		return "MarkTick"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	case EventTypeReserveClose:
		return "ReserveClose"
	case EventTypeReleaseReservation:
		return "ReleaseReservation"
	case EventTypeFundingCharge:
		return "FundingCharge"
	case EventTypeLiquidationIntent:
		return "LiquidationIntent"
	default:
		return "Unknown"
	}
}
