package state

// ChangeKind describes what a committed mutation did to a position.
type ChangeKind int32

const (
	ChangeOpened ChangeKind = iota
	ChangeIncreased
	ChangeDecreased
	ChangeClosed
	ChangeFlipped
	ChangeRevalued
	ChangeLiquidating
	ChangeReserved
	ChangeReleased
	ChangeFunding
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeOpened:
		return "OPENED"
	case ChangeIncreased:
		return "INCREASED"
	case ChangeDecreased:
		return "DECREASED"
	case ChangeClosed:
		return "CLOSED"
	case ChangeFlipped:
		return "FLIPPED"
	case ChangeRevalued:
		return "REVALUED"
	case ChangeLiquidating:
		return "LIQUIDATING"
	case ChangeReserved:
		return "RESERVED"
	case ChangeReleased:
		return "RELEASED"
	case ChangeFunding:
		return "FUNDING"
	default:
		return "UNKNOWN"
	}
}
