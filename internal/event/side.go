package event

import (
	"fmt"
	"strings"
)

// Side is the direction of an open position.
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the other side. Flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Direction is the direction of a fill.
type Direction int32

const (
	DirectionUnknown Direction = iota
	DirectionBuy
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Side returns the position side a fill in this direction opens or increases.
func (d Direction) Side() Side {
	switch d {
	case DirectionBuy:
		return SideLong
	case DirectionSell:
		return SideShort
	default:
		return SideFlat
	}
}

// ParseDirection accepts BUY/SELL and the LONG/SHORT aliases, case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return DirectionBuy, nil
	case "SELL", "SHORT":
		return DirectionSell, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
	}
}

// ParseSide is the inverse of Side.String.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return SideLong, nil
	case "SHORT":
		return SideShort, nil
	case "FLAT", "":
		return SideFlat, nil
	default:
		return SideFlat, fmt.Errorf("unknown side %q", s)
	}
}
