package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReserveForClose earmarks qty for a pending closing order. It fails with
// InsufficientAvailable when qty exceeds the unreserved quantity.
func ReserveForClose(current *Position, qty decimal.Decimal, at time.Time) (*Position, error) {
	if current.Status == StatusClosed {
		return nil, Reject(KindPositionNotTradable, current, "position already closed")
	}
	if !qty.IsPositive() {
		return nil, Reject(KindInvalidFill, current, "reserve quantity must be > 0, got %s", qty)
	}
	if qty.GreaterThan(current.AvailableQuantity()) {
		return nil, Reject(KindInsufficientAvailable, current,
			"reserve %s exceeds available %s", qty, current.AvailableQuantity())
	}

	pos := current.Clone()
	pos.ClosingReservedQuantity = pos.ClosingReservedQuantity.Add(qty)
	pos.UpdatedAt = at
	return pos, nil
}

// ReleaseReservation returns qty of reserved quantity. Releasing more than is
// reserved clears the reservation.
func ReleaseReservation(current *Position, qty decimal.Decimal, at time.Time) (*Position, error) {
	if current.Status == StatusClosed {
		return nil, Reject(KindPositionNotTradable, current, "position already closed")
	}
	if !qty.IsPositive() {
		return nil, Reject(KindInvalidFill, current, "release quantity must be > 0, got %s", qty)
	}

	pos := current.Clone()
	pos.ClosingReservedQuantity = decimal.Max(decimal.Zero, pos.ClosingReservedQuantity.Sub(qty))
	pos.UpdatedAt = at
	return pos, nil
}
