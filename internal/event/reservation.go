package event

import (
	"github.com/shopspring/decimal"
)

// ReserveClose earmarks quantity of a position for a pending closing order.
type ReserveClose struct {
	RequestID  string
	PositionID string
	Quantity   decimal.Decimal
}

func (r *ReserveClose) IdempotencyKey() string {
	return r.RequestID
}

func (r *ReserveClose) EventType() EventType {
	return EventTypeReserveClose
}

func (r *ReserveClose) TargetPosition() string {
	return r.PositionID
}

// ReleaseReservation returns previously reserved quantity, e.g. after the
// closing order is cancelled.
type ReleaseReservation struct {
	RequestID  string
	PositionID string
	Quantity   decimal.Decimal
}

func (r *ReleaseReservation) IdempotencyKey() string {
	return r.RequestID
}

func (r *ReleaseReservation) EventType() EventType {
	return EventTypeReleaseReservation
}

func (r *ReleaseReservation) TargetPosition() string {
	return r.PositionID
}
