package state

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an event was not applied.
type ErrorKind int32

const (
	KindUnknown ErrorKind = iota
	KindInvalidFill
	KindPositionNotTradable
	KindSequenceGap
	KindDuplicateEvent
	KindConfigurationMissing
	KindInsufficientAvailable
	KindPositionNotFound
	KindInvariantViolation
	KindInvalidTick
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidFill:
		return "InvalidFill"
	case KindPositionNotTradable:
		return "PositionNotTradable"
	case KindSequenceGap:
		return "SequenceGap"
	case KindDuplicateEvent:
		return "DuplicateEvent"
	case KindConfigurationMissing:
		return "ConfigurationMissing"
	case KindInsufficientAvailable:
		return "InsufficientAvailable"
	case KindPositionNotFound:
		return "PositionNotFound"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindInvalidTick:
		return "InvalidTick"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the same event may succeed if delivered again
// later without any change to it.
func (k ErrorKind) Retryable() bool {
	return k == KindConfigurationMissing || k == KindSequenceGap
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInvalidFill           = &RejectError{Kind: KindInvalidFill}
	ErrPositionNotTradable   = &RejectError{Kind: KindPositionNotTradable}
	ErrSequenceGap           = &RejectError{Kind: KindSequenceGap}
	ErrDuplicateEvent        = &RejectError{Kind: KindDuplicateEvent}
	ErrConfigurationMissing  = &RejectError{Kind: KindConfigurationMissing}
	ErrInsufficientAvailable = &RejectError{Kind: KindInsufficientAvailable}
	ErrPositionNotFound      = &RejectError{Kind: KindPositionNotFound}
	ErrInvariantViolation    = &RejectError{Kind: KindInvariantViolation}
	ErrInvalidTick           = &RejectError{Kind: KindInvalidTick}
)

// RejectError is returned for every event the engine refuses. Snapshot is a
// copy of the authoritative position at rejection time, nil when the position
// does not exist.
type RejectError struct {
	Kind       ErrorKind
	PositionID string
	Reason     string
	Snapshot   *Position
}

func (e *RejectError) Error() string {
	if e.PositionID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: position=%s: %s", e.Kind, e.PositionID, e.Reason)
}

// Is matches any RejectError of the same kind.
func (e *RejectError) Is(target error) bool {
	var t *RejectError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Reject builds a RejectError carrying a copy of pos.
func Reject(kind ErrorKind, pos *Position, format string, args ...any) *RejectError {
	e := &RejectError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
	}
	if pos != nil {
		e.PositionID = pos.PositionID
		e.Snapshot = pos.Clone()
	}
	return e
}

// KindOf extracts the kind from err, KindUnknown when err is not a rejection.
func KindOf(err error) ErrorKind {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// WithSnapshot returns a copy of err whose snapshot and position id are
// replaced by the authoritative ones.
func WithSnapshot(err error, positionID string, pos *Position) error {
	var re *RejectError
	if !errors.As(err, &re) {
		return err
	}
	out := *re
	out.PositionID = positionID
	out.Snapshot = nil
	if pos != nil {
		out.Snapshot = pos.Clone()
	}
	return &out
}
