package state

import (
	"fmt"
	"time"

	"PerpRisk/internal/event"

	"github.com/google/uuid"
)

// intentNamespace seeds deterministic liquidation intent ids so a replayed
// trigger produces the same id.
var intentNamespace = uuid.MustParse("6f1c2b1e-5d0c-4a53-9a44-1f3e0f6f7a10")

// SignalHandler decides whether a valued position must be force-closed.
type SignalHandler interface {
	// Evaluate reports whether the signal condition holds for pos.
	Evaluate(pos *Position, params InstrumentParams) bool

	// Name identifies the handler in logs and metrics.
	Name() string
}

// MaintenanceBreachHandler fires when margin ratio <= maintenance margin rate.
type MaintenanceBreachHandler struct{}

func (h *MaintenanceBreachHandler) Evaluate(pos *Position, params InstrumentParams) bool {
	if pos.IsFlat() {
		return false
	}
	return pos.MarginRatio.LessThanOrEqual(params.MaintenanceMarginRate)
}

func (h *MaintenanceBreachHandler) Name() string {
	return "maintenance_breach"
}

// MarginMonitor drives OPEN -> LIQUIDATING and emits liquidation intents.
type MarginMonitor struct {
	handlers []SignalHandler
}

func NewMarginMonitor(handlers ...SignalHandler) *MarginMonitor {
	if len(handlers) == 0 {
		handlers = []SignalHandler{&MaintenanceBreachHandler{}}
	}
	return &MarginMonitor{handlers: handlers}
}

// Check evaluates a freshly valued position. It moves an OPEN position that
// breaches into LIQUIDATING and returns the intent to publish. A LIQUIDATING
// position only yields an intent again when reissue is set, which the caller
// does after a partial liquidation fill. Mark ticks never reissue.
func (m *MarginMonitor) Check(pos *Position, params InstrumentParams, at time.Time, reissue bool) (*event.LiquidationIntent, error) {
	switch pos.Status {
	case StatusClosed:
		return nil, nil
	case StatusLiquidating:
		if !reissue {
			return nil, nil
		}
	}

	var fired SignalHandler
	for _, h := range m.handlers {
		if h.Evaluate(pos, params) {
			fired = h
			break
		}
	}
	if fired == nil {
		return nil, nil
	}

	if pos.Status == StatusOpen {
		if !pos.Status.CanTransitionTo(StatusLiquidating) {
			return nil, fmt.Errorf("invalid transition: %s -> %s", pos.Status, StatusLiquidating)
		}
		pos.Status = StatusLiquidating
	}

	return &event.LiquidationIntent{
		IntentID:              intentID(pos),
		PositionID:            pos.PositionID,
		UserID:                pos.UserID,
		Instrument:            pos.Instrument,
		Side:                  pos.Side,
		Quantity:              pos.Quantity,
		ReferencePrice:        pos.MarkPrice,
		LiquidationFeeRate:    params.LiquidationFeeRate,
		MarginRatio:           pos.MarginRatio,
		MaintenanceMarginRate: params.MaintenanceMarginRate,
		ParamsVersion:         params.Version,
		Sequence:              pos.Sequence,
		TriggeredAt:           at,
	}, nil
}

func intentID(pos *Position) uuid.UUID {
	key := fmt.Sprintf("%s:%d:%s", pos.PositionID, pos.Sequence, pos.Quantity)
	return uuid.NewSHA1(intentNamespace, []byte(key))
}
