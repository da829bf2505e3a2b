package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionView is the external JSON shape of a position snapshot, shared by
// the outbound stream, the event log payload and the query API. Decimals
// encode as strings.
type PositionView struct {
	PositionID              string           `json:"position_id"`
	UserID                  string           `json:"user_id"`
	InstrumentID            string           `json:"instrument_id"`
	Side                    string           `json:"side"`
	Status                  string           `json:"status"`
	Quantity                decimal.Decimal  `json:"quantity"`
	ClosingReservedQuantity decimal.Decimal  `json:"closing_reserved_quantity"`
	EntryPrice              decimal.Decimal  `json:"entry_price"`
	Leverage                decimal.Decimal  `json:"leverage"`
	Margin                  decimal.Decimal  `json:"margin"`
	MarkPrice               decimal.Decimal  `json:"mark_price"`
	UnrealizedPnl           decimal.Decimal  `json:"unrealized_pnl"`
	MarginRatio             decimal.Decimal  `json:"margin_ratio"`
	LiquidationPrice        *decimal.Decimal `json:"liquidation_price"`
	CumRealizedPnl          decimal.Decimal  `json:"cum_realized_pnl"`
	CumFee                  decimal.Decimal  `json:"cum_fee"`
	CumFundingFee           decimal.Decimal  `json:"cum_funding_fee"`
	Sequence                int64            `json:"sequence"`
	Version                 int64            `json:"version"`
	ParamsVersion           int64            `json:"params_version"`
	LastFundingEpoch        int64            `json:"last_funding_epoch"`
	StateHash               string           `json:"state_hash"`
	LastMarkAtUs            int64            `json:"last_mark_at_us"`
	CreatedAtUs             int64            `json:"created_at_us"`
	UpdatedAtUs             int64            `json:"updated_at_us"`
	ClosedAtUs              *int64           `json:"closed_at_us,omitempty"`
}

func NewPositionView(p *state.Position) PositionView {
	v := PositionView{
		PositionID:              p.PositionID,
		UserID:                  p.UserID.String(),
		InstrumentID:            p.Instrument,
		Side:                    p.Side.String(),
		Status:                  p.Status.String(),
		Quantity:                p.Quantity,
		ClosingReservedQuantity: p.ClosingReservedQuantity,
		EntryPrice:              p.EntryPrice,
		Leverage:                p.Leverage,
		Margin:                  p.Margin,
		MarkPrice:               p.MarkPrice,
		UnrealizedPnl:           p.UnrealizedPnl,
		MarginRatio:             p.MarginRatio,
		LiquidationPrice:        p.LiquidationPrice,
		CumRealizedPnl:          p.CumRealizedPnl,
		CumFee:                  p.CumFee,
		CumFundingFee:           p.CumFundingFee,
		Sequence:                p.Sequence,
		Version:                 p.Version,
		ParamsVersion:           p.ParamsVersion,
		LastFundingEpoch:        p.LastFundingEpoch,
		StateHash:               hex.EncodeToString(p.StateHash[:]),
		LastMarkAtUs:            microsOrZero(p.LastMarkAt),
		CreatedAtUs:             microsOrZero(p.CreatedAt),
		UpdatedAtUs:             microsOrZero(p.UpdatedAt),
	}
	if p.ClosedAt != nil {
		us := p.ClosedAt.UnixMicro()
		v.ClosedAtUs = &us
	}
	return v
}

// ToPosition rebuilds a position from its view, e.g. when restoring from the
// projection table.
func (v PositionView) ToPosition() (*state.Position, error) {
	userID, err := uuid.Parse(v.UserID)
	if err != nil {
		return nil, fmt.Errorf("position %s: user_id: %w", v.PositionID, err)
	}
	side, err := event.ParseSide(v.Side)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", v.PositionID, err)
	}
	status, err := state.ParseStatus(v.Status)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", v.PositionID, err)
	}
	p := &state.Position{
		PositionID:              v.PositionID,
		UserID:                  userID,
		Instrument:              v.InstrumentID,
		Side:                    side,
		Quantity:                v.Quantity,
		ClosingReservedQuantity: v.ClosingReservedQuantity,
		EntryPrice:              v.EntryPrice,
		Leverage:                v.Leverage,
		Margin:                  v.Margin,
		MarkPrice:               v.MarkPrice,
		UnrealizedPnl:           v.UnrealizedPnl,
		MarginRatio:             v.MarginRatio,
		LiquidationPrice:        v.LiquidationPrice,
		CumRealizedPnl:          v.CumRealizedPnl,
		CumFee:                  v.CumFee,
		CumFundingFee:           v.CumFundingFee,
		Status:                  status,
		Sequence:                v.Sequence,
		Version:                 v.Version,
		ParamsVersion:           v.ParamsVersion,
		LastFundingEpoch:        v.LastFundingEpoch,
		LastMarkAt:              fromMicros(v.LastMarkAtUs),
		CreatedAt:               fromMicros(v.CreatedAtUs),
		UpdatedAt:               fromMicros(v.UpdatedAtUs),
	}
	if v.ClosedAtUs != nil {
		t := time.UnixMicro(*v.ClosedAtUs).UTC()
		p.ClosedAt = &t
	}
	hash, err := hex.DecodeString(v.StateHash)
	if err != nil || len(hash) != len(p.StateHash) {
		return nil, fmt.Errorf("position %s: invalid state_hash %q", v.PositionID, v.StateHash)
	}
	copy(p.StateHash[:], hash)
	return p, nil
}

// ChangeMessage is the external JSON shape of a PositionChanged.
type ChangeMessage struct {
	Kind           string          `json:"kind"`
	Cause          string          `json:"cause"`
	IdempotencyKey string          `json:"idempotency_key"`
	Position       PositionView    `json:"position"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	MarginAdded    decimal.Decimal `json:"margin_added"`
	MarginReleased decimal.Decimal `json:"margin_released"`
	Fee            decimal.Decimal `json:"fee"`
	FundingPayment decimal.Decimal `json:"funding_payment"`
	OccurredAtUs   int64           `json:"occurred_at_us"`
}

func NewChangeMessage(c *PositionChanged) ChangeMessage {
	return ChangeMessage{
		Kind:           c.Kind.String(),
		Cause:          c.Cause.String(),
		IdempotencyKey: c.IdempotencyKey,
		Position:       NewPositionView(c.Position),
		FilledQuantity: c.FilledQuantity,
		RealizedPnl:    c.RealizedPnl,
		MarginAdded:    c.MarginAdded,
		MarginReleased: c.MarginReleased,
		Fee:            c.Fee,
		FundingPayment: c.FundingPayment,
		OccurredAtUs:   microsOrZero(c.OccurredAt),
	}
}

// IntentMessage is the external JSON shape of a LiquidationIntent.
type IntentMessage struct {
	IntentID              string          `json:"intent_id"`
	PositionID            string          `json:"position_id"`
	UserID                string          `json:"user_id"`
	InstrumentID          string          `json:"instrument_id"`
	Side                  string          `json:"side"`
	Quantity              decimal.Decimal `json:"quantity"`
	ReferencePrice        decimal.Decimal `json:"reference_price"`
	LiquidationFeeRate    decimal.Decimal `json:"liquidation_fee_rate"`
	MarginRatio           decimal.Decimal `json:"margin_ratio"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	ParamsVersion         int64           `json:"params_version"`
	Sequence              int64           `json:"sequence"`
	TriggeredAtUs         int64           `json:"triggered_at_us"`
}

func NewIntentMessage(i *event.LiquidationIntent) IntentMessage {
	return IntentMessage{
		IntentID:              i.IntentID.String(),
		PositionID:            i.PositionID,
		UserID:                i.UserID.String(),
		InstrumentID:          i.Instrument,
		Side:                  i.Side.String(),
		Quantity:              i.Quantity,
		ReferencePrice:        i.ReferencePrice,
		LiquidationFeeRate:    i.LiquidationFeeRate,
		MarginRatio:           i.MarginRatio,
		MaintenanceMarginRate: i.MaintenanceMarginRate,
		ParamsVersion:         i.ParamsVersion,
		Sequence:              i.Sequence,
		TriggeredAtUs:         microsOrZero(i.TriggeredAt),
	}
}

// RejectionMessage is the external JSON shape of a refused event. Snapshot
// is the authoritative position at rejection time, absent when the position
// does not exist.
type RejectionMessage struct {
	PositionID     string        `json:"position_id"`
	EventType      string        `json:"event_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	Kind           string        `json:"kind"`
	Reason         string        `json:"reason"`
	Snapshot       *PositionView `json:"snapshot,omitempty"`
	RejectedAtUs   int64         `json:"rejected_at_us"`
}

// NewRejectionMessage describes err for the sender of evt.
func NewRejectionMessage(evt event.Event, err error, at time.Time) RejectionMessage {
	msg := RejectionMessage{
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		Kind:           state.KindOf(err).String(),
		Reason:         err.Error(),
		RejectedAtUs:   microsOrZero(at),
	}
	if pe, ok := evt.(event.PositionEvent); ok {
		msg.PositionID = pe.TargetPosition()
	}

	var re *state.RejectError
	if errors.As(err, &re) {
		msg.Reason = re.Reason
		if re.PositionID != "" {
			msg.PositionID = re.PositionID
		}
		if re.Snapshot != nil {
			v := NewPositionView(re.Snapshot)
			msg.Snapshot = &v
		}
	}
	return msg
}

func microsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
