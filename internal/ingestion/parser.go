package ingestion

import (
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/event"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageKind identifies the payload carried on an inbound subject.
type MessageKind string

const (
	KindFill       MessageKind = "Fill"
	KindMarkTick   MessageKind = "MarkTick"
	KindRiskParams MessageKind = "RiskParamUpdate"
	KindReserve    MessageKind = "ReserveClose"
	KindRelease    MessageKind = "ReleaseReservation"
	KindFunding    MessageKind = "FundingCharge"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. Validation
// beyond wire-level shape is left to the core, which owns the rejection
// kinds.
func ParseRawEvent(raw RawEvent, kind MessageKind) (event.Event, error) {
	switch kind {
	case KindFill:
		return parseFill(raw.Data)
	case KindMarkTick:
		return parseMarkTick(raw.Data)
	case KindRiskParams:
		return parseRiskParamUpdate(raw.Data)
	case KindReserve:
		return parseReserveClose(raw.Data)
	case KindRelease:
		return parseReleaseReservation(raw.Data)
	case KindFunding:
		return parseFundingCharge(raw.Data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Decimal fields are strings so no precision is lost in transit.
// Timestamps are microseconds since the Unix epoch.

type fillJSON struct {
	FillID       string          `json:"fill_id"`
	PositionID   string          `json:"position_id"`
	UserID       string          `json:"user_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         string          `json:"side"` // BUY or SELL
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Margin       decimal.Decimal `json:"margin"`
	Leverage     decimal.Decimal `json:"leverage"`
	Sequence     int64           `json:"sequence"`
	Liquidation  bool            `json:"liquidation"`
	OccurredAtUs int64           `json:"occurred_at_us"`
}

func parseFill(data []byte) (*event.Fill, error) {
	var j fillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Fill: %w", err)
	}
	if j.PositionID == "" {
		return nil, fmt.Errorf("parse Fill: position_id is required")
	}
	if j.InstrumentID == "" {
		return nil, fmt.Errorf("parse Fill: instrument_id is required")
	}

	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	dir, err := event.ParseDirection(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}

	return &event.Fill{
		FillID:      j.FillID,
		PositionID:  j.PositionID,
		UserID:      userID,
		Instrument:  j.InstrumentID,
		Direction:   dir,
		Quantity:    j.Quantity,
		Price:       j.Price,
		Fee:         j.Fee,
		Margin:      j.Margin,
		Leverage:    j.Leverage,
		Sequence:    j.Sequence,
		Liquidation: j.Liquidation,
		Timestamp:   time.UnixMicro(j.OccurredAtUs),
	}, nil
}

type markTickJSON struct {
	InstrumentID string          `json:"instrument_id"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	CapturedAtUs int64           `json:"captured_at_us"`
}

func parseMarkTick(data []byte) (*event.MarkTick, error) {
	var j markTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkTick: %w", err)
	}
	if j.InstrumentID == "" {
		return nil, fmt.Errorf("parse MarkTick: instrument_id is required")
	}
	return &event.MarkTick{
		Instrument: j.InstrumentID,
		MarkPrice:  j.MarkPrice,
		CapturedAt: time.UnixMicro(j.CapturedAtUs),
	}, nil
}

type riskParamJSON struct {
	InstrumentID          string          `json:"instrument_id"`
	ContractSize          decimal.Decimal `json:"contract_size"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	InitialMarginRate     decimal.Decimal `json:"initial_margin_rate"`
	LiquidationFeeRate    decimal.Decimal `json:"liquidation_fee_rate"`
	MaxLeverage           decimal.Decimal `json:"max_leverage"`
	TimestampUs           int64           `json:"timestamp_us"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	if j.InstrumentID == "" {
		return nil, fmt.Errorf("parse RiskParamUpdate: instrument_id is required")
	}
	return &event.RiskParamUpdate{
		Instrument:            j.InstrumentID,
		ContractSize:          j.ContractSize,
		MaintenanceMarginRate: j.MaintenanceMarginRate,
		InitialMarginRate:     j.InitialMarginRate,
		LiquidationFeeRate:    j.LiquidationFeeRate,
		MaxLeverage:           j.MaxLeverage,
		Timestamp:             time.UnixMicro(j.TimestampUs),
	}, nil
}

type reservationJSON struct {
	RequestID  string          `json:"request_id"`
	PositionID string          `json:"position_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func parseReservation(data []byte, name string) (reservationJSON, error) {
	var j reservationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, fmt.Errorf("parse %s: %w", name, err)
	}
	if j.PositionID == "" {
		return j, fmt.Errorf("parse %s: position_id is required", name)
	}
	return j, nil
}

func parseReserveClose(data []byte) (*event.ReserveClose, error) {
	j, err := parseReservation(data, "ReserveClose")
	if err != nil {
		return nil, err
	}
	return &event.ReserveClose{RequestID: j.RequestID, PositionID: j.PositionID, Quantity: j.Quantity}, nil
}

func parseReleaseReservation(data []byte) (*event.ReleaseReservation, error) {
	j, err := parseReservation(data, "ReleaseReservation")
	if err != nil {
		return nil, err
	}
	return &event.ReleaseReservation{RequestID: j.RequestID, PositionID: j.PositionID, Quantity: j.Quantity}, nil
}

type fundingJSON struct {
	InstrumentID string          `json:"instrument_id"`
	EpochID      int64           `json:"epoch_id"`
	Rate         decimal.Decimal `json:"rate"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	TimestampUs  int64           `json:"timestamp_us"`
}

func parseFundingCharge(data []byte) (*event.FundingCharge, error) {
	var j fundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingCharge: %w", err)
	}
	if j.InstrumentID == "" {
		return nil, fmt.Errorf("parse FundingCharge: instrument_id is required")
	}
	if j.EpochID <= 0 {
		return nil, fmt.Errorf("parse FundingCharge: epoch_id must be > 0, got %d", j.EpochID)
	}
	if !j.MarkPrice.IsPositive() {
		return nil, fmt.Errorf("parse FundingCharge: mark_price must be > 0, got %s", j.MarkPrice)
	}
	return &event.FundingCharge{
		Instrument: j.InstrumentID,
		EpochID:    j.EpochID,
		Rate:       j.Rate,
		MarkPrice:  j.MarkPrice,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

// ResolveKind finds the message kind for a subject by longest prefix match
// against the configured subjects.
func ResolveKind(subject string, subjects []SubjectConfig) (MessageKind, bool) {
	var best string
	var kind MessageKind
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best = prefix
			kind = cfg.Kind
		}
	}
	return kind, best != ""
}
