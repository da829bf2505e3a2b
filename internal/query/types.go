package query

import (
	"encoding/hex"

	"PerpRisk/internal/core"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"

	"github.com/shopspring/decimal"
)

// PositionList is the response for the list endpoints.
type PositionList struct {
	Positions []core.PositionView `json:"positions"`
	Count     int                 `json:"count"`
}

// UserSummary aggregates a user's open exposure. Everything here is derived
// at query time from the live positions.
type UserSummary struct {
	UserID             string           `json:"user_id"`
	OpenPositions      int              `json:"open_positions"`
	LiquidatingCount   int              `json:"liquidating_positions"`
	TotalMargin        decimal.Decimal  `json:"total_margin"`
	TotalUnrealizedPnl decimal.Decimal  `json:"total_unrealized_pnl"`
	TotalRealizedPnl   decimal.Decimal  `json:"total_realized_pnl"`
	TotalFees          decimal.Decimal  `json:"total_fees"`
	TotalFundingFees   decimal.Decimal  `json:"total_funding_fees"`
	LowestMarginRatio  *decimal.Decimal `json:"lowest_margin_ratio"` // nil without open positions
}

// ReconciliationReport lists positions halted by a sequence gap.
type ReconciliationReport struct {
	Flagged []string `json:"flagged"`
	Count   int      `json:"count"`
}

// HistoryEvent is one event log entry of a position.
type HistoryEvent struct {
	Version    int64              `json:"version"`
	Sequence   int64              `json:"sequence"`
	Kind       string             `json:"kind"`
	Cause      string             `json:"cause"`
	StateHash  string             `json:"state_hash"`
	OccurredAt int64              `json:"occurred_at_us"`
	Change     core.ChangeMessage `json:"change"`
}

// HistoryPage is a page of a position's event log.
type HistoryPage struct {
	PositionID   string         `json:"position_id"`
	Events       []HistoryEvent `json:"events"`
	NextVersion  int64          `json:"next_after_version,omitempty"`
	AfterVersion int64          `json:"after_version"`
}

// ChainReport is the result of recomputing a position's hash chain.
type ChainReport struct {
	PositionID string `json:"position_id"`
	Verified   bool   `json:"verified"`
	Versions   int64  `json:"versions_checked"`
	Error      string `json:"error,omitempty"`
}

// FundingPayment is one funding epoch charged to a position.
type FundingPayment struct {
	PositionID   string          `json:"position_id"`
	InstrumentID string          `json:"instrument_id"`
	EpochID      int64           `json:"epoch_id"`
	Payment      decimal.Decimal `json:"payment"`
	OccurredAt   int64           `json:"occurred_at_us"`
}

// FundingHistoryResponse is a user's recent funding payments.
type FundingHistoryResponse struct {
	UserID   string           `json:"user_id"`
	Payments []FundingPayment `json:"payments"`
}

func newHistoryEvent(e persistence.HistoryEntry) HistoryEvent {
	return HistoryEvent{
		Version:    e.Version,
		Sequence:   e.Sequence,
		Kind:       e.Kind,
		Cause:      e.Cause,
		StateHash:  hex.EncodeToString(e.StateHash),
		OccurredAt: e.OccurredAt.UnixMicro(),
		Change:     e.Message,
	}
}

func newFundingPayment(e projection.FundingHistoryEntry) FundingPayment {
	return FundingPayment{
		PositionID:   e.PositionID,
		InstrumentID: e.Instrument,
		EpochID:      e.EpochID,
		Payment:      e.Payment,
		OccurredAt:   e.OccurredAt.UnixMicro(),
	}
}
