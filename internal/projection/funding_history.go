package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpRisk/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FundingHistoryEntry is one funding epoch charged to one position.
type FundingHistoryEntry struct {
	PositionID string
	EpochID    int64
	UserID     uuid.UUID
	Instrument string
	Payment    decimal.Decimal // Positive = paid, negative = received
	OccurredAt time.Time
}

// FundingEntryFromChange extracts the funding record from a FUNDING change.
func FundingEntryFromChange(c *core.PositionChanged) FundingHistoryEntry {
	return FundingHistoryEntry{
		PositionID: c.Position.PositionID,
		EpochID:    c.Position.LastFundingEpoch,
		UserID:     c.Position.UserID,
		Instrument: c.Position.Instrument,
		Payment:    c.FundingPayment,
		OccurredAt: c.OccurredAt,
	}
}

func insertFunding(ctx context.Context, tx *sql.Tx, e FundingHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO risk.funding_history (position_id, epoch_id, user_id, instrument_id, payment, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (position_id, epoch_id) DO NOTHING
	`, e.PositionID, e.EpochID, e.UserID.String(), e.Instrument, e.Payment.String(), e.OccurredAt)
	return err
}

// FundingHistoryReader serves funding history from risk.funding_history.
type FundingHistoryReader struct {
	db *sql.DB
}

func NewFundingHistoryReader(db *sql.DB) *FundingHistoryReader {
	return &FundingHistoryReader{db: db}
}

// ByUser returns a user's most recent funding records, newest first.
func (r *FundingHistoryReader) ByUser(ctx context.Context, userID uuid.UUID, limit int) ([]FundingHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT position_id, epoch_id, user_id, instrument_id, payment, occurred_at
		FROM risk.funding_history
		WHERE user_id = $1
		ORDER BY occurred_at DESC, position_id
		LIMIT $2
	`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query funding history: %w", err)
	}
	defer rows.Close()

	result := make([]FundingHistoryEntry, 0)
	for rows.Next() {
		var e FundingHistoryEntry
		var user, payment string
		if err := rows.Scan(&e.PositionID, &e.EpochID, &user, &e.Instrument, &payment, &e.OccurredAt); err != nil {
			return nil, err
		}
		if e.UserID, err = uuid.Parse(user); err != nil {
			return nil, fmt.Errorf("funding history user_id: %w", err)
		}
		if e.Payment, err = decimal.NewFromString(payment); err != nil {
			return nil, fmt.Errorf("funding history payment: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
