package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes position events and liquidation intents to Postgres
// using multi-row INSERTs. Writes are idempotent: a row that already exists
// is left untouched.
type EventLogWriter struct{}

// ChangeRow represents a row in risk.position_events.
type ChangeRow struct {
	PositionID     string
	Version        int64
	Sequence       int64
	Kind           string
	Cause          string
	IdempotencyKey string
	Payload        []byte // core.ChangeMessage JSON
	StateHash      []byte
	OccurredAt     time.Time
}

// IntentRow represents a row in risk.liquidation_intents.
type IntentRow struct {
	IntentID       string
	PositionID     string
	Instrument     string
	Side           string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	MarginRatio    decimal.Decimal
	ParamsVersion  int64
	Sequence       int64
	Payload        []byte // core.IntentMessage JSON
	TriggeredAt    time.Time
}

// NewChangeRow converts a PositionChanged into its event log row.
func NewChangeRow(c *core.PositionChanged) (ChangeRow, error) {
	payload, err := json.Marshal(core.NewChangeMessage(c))
	if err != nil {
		return ChangeRow{}, fmt.Errorf("marshal change %s: %w", c.IdempotencyKey, err)
	}
	hash := c.Position.StateHash
	return ChangeRow{
		PositionID:     c.Position.PositionID,
		Version:        c.Position.Version,
		Sequence:       c.Position.Sequence,
		Kind:           c.Kind.String(),
		Cause:          c.Cause.String(),
		IdempotencyKey: c.IdempotencyKey,
		Payload:        payload,
		StateHash:      hash[:],
		OccurredAt:     c.OccurredAt,
	}, nil
}

// NewIntentRow converts a liquidation intent into its row.
func NewIntentRow(i *event.LiquidationIntent) (IntentRow, error) {
	payload, err := json.Marshal(core.NewIntentMessage(i))
	if err != nil {
		return IntentRow{}, fmt.Errorf("marshal intent %s: %w", i.IntentID, err)
	}
	return IntentRow{
		IntentID:       i.IntentID.String(),
		PositionID:     i.PositionID,
		Instrument:     i.Instrument,
		Side:           i.Side.String(),
		Quantity:       i.Quantity,
		ReferencePrice: i.ReferencePrice,
		MarginRatio:    i.MarginRatio,
		ParamsVersion:  i.ParamsVersion,
		Sequence:       i.Sequence,
		Payload:        payload,
		TriggeredAt:    i.TriggeredAt,
	}, nil
}

// WriteChangeBatch writes a batch of rows to risk.position_events.
func (w *EventLogWriter) WriteChangeBatch(ctx context.Context, db execer, rows []ChangeRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO risk.position_events
		(position_id, version, sequence, kind, cause, idempotency_key, payload, state_hash, occurred_at)
		VALUES `

	args := make([]interface{}, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.PositionID, r.Version, r.Sequence, r.Kind, r.Cause,
			r.IdempotencyKey, string(r.Payload), r.StateHash, r.OccurredAt,
		)
	}

	query += placeholders(len(rows), cols)
	query += " ON CONFLICT (position_id, version) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteIntentBatch writes a batch of rows to risk.liquidation_intents.
func (w *EventLogWriter) WriteIntentBatch(ctx context.Context, db execer, rows []IntentRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO risk.liquidation_intents
		(intent_id, position_id, instrument_id, side, quantity, reference_price, margin_ratio, params_version, sequence, payload, triggered_at)
		VALUES `

	args := make([]interface{}, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.IntentID, r.PositionID, r.Instrument, r.Side,
			r.Quantity.String(), r.ReferencePrice.String(), r.MarginRatio.String(),
			r.ParamsVersion, r.Sequence, string(r.Payload), r.TriggeredAt,
		)
	}

	query += placeholders(len(rows), cols)
	query += " ON CONFLICT (intent_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for n rows of cols columns.
func placeholders(n, cols int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}
