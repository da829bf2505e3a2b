package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PerpRisk/internal/core"
	"PerpRisk/internal/state"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ProjectionWorker keeps the read-side tables current from committed
// changes. The projection channel is non-blocking with drop, so these
// tables may lag; RebuildProjections restores them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if out.Change == nil {
				continue
			}

			if err := pw.processChange(ctx, out.Change); err != nil {
				// Eventually consistent; rebuildable from the event log.
				pw.logger.Warn().Err(err).
					Str("position_id", out.Change.Position.PositionID).
					Int64("version", out.Change.Position.Version).
					Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) processChange(ctx context.Context, c *core.PositionChanged) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertPosition(ctx, tx, c.Position); err != nil {
		return fmt.Errorf("position projection: %w", err)
	}

	if c.Kind == state.ChangeFunding {
		if err := insertFunding(ctx, tx, FundingEntryFromChange(c)); err != nil {
			return fmt.Errorf("funding projection: %w", err)
		}
	}

	return tx.Commit()
}

// upsertPosition writes the snapshot unless a newer version is already
// stored; out-of-order delivery can never regress the projection.
func upsertPosition(ctx context.Context, tx *sql.Tx, p *state.Position) error {
	snapshot, err := json.Marshal(core.NewPositionView(p))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk.positions
			(position_id, user_id, instrument_id, status, side, quantity, margin_ratio, version, sequence, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			margin_ratio = EXCLUDED.margin_ratio,
			version = EXCLUDED.version,
			sequence = EXCLUDED.sequence,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE risk.positions.version < EXCLUDED.version
	`, p.PositionID, p.UserID.String(), p.Instrument, p.Status.String(), p.Side.String(),
		p.Quantity.String(), p.MarginRatio.String(), p.Version, p.Sequence, string(snapshot), p.UpdatedAt)
	return err
}

// RebuildProjections rebuilds the projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE risk.positions`,
		`TRUNCATE risk.funding_history`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Latest snapshot per position, straight from the event payloads.
	_, err := db.ExecContext(ctx, `
		INSERT INTO risk.positions
			(position_id, user_id, instrument_id, status, side, quantity, margin_ratio, version, sequence, snapshot, updated_at)
		SELECT DISTINCT ON (position_id)
			position_id,
			(payload->'position'->>'user_id')::uuid,
			payload->'position'->>'instrument_id',
			payload->'position'->>'status',
			payload->'position'->>'side',
			(payload->'position'->>'quantity')::numeric,
			(payload->'position'->>'margin_ratio')::numeric,
			version,
			sequence,
			payload->'position',
			occurred_at
		FROM risk.position_events
		ORDER BY position_id, version DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO risk.funding_history (position_id, epoch_id, user_id, instrument_id, payment, occurred_at)
		SELECT
			position_id,
			(payload->'position'->>'last_funding_epoch')::bigint,
			(payload->'position'->>'user_id')::uuid,
			payload->'position'->>'instrument_id',
			(payload->>'funding_payment')::numeric,
			occurred_at
		FROM risk.position_events
		WHERE kind = 'FUNDING'
		ON CONFLICT (position_id, epoch_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild funding history: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
