package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/state"

	json "github.com/goccy/go-json"
)

// SnapshotLoader reads position state back out of the event log. Every
// event row carries the full position after the change, so the newest row
// per position is a complete snapshot.
type SnapshotLoader struct {
	db *sql.DB
}

func NewSnapshotLoader(db *sql.DB) *SnapshotLoader {
	return &SnapshotLoader{db: db}
}

// LoadPositions returns the latest committed state of every position.
// Closed positions are included only when includeClosed is set; their
// sequence numbers still matter for duplicate detection.
func (sl *SnapshotLoader) LoadPositions(ctx context.Context, includeClosed bool) ([]*state.Position, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT DISTINCT ON (position_id) payload
		FROM risk.position_events
		ORDER BY position_id, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []*state.Position
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos, err := decodeChangePosition(payload)
		if err != nil {
			return nil, err
		}
		if pos.Status == state.StatusClosed && !includeClosed {
			continue
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// HistoryEntry is one row of a position's event log.
type HistoryEntry struct {
	Version    int64
	Sequence   int64
	Kind       string
	Cause      string
	Message    core.ChangeMessage
	StateHash  []byte
	OccurredAt time.Time
}

// LoadHistory returns a position's events in version order, starting after
// afterVersion.
func (sl *SnapshotLoader) LoadHistory(ctx context.Context, positionID string, afterVersion int64, limit int) ([]HistoryEntry, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT version, sequence, kind, cause, payload, state_hash, occurred_at
		FROM risk.position_events
		WHERE position_id = $1 AND version > $2
		ORDER BY version ASC
		LIMIT $3
	`, positionID, afterVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var payload []byte
		if err := rows.Scan(&e.Version, &e.Sequence, &e.Kind, &e.Cause, &payload, &e.StateHash, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan history %s: %w", positionID, err)
		}
		if err := json.Unmarshal(payload, &e.Message); err != nil {
			return nil, fmt.Errorf("decode history %s v%d: %w", positionID, e.Version, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain recomputes a position's hash chain from its event log and
// returns the number of verified versions. It fails at the first version
// whose stored hash does not extend the previous one.
func (sl *SnapshotLoader) VerifyChain(ctx context.Context, positionID string) (int64, error) {
	const pageSize = 500

	prev := core.GenesisHash(positionID)
	var verified int64
	after := int64(0)
	for {
		page, err := sl.LoadHistory(ctx, positionID, after, pageSize)
		if err != nil {
			return verified, err
		}
		for _, e := range page {
			pos, err := e.Message.Position.ToPosition()
			if err != nil {
				return verified, fmt.Errorf("verify %s v%d: %w", positionID, e.Version, err)
			}
			want := core.ComputeHash(prev, e.Version, pos.CanonicalBytes())
			var stored [32]byte
			copy(stored[:], e.StateHash)
			if want != stored {
				return verified, fmt.Errorf("verify %s: hash mismatch at version %d", positionID, e.Version)
			}
			prev = stored
			verified++
			after = e.Version
		}
		if len(page) < pageSize {
			return verified, nil
		}
	}
}

func decodeChangePosition(payload []byte) (*state.Position, error) {
	var msg core.ChangeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode position event: %w", err)
	}
	return msg.Position.ToPosition()
}
