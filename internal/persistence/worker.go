package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const maxRetryInterval = 30 * time.Second

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The processors send on the persist channel with blocking sends, so if this
// worker falls behind they stall rather than lose an event.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       &EventLogWriter{},
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

type batch struct {
	changes []ChangeRow
	intents []IntentRow
}

func (b *batch) len() int { return len(b.changes) + len(b.intents) }

func (b *batch) reset() {
	b.changes = b.changes[:0]
	b.intents = b.intents[:0]
}

// add converts one output into rows. Rows that cannot be encoded are
// counted and skipped; retrying them would never succeed.
func (pw *PersistenceWorker) add(b *batch, out core.CoreOutput) {
	switch {
	case out.Change != nil:
		row, err := NewChangeRow(out.Change)
		if err != nil {
			pw.encodeFailed(err)
			return
		}
		b.changes = append(b.changes, row)
	case out.Intent != nil:
		row, err := NewIntentRow(out.Intent)
		if err != nil {
			pw.encodeFailed(err)
			return
		}
		b.intents = append(b.intents, row)
	}
}

func (pw *PersistenceWorker) encodeFailed(err error) {
	pw.logger.Error().Err(err).Msg("encode event log row")
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		changes: make([]ChangeRow, 0, pw.batchSize),
		intents: make([]IntentRow, 0, 8),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if b.len() > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Int("rows", b.len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if b.len() > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Int("rows", b.len()).Msg("final flush failed")
					}
				}
				return nil
			}

			pw.add(b, out)
			if b.len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if b.len() > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops a batch: on shutdown it makes
// one last attempt outside the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = maxRetryInterval

	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxRetryInterval
		}
		pw.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", sleep).Int("rows", b.len()).Msg("persistence flush failed, retrying")
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}

		select {
		case <-ctx.Done():
			if finalErr := pw.flush(context.Background(), b); finalErr != nil {
				return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
			}
			return nil
		case <-time.After(sleep):
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteChangeBatch(ctx, tx, b.changes); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteIntentBatch(ctx, tx, b.intents); err != nil {
		pw.countError("write_intents")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(b.len()))
		pw.metrics.PersistRowsWritten.Add(float64(b.len()))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
