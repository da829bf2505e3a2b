package core

import (
	"fmt"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type pendingFill struct {
	fill   *event.Fill
	params *state.ParamsSnapshot
	done   Completion
}

type markObservation struct {
	price      decimal.Decimal
	capturedAt time.Time
}

// Processor runs the per-position pipeline for the positions one shard owns:
// sequencer -> trade applier -> valuation -> margin monitor -> commit -> emit.
// Not thread-safe: a Processor is driven by exactly one goroutine.
type Processor struct {
	store     *state.PositionStore
	monitor   *state.MarginMonitor
	sequencer *Sequencer[*pendingFill]
	marks     map[string]markObservation // instrument -> latest applied tick
	owns      func(positionID string) bool
	shard     string
	metrics   *observability.Metrics
	logger    zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// ProcessorConfig wires a Processor. Nil channels disable that output.
type ProcessorConfig struct {
	Store          *state.PositionStore
	Monitor        *state.MarginMonitor
	Sequencer      SequencerConfig
	Owns           func(positionID string) bool
	Shard          string // Metrics label
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	monitor := cfg.Monitor
	if monitor == nil {
		monitor = state.NewMarginMonitor()
	}
	owns := cfg.Owns
	if owns == nil {
		owns = func(string) bool { return true }
	}
	return &Processor{
		store:          cfg.Store,
		monitor:        monitor,
		sequencer:      NewSequencer[*pendingFill](cfg.Sequencer),
		marks:          make(map[string]markObservation),
		owns:           owns,
		shard:          cfg.Shard,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// Fill sequences and applies one fill. done is invoked exactly once: right
// away for applied, duplicate and rejected fills, later for a buffered fill
// once its gap closes or times out.
func (p *Processor) Fill(f *event.Fill, params *state.ParamsSnapshot, now time.Time, done Completion) {
	pf := &pendingFill{fill: f, params: params, done: done}

	// CLOSED is terminal: newer fills are refused up front rather than
	// buffered behind a gap that would flag the position for reconciliation.
	if pos, ok := p.store.Get(f.PositionID); ok && pos.Status == state.StatusClosed && f.Sequence > p.sequencer.Current(f.PositionID) {
		err := state.Reject(state.KindPositionNotTradable, pos, "position already closed")
		p.countRejected(event.EventTypeFill, err)
		done(Result{}, err)
		return
	}

	switch p.sequencer.Admit(f.PositionID, f.Sequence, pf, now) {
	case VerdictDuplicate:
		p.countDuplicate(event.EventTypeFill)
		pos, _ := p.store.Get(f.PositionID)
		done(Result{Outcome: OutcomeDuplicate, Position: pos}, nil)

	case VerdictBuffered:
		p.updateBufferedGauge()
		p.logger.Debug().
			Str("position_id", f.PositionID).
			Int64("sequence", f.Sequence).
			Int64("expected", p.sequencer.Current(f.PositionID)+1).
			Msg("fill buffered behind sequence gap")
		if p.metrics != nil {
			p.metrics.FillsBuffered.Inc()
		}

	case VerdictAlreadyBuffered:
		pos, _ := p.store.Get(f.PositionID)
		done(Result{Outcome: OutcomeBuffered, Position: pos}, nil)

	case VerdictGap:
		discarded := p.sequencer.Flag(f.PositionID)
		p.rejectGap(pf, "position awaits reconciliation")
		for _, d := range discarded {
			p.rejectGap(d, "buffer overflow while awaiting sequence")
		}
		p.updateBufferedGauge()

	case VerdictApply:
		p.resolve(pf)
		p.drainBuffered(f.PositionID, now)
	}
}

func (p *Processor) resolve(pf *pendingFill) {
	start := time.Now()
	res, err := p.applyFill(pf.fill, pf.params)
	if err != nil {
		p.countRejected(event.EventTypeFill, err)
	} else if p.metrics != nil {
		p.metrics.EventsApplied.WithLabelValues(event.EventTypeFill.String()).Inc()
		p.metrics.ApplyDuration.WithLabelValues(event.EventTypeFill.String()).Observe(time.Since(start).Seconds())
	}
	pf.done(res, err)
}

func (p *Processor) drainBuffered(positionID string, now time.Time) {
	for {
		pf, seq, ok := p.sequencer.Next(positionID, now)
		if !ok {
			break
		}
		p.resolve(pf)
		if p.sequencer.Current(positionID) < seq {
			// Not applied (config missing); the rest keeps waiting.
			break
		}
	}
	p.updateBufferedGauge()
}

// applyFill is the non-sequencing part of the fill pipeline. Nothing is
// committed unless every step succeeds.
func (p *Processor) applyFill(f *event.Fill, snap *state.ParamsSnapshot) (Result, error) {
	// Step 1: Load the authoritative state
	current, _ := p.store.Get(f.PositionID)

	instrument := f.Instrument
	if current != nil {
		instrument = current.Instrument
	}

	// Step 2: Parameters captured at intake. Missing ones are retried, never guessed.
	params, ok := snap.Lookup(instrument)
	if !ok {
		return Result{}, state.WithSnapshot(
			&state.RejectError{Kind: state.KindConfigurationMissing, Reason: fmt.Sprintf("no parameters for instrument %q", instrument)},
			f.PositionID, current)
	}

	// Step 3: Trade applier
	next, fr, err := state.ApplyFill(current, f, params)
	if err != nil {
		// Permanent rejections consume the sequence number so later fills
		// are not held behind a fill that can never apply.
		if !state.KindOf(err).Retryable() {
			p.sequencer.Advance(f.PositionID, f.Sequence)
		}
		return Result{}, state.WithSnapshot(err, f.PositionID, current)
	}
	next.Sequence = f.Sequence

	// Step 4: Valuation at the latest known mark
	state.Revalue(next, p.markFor(instrument, next), params)

	// Step 5: Margin monitor
	var intents []*event.LiquidationIntent
	if fr.Kind != state.ChangeClosed {
		reissue := current != nil && current.Status == state.StatusLiquidating && fr.Kind == state.ChangeDecreased
		intent, err := p.monitor.Check(next, params, f.Timestamp, reissue)
		if err != nil {
			return Result{}, state.WithSnapshot(
				&state.RejectError{Kind: state.KindInvariantViolation, Reason: err.Error()}, f.PositionID, current)
		}
		if intent != nil {
			intents = append(intents, intent)
		}
	}

	// Step 6: Invariants, then commit
	if err := next.Validate(); err != nil {
		p.logger.Error().Err(err).Str("position_id", f.PositionID).Int64("sequence", f.Sequence).Msg("fill would violate position invariants")
		return Result{}, state.WithSnapshot(
			&state.RejectError{Kind: state.KindInvariantViolation, Reason: err.Error()}, f.PositionID, current)
	}
	seal(current, next)
	p.store.Commit(next)
	p.sequencer.Advance(f.PositionID, f.Sequence)

	kind := fr.Kind
	if len(intents) > 0 && (current == nil || current.Status == state.StatusOpen) {
		kind = state.ChangeLiquidating
	}

	change := &PositionChanged{
		Kind:           kind,
		Cause:          event.EventTypeFill,
		IdempotencyKey: f.IdempotencyKey(),
		Position:       next.Clone(),
		FilledQuantity: fr.FilledQuantity,
		RealizedPnl:    fr.RealizedPnl,
		MarginAdded:    fr.MarginAdded,
		MarginReleased: fr.MarginReleased,
		Fee:            fr.Fee,
		OccurredAt:     f.Timestamp,
	}

	// Step 7: Emit
	p.emitChange(change)
	for _, intent := range intents {
		p.emitIntent(intent)
	}

	return Result{
		Outcome:  OutcomeApplied,
		Position: next,
		Changes:  []*PositionChanged{change},
		Intents:  intents,
	}, nil
}

// markFor picks the valuation mark: the newest tick this shard has applied
// for the instrument, else the position's own last mark.
func (p *Processor) markFor(instrument string, pos *state.Position) decimal.Decimal {
	if m, ok := p.marks[instrument]; ok && !m.capturedAt.Before(pos.LastMarkAt) {
		return m.price
	}
	return pos.MarkPrice
}

// Tick revalues every owned, non-closed position of the tick's instrument.
// Stale ticks are dropped per position.
func (p *Processor) Tick(t *event.MarkTick, snap *state.ParamsSnapshot) (Result, error) {
	if !t.MarkPrice.IsPositive() {
		err := &state.RejectError{Kind: state.KindInvalidTick, Reason: fmt.Sprintf("mark price must be > 0, got %s", t.MarkPrice)}
		p.countRejected(event.EventTypeMarkTick, err)
		return Result{}, err
	}
	params, ok := snap.Lookup(t.Instrument)
	if !ok {
		p.countRejected(event.EventTypeMarkTick, state.ErrConfigurationMissing)
		return Result{}, &state.RejectError{Kind: state.KindConfigurationMissing, Reason: fmt.Sprintf("no parameters for instrument %q", t.Instrument)}
	}

	if prev, ok := p.marks[t.Instrument]; !ok || !t.CapturedAt.Before(prev.capturedAt) {
		p.marks[t.Instrument] = markObservation{price: t.MarkPrice, capturedAt: t.CapturedAt}
	}

	res := Result{Outcome: OutcomeIgnored}
	for _, id := range p.store.InstrumentPositionIDs(t.Instrument) {
		if !p.owns(id) {
			continue
		}
		change, intent := p.revalue(id, t, params)
		if change == nil {
			continue
		}
		res.Outcome = OutcomeApplied
		res.Changes = append(res.Changes, change)
		if intent != nil {
			res.Intents = append(res.Intents, intent)
		}
	}

	if p.metrics != nil && res.Outcome == OutcomeApplied {
		p.metrics.EventsApplied.WithLabelValues(event.EventTypeMarkTick.String()).Inc()
	}
	return res, nil
}

func (p *Processor) revalue(positionID string, t *event.MarkTick, params state.InstrumentParams) (*PositionChanged, *event.LiquidationIntent) {
	current, ok := p.store.Get(positionID)
	if !ok || current.Status == state.StatusClosed {
		return nil, nil
	}
	if t.CapturedAt.Before(current.LastMarkAt) {
		if p.metrics != nil {
			p.metrics.TicksStale.Inc()
		}
		return nil, nil
	}

	next := current.Clone()
	state.Revalue(next, t.MarkPrice, params)
	next.LastMarkAt = t.CapturedAt
	next.UpdatedAt = t.CapturedAt

	kind := state.ChangeRevalued
	intent, err := p.monitor.Check(next, params, t.CapturedAt, false)
	if err != nil {
		p.logger.Error().Err(err).Str("position_id", positionID).Msg("margin monitor failed")
		return nil, nil
	}
	if intent != nil {
		kind = state.ChangeLiquidating
		p.logger.Info().
			Str("position_id", positionID).
			Str("instrument", next.Instrument).
			Str("margin_ratio", next.MarginRatio.String()).
			Str("mmr", params.MaintenanceMarginRate.String()).
			Str("mark", t.MarkPrice.String()).
			Msg("position entered liquidation")
	}

	seal(current, next)
	p.store.Commit(next)

	change := &PositionChanged{
		Kind:           kind,
		Cause:          event.EventTypeMarkTick,
		IdempotencyKey: t.IdempotencyKey(),
		Position:       next.Clone(),
		OccurredAt:     t.CapturedAt,
	}
	p.emitChange(change)
	if intent != nil {
		p.emitIntent(intent)
	}
	return change, intent
}

// Reserve earmarks quantity for a pending close.
func (p *Processor) Reserve(cmd *event.ReserveClose, at time.Time) (Result, error) {
	return p.command(cmd, cmd.PositionID, state.ChangeReserved, func(cur *state.Position) (*state.Position, error) {
		return state.ReserveForClose(cur, cmd.Quantity, at)
	}, at)
}

// Release returns reserved quantity.
func (p *Processor) Release(cmd *event.ReleaseReservation, at time.Time) (Result, error) {
	return p.command(cmd, cmd.PositionID, state.ChangeReleased, func(cur *state.Position) (*state.Position, error) {
		return state.ReleaseReservation(cur, cmd.Quantity, at)
	}, at)
}

func (p *Processor) command(
	evt event.Event,
	positionID string,
	kind state.ChangeKind,
	apply func(*state.Position) (*state.Position, error),
	at time.Time,
) (Result, error) {
	current, ok := p.store.Get(positionID)
	if !ok {
		err := &state.RejectError{Kind: state.KindPositionNotFound, PositionID: positionID, Reason: "unknown position"}
		p.countRejected(evt.EventType(), err)
		return Result{}, err
	}

	next, err := apply(current)
	if err != nil {
		p.countRejected(evt.EventType(), err)
		return Result{}, state.WithSnapshot(err, positionID, current)
	}
	if err := next.Validate(); err != nil {
		p.countRejected(evt.EventType(), state.ErrInvariantViolation)
		return Result{}, state.WithSnapshot(
			&state.RejectError{Kind: state.KindInvariantViolation, Reason: err.Error()}, positionID, current)
	}
	seal(current, next)
	p.store.Commit(next)

	change := &PositionChanged{
		Kind:           kind,
		Cause:          evt.EventType(),
		IdempotencyKey: evt.IdempotencyKey(),
		Position:       next.Clone(),
		OccurredAt:     at,
	}
	p.emitChange(change)
	if p.metrics != nil {
		p.metrics.EventsApplied.WithLabelValues(evt.EventType().String()).Inc()
	}
	return Result{Outcome: OutcomeApplied, Position: next, Changes: []*PositionChanged{change}}, nil
}

// Funding charges one epoch to every owned position of the instrument.
func (p *Processor) Funding(c *event.FundingCharge, snap *state.ParamsSnapshot) (Result, error) {
	params, ok := snap.Lookup(c.Instrument)
	if !ok {
		p.countRejected(event.EventTypeFundingCharge, state.ErrConfigurationMissing)
		return Result{}, &state.RejectError{Kind: state.KindConfigurationMissing, Reason: fmt.Sprintf("no parameters for instrument %q", c.Instrument)}
	}

	res := Result{Outcome: OutcomeIgnored}
	for _, id := range p.store.InstrumentPositionIDs(c.Instrument) {
		if !p.owns(id) {
			continue
		}
		current, ok := p.store.Get(id)
		if !ok {
			continue
		}
		next, fr, applied := state.ApplyFunding(current, c, params)
		if !applied {
			continue
		}
		seal(current, next)
		p.store.Commit(next)

		change := &PositionChanged{
			Kind:           state.ChangeFunding,
			Cause:          event.EventTypeFundingCharge,
			IdempotencyKey: c.IdempotencyKey(),
			Position:       next.Clone(),
			FundingPayment: fr.Payment,
			OccurredAt:     c.Timestamp,
		}
		p.emitChange(change)
		res.Outcome = OutcomeApplied
		res.Changes = append(res.Changes, change)
	}
	if p.metrics != nil && res.Outcome == OutcomeApplied {
		p.metrics.EventsApplied.WithLabelValues(event.EventTypeFundingCharge.String()).Inc()
	}
	return res, nil
}

// ExpireGaps flags positions whose sequence gap outlived the timeout and
// rejects their buffered fills.
func (p *Processor) ExpireGaps(now time.Time) []string {
	expired := p.sequencer.ExpireGaps(now)
	flagged := make([]string, 0, len(expired))
	for _, e := range expired {
		p.logger.Warn().
			Str("position_id", e.PositionID).
			Int64("expected", e.Expected).
			Int("discarded", len(e.Discarded)).
			Msg("sequence gap timed out, position flagged for reconciliation")
		if p.metrics != nil {
			p.metrics.SequenceGaps.Inc()
		}
		for _, pf := range e.Discarded {
			p.rejectGap(pf, fmt.Sprintf("expected sequence %d never arrived", e.Expected))
		}
		flagged = append(flagged, e.PositionID)
	}
	if len(expired) > 0 {
		p.updateBufferedGauge()
	}
	return flagged
}

// Reconcile clears a reconciliation flag. A non-nil replacement becomes the
// authoritative state; otherwise sequencing resumes after the committed
// position's last sequence.
func (p *Processor) Reconcile(positionID string, replacement *state.Position) (Result, error) {
	seq := int64(0)
	if replacement != nil {
		if replacement.PositionID != positionID {
			return Result{}, fmt.Errorf("reconcile %s: replacement is for %s", positionID, replacement.PositionID)
		}
		if err := replacement.Validate(); err != nil {
			return Result{}, fmt.Errorf("reconcile %s: %w", positionID, err)
		}
		current, _ := p.store.Get(positionID)
		next := replacement.Clone()
		seal(current, next)
		p.store.Commit(next)
		seq = next.Sequence
	} else if current, ok := p.store.Get(positionID); ok {
		seq = current.Sequence
	}

	p.sequencer.Resync(positionID, seq)
	p.logger.Info().Str("position_id", positionID).Int64("sequence", seq).Msg("position reconciled")

	pos, _ := p.store.Get(positionID)
	return Result{Outcome: OutcomeApplied, Position: pos}, nil
}

// Restore primes the sequencer from a recovered position.
func (p *Processor) Restore(pos *state.Position) {
	p.sequencer.Restore(pos.PositionID, pos.Sequence)
}

// Flagged lists positions awaiting reconciliation.
func (p *Processor) Flagged() []string {
	return p.sequencer.Flagged()
}

func (p *Processor) rejectGap(pf *pendingFill, reason string) {
	current, _ := p.store.Get(pf.fill.PositionID)
	err := state.WithSnapshot(&state.RejectError{Kind: state.KindSequenceGap, Reason: reason}, pf.fill.PositionID, current)
	p.countRejected(event.EventTypeFill, err)
	pf.done(Result{}, err)
}

// emitChange hands off to persistence (blocking, commit order) and to
// projections (non-blocking, dropped when full).
func (p *Processor) emitChange(change *PositionChanged) {
	p.emit(CoreOutput{Change: change})
}

func (p *Processor) emitIntent(intent *event.LiquidationIntent) {
	if p.metrics != nil {
		p.metrics.LiquidationIntents.WithLabelValues(intent.Instrument).Inc()
	}
	p.emit(CoreOutput{Intent: intent})
}

func (p *Processor) emit(out CoreOutput) {
	if p.persistChan != nil {
		p.persistChan <- out
	}
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (p *Processor) countRejected(et event.EventType, err error) {
	kind := state.KindOf(err)
	p.logger.Warn().Err(err).Str("event_type", et.String()).Str("kind", kind.String()).Msg("event rejected")
	if p.metrics != nil {
		p.metrics.EventsRejected.WithLabelValues(et.String(), kind.String()).Inc()
	}
}

func (p *Processor) countDuplicate(et event.EventType) {
	if p.metrics != nil {
		p.metrics.Duplicates.WithLabelValues(et.String()).Inc()
	}
}

func (p *Processor) updateBufferedGauge() {
	if p.metrics != nil {
		p.metrics.BufferedFills.WithLabelValues(p.shard).Set(float64(p.sequencer.Buffered()))
	}
}
