package core

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// DispatcherConfig sizes the shard pool.
type DispatcherConfig struct {
	Shards           int
	QueueSize        int
	Sequencer        SequencerConfig
	GapCheckInterval time.Duration
	Clock            func() time.Time
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Shards:           8,
		QueueSize:        4096,
		Sequencer:        DefaultSequencerConfig(),
		GapCheckInterval: time.Second,
		Clock:            time.Now,
	}
}

type reply struct {
	res Result
	err error
}

type tickTask struct {
	tick   *event.MarkTick
	params *state.ParamsSnapshot
}

type shard struct {
	id    int
	proc  *Processor
	inbox chan func(*Processor)

	tickMu     sync.Mutex
	ticks      map[string]tickTask // instrument -> newest unprocessed tick
	tickSignal chan struct{}
}

// Dispatcher gives every position a single owner shard. Events for one
// position run serially on its shard; different shards run in parallel.
// Mark ticks are fanned out to every shard and coalesced per instrument.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *state.ParamsRegistry
	store    *state.PositionStore
	shards   []*shard
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(
	cfg DispatcherConfig,
	registry *state.ParamsRegistry,
	store *state.PositionStore,
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GapCheckInterval <= 0 {
		cfg.GapCheckInterval = def.GapCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		store:    store,
		shards:   make([]*shard, cfg.Shards),
		metrics:  metrics,
		logger:   logger,
	}
	monitor := state.NewMarginMonitor()
	for i := range d.shards {
		id := i
		d.shards[i] = &shard{
			id:         id,
			inbox:      make(chan func(*Processor), cfg.QueueSize),
			ticks:      make(map[string]tickTask),
			tickSignal: make(chan struct{}, 1),
			proc: NewProcessor(ProcessorConfig{
				Store:          store,
				Monitor:        monitor,
				Sequencer:      cfg.Sequencer,
				Owns:           func(positionID string) bool { return d.shardIndex(positionID) == id },
				Shard:          strconv.Itoa(id),
				Metrics:        metrics,
				Logger:         logger.With().Int("shard", id).Logger(),
				PersistChan:    persistChan,
				ProjectionChan: projectionChan,
			}),
		}
	}
	return d
}

// Run drives every shard until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("shards", len(d.shards)).Msg("dispatcher started")

	var wg conc.WaitGroup
	for _, s := range d.shards {
		s := s
		wg.Go(func() {
			d.runShard(ctx, s)
		})
	}
	wg.Wait()

	d.logger.Info().Msg("dispatcher stopped")
	return nil
}

func (d *Dispatcher) runShard(ctx context.Context, s *shard) {
	ticker := time.NewTicker(d.cfg.GapCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.inbox:
			fn(s.proc)
		case <-s.tickSignal:
			d.flushTicks(s)
		case <-ticker.C:
			s.proc.ExpireGaps(d.cfg.Clock())
			if s.id == 0 && d.metrics != nil {
				d.metrics.OpenPositions.Set(float64(d.store.OpenCount()))
			}
		}
	}
}

func (d *Dispatcher) flushTicks(s *shard) {
	s.tickMu.Lock()
	pending := s.ticks
	s.ticks = make(map[string]tickTask, len(pending))
	s.tickMu.Unlock()

	for _, tt := range pending {
		if _, err := s.proc.Tick(tt.tick, tt.params); err != nil {
			d.logger.Warn().Err(err).Str("instrument", tt.tick.Instrument).Int("shard", s.id).Msg("mark tick not applied")
		}
	}
}

func (d *Dispatcher) shardIndex(positionID string) int {
	h := fnv.New32a()
	h.Write([]byte(positionID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) shardFor(positionID string) *shard {
	return d.shards[d.shardIndex(positionID)]
}

// owner returns the shard that executes events for the targeted position.
func (d *Dispatcher) owner(e event.PositionEvent) *shard {
	return d.shardFor(e.TargetPosition())
}

func (d *Dispatcher) enqueue(ctx context.Context, s *shard, fn func(*Processor)) error {
	select {
	case s.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitFill captures the current parameter snapshot and queues the fill on
// its owner shard. done is invoked exactly once with the final resolution,
// which for a buffered fill happens after the gap closes or times out.
func (d *Dispatcher) SubmitFill(ctx context.Context, f *event.Fill, done Completion) error {
	if f.PositionID == "" {
		return &state.RejectError{Kind: state.KindInvalidFill, Reason: "position_id is required"}
	}
	snap := d.registry.Snapshot()
	return d.enqueue(ctx, d.owner(f), func(p *Processor) {
		p.Fill(f, snap, d.cfg.Clock(), done)
	})
}

// ApplyFill submits a fill and waits for its resolution.
func (d *Dispatcher) ApplyFill(ctx context.Context, f *event.Fill) (Result, error) {
	ch := make(chan reply, 1)
	if err := d.SubmitFill(ctx, f, func(r Result, err error) { ch <- reply{r, err} }); err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SubmitTick offers a tick to every shard without blocking. An unprocessed
// older tick for the same instrument is replaced; a tick older than the
// pending one is dropped.
func (d *Dispatcher) SubmitTick(t *event.MarkTick) {
	snap := d.registry.Snapshot()
	instrument := t.TargetInstrument()
	for _, s := range d.shards {
		s.tickMu.Lock()
		prev, had := s.ticks[instrument]
		if had && t.CapturedAt.Before(prev.tick.CapturedAt) {
			s.tickMu.Unlock()
			if d.metrics != nil {
				d.metrics.TicksStale.Inc()
			}
			continue
		}
		s.ticks[instrument] = tickTask{tick: t, params: snap}
		s.tickMu.Unlock()

		if had && d.metrics != nil {
			d.metrics.TicksCoalesced.WithLabelValues(instrument).Inc()
		}
		select {
		case s.tickSignal <- struct{}{}:
		default:
		}
	}
}

// ApplyTick revalues every position of the instrument and waits for all
// shards. Unlike SubmitTick it never coalesces.
func (d *Dispatcher) ApplyTick(ctx context.Context, t *event.MarkTick) (Result, error) {
	snap := d.registry.Snapshot()
	return d.broadcast(ctx, func(p *Processor) (Result, error) {
		return p.Tick(t, snap)
	})
}

// ApplyFunding charges one funding epoch on every shard.
func (d *Dispatcher) ApplyFunding(ctx context.Context, c *event.FundingCharge) (Result, error) {
	snap := d.registry.Snapshot()
	return d.broadcast(ctx, func(p *Processor) (Result, error) {
		return p.Funding(c, snap)
	})
}

// PublishParams installs a new parameter version. Events submitted before
// the call keep the snapshot they captured.
func (d *Dispatcher) PublishParams(u *event.RiskParamUpdate) (int64, error) {
	version, err := d.registry.Publish(state.InstrumentParams{
		Instrument:            u.Instrument,
		ContractSize:          u.ContractSize,
		MaintenanceMarginRate: u.MaintenanceMarginRate,
		LiquidationFeeRate:    u.LiquidationFeeRate,
		InitialMarginRate:     u.InitialMarginRate,
		MaxLeverage:           u.MaxLeverage,
	})
	if err != nil {
		return 0, err
	}
	d.logger.Info().Str("instrument", u.Instrument).Int64("version", version).Msg("instrument parameters published")
	return version, nil
}

// Reserve earmarks quantity of a position for a pending close.
func (d *Dispatcher) Reserve(ctx context.Context, cmd *event.ReserveClose) (Result, error) {
	at := d.cfg.Clock()
	return d.call(ctx, cmd.TargetPosition(), func(p *Processor) (Result, error) {
		return p.Reserve(cmd, at)
	})
}

// Release returns reserved quantity of a position.
func (d *Dispatcher) Release(ctx context.Context, cmd *event.ReleaseReservation) (Result, error) {
	at := d.cfg.Clock()
	return d.call(ctx, cmd.TargetPosition(), func(p *Processor) (Result, error) {
		return p.Release(cmd, at)
	})
}

// Reconcile resumes a position flagged after a sequence gap.
func (d *Dispatcher) Reconcile(ctx context.Context, positionID string, replacement *state.Position) (Result, error) {
	return d.call(ctx, positionID, func(p *Processor) (Result, error) {
		return p.Reconcile(positionID, replacement)
	})
}

// Flagged lists every position awaiting reconciliation.
func (d *Dispatcher) Flagged(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var out []string
	_, err := d.broadcast(ctx, func(p *Processor) (Result, error) {
		ids := p.Flagged()
		mu.Lock()
		out = append(out, ids...)
		mu.Unlock()
		return Result{Outcome: OutcomeIgnored}, nil
	})
	return out, err
}

// Restore loads recovered positions. Call before Run.
func (d *Dispatcher) Restore(positions []*state.Position) {
	d.store.Restore(positions)
	for _, pos := range positions {
		d.shardFor(pos.PositionID).proc.Restore(pos)
	}
	d.logger.Info().Int("positions", len(positions)).Msg("positions restored")
}

// Store exposes the read side of the position store.
func (d *Dispatcher) Store() *state.PositionStore {
	return d.store
}

func (d *Dispatcher) call(ctx context.Context, positionID string, fn func(*Processor) (Result, error)) (Result, error) {
	if positionID == "" {
		return Result{}, fmt.Errorf("position_id is required")
	}
	ch := make(chan reply, 1)
	if err := d.enqueue(ctx, d.shardFor(positionID), func(p *Processor) {
		r, err := fn(p)
		ch <- reply{r, err}
	}); err != nil {
		return Result{}, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// broadcast runs fn on every shard and merges the results. The first error
// wins.
func (d *Dispatcher) broadcast(ctx context.Context, fn func(*Processor) (Result, error)) (Result, error) {
	ch := make(chan reply, len(d.shards))
	sent := 0
	for _, s := range d.shards {
		if err := d.enqueue(ctx, s, func(p *Processor) {
			r, err := fn(p)
			ch <- reply{r, err}
		}); err != nil {
			return Result{}, err
		}
		sent++
	}

	merged := Result{Outcome: OutcomeIgnored}
	var errs []error
	for i := 0; i < sent; i++ {
		select {
		case r := <-ch:
			if r.err != nil {
				errs = append(errs, r.err)
				continue
			}
			if r.res.Outcome == OutcomeApplied {
				merged.Outcome = OutcomeApplied
			}
			merged.Changes = append(merged.Changes, r.res.Changes...)
			merged.Intents = append(merged.Intents, r.res.Intents...)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if len(errs) > 0 {
		return merged, errs[0]
	}
	return merged, nil
}
