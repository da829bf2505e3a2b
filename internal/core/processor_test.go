package core_test

import (
	"errors"
	"testing"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

const testInstrument = "BTC-USDT-PERP"

type reply struct {
	res core.Result
	err error
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRegistry(t *testing.T) *state.ParamsRegistry {
	t.Helper()
	r := state.NewParamsRegistry()
	if _, err := r.Publish(state.InstrumentParams{
		Instrument:            testInstrument,
		ContractSize:          d("1"),
		MaintenanceMarginRate: d("0.05"),
		LiquidationFeeRate:    d("0.01"),
	}); err != nil {
		t.Fatalf("publish params: %v", err)
	}
	return r
}

// newTestProcessor creates a Processor with buffered output channels.
func newTestProcessor() (*core.Processor, *state.PositionStore, chan core.CoreOutput) {
	store := state.NewPositionStore()
	persistChan := make(chan core.CoreOutput, 1024)
	p := core.NewProcessor(core.ProcessorConfig{
		Store:       store,
		Sequencer:   core.SequencerConfig{GapTimeout: time.Second, MaxBuffered: 16},
		Logger:      zerolog.Nop(),
		PersistChan: persistChan,
	})
	return p, store, persistChan
}

func mustFill(positionID string, dir event.Direction, qty, price string, seq int64) *event.Fill {
	return &event.Fill{
		PositionID: positionID,
		UserID:     uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Instrument: testInstrument,
		Direction:  dir,
		Quantity:   d(qty),
		Price:      d(price),
		Margin:     d("20"),
		Sequence:   seq,
		Timestamp:  time.UnixMicro(1_000_000 + seq*1000),
	}
}

func collect(out *[]reply) core.Completion {
	return func(r core.Result, err error) {
		*out = append(*out, reply{r, err})
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Fill pipeline
// ============================================================================

func TestProcessor_FillAppliedAndEmitted(t *testing.T) {
	p, store, persist := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))

	if len(got) != 1 || got[0].err != nil {
		t.Fatalf("expected one successful reply, got %+v", got)
	}
	if got[0].res.Outcome != core.OutcomeApplied {
		t.Errorf("expected applied, got %s", got[0].res.Outcome)
	}

	pos, ok := store.Get("pos-1")
	if !ok {
		t.Fatal("position not committed")
	}
	if pos.Sequence != 1 || pos.Version != 1 {
		t.Errorf("expected seq 1 version 1, got %d/%d", pos.Sequence, pos.Version)
	}
	if pos.StateHash == ([32]byte{}) {
		t.Error("state hash not set")
	}

	outs := drainOutputs(persist)
	if len(outs) != 1 || outs[0].Change == nil || outs[0].Change.Kind != state.ChangeOpened {
		t.Fatalf("expected one OPENED change, got %+v", outs)
	}
}

func TestProcessor_DuplicateIsIdempotent(t *testing.T) {
	p, store, persist := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	f := mustFill("pos-1", event.DirectionBuy, "1", "100", 1)

	var got []reply
	p.Fill(f, snap, time.Unix(0, 0), collect(&got))
	once, _ := store.Get("pos-1")
	drainOutputs(persist)

	p.Fill(f, snap, time.Unix(0, 0), collect(&got))
	twice, _ := store.Get("pos-1")

	if got[1].err != nil || got[1].res.Outcome != core.OutcomeDuplicate {
		t.Fatalf("expected duplicate ack, got %+v", got[1])
	}
	if once.StateHash != twice.StateHash || !once.Quantity.Equal(twice.Quantity) {
		t.Error("duplicate changed state")
	}
	if outs := drainOutputs(persist); len(outs) != 0 {
		t.Errorf("duplicate must not emit, got %d outputs", len(outs))
	}
}

func TestProcessor_OutOfOrderBuffered(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	now := time.Unix(0, 0)

	var second, first []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "110", 2), snap, now, collect(&second))
	if len(second) != 0 {
		t.Fatalf("buffered fill resolved early: %+v", second)
	}

	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, now, collect(&first))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both resolved, got %d/%d", len(first), len(second))
	}
	if second[0].err != nil || second[0].res.Outcome != core.OutcomeApplied {
		t.Errorf("buffered fill not applied: %+v", second[0])
	}

	pos, _ := store.Get("pos-1")
	if !pos.EntryPrice.Equal(d("105")) || pos.Sequence != 2 {
		t.Errorf("expected entry 105 at seq 2, got %s at %d", pos.EntryPrice, pos.Sequence)
	}
}

func TestProcessor_GapTimeoutFlagsPosition(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	start := time.Unix(100, 0)

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, start, collect(&got))
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 3), snap, start, collect(&got))

	flagged := p.ExpireGaps(start.Add(2 * time.Second))
	if len(flagged) != 1 || flagged[0] != "pos-1" {
		t.Fatalf("expected pos-1 flagged, got %v", flagged)
	}
	if len(got) != 2 || !errors.Is(got[1].err, state.ErrSequenceGap) {
		t.Fatalf("buffered fill should be rejected with SequenceGap, got %+v", got)
	}

	var late []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 2), snap, start, collect(&late))
	if !errors.Is(late[0].err, state.ErrSequenceGap) {
		t.Fatalf("flagged position must reject, got %v", late[0].err)
	}
	var re *state.RejectError
	if !errors.As(late[0].err, &re) || re.Snapshot == nil || !re.Snapshot.Quantity.Equal(d("1")) {
		t.Errorf("rejection must carry the authoritative snapshot, got %+v", re)
	}

	if _, err := p.Reconcile("pos-1", nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var resumed []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 2), snap, start, collect(&resumed))
	if resumed[0].err != nil {
		t.Fatalf("expected fill to apply after reconcile: %v", resumed[0].err)
	}
	pos, _ := store.Get("pos-1")
	if !pos.Quantity.Equal(d("2")) {
		t.Errorf("expected qty 2, got %s", pos.Quantity)
	}
}

func TestProcessor_ConfigurationMissing(t *testing.T) {
	p, store, _ := newTestProcessor()
	empty := state.NewParamsRegistry().Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), empty, time.Unix(0, 0), collect(&got))

	if !errors.Is(got[0].err, state.ErrConfigurationMissing) {
		t.Fatalf("expected ConfigurationMissing, got %v", got[0].err)
	}
	if _, ok := store.Get("pos-1"); ok {
		t.Fatal("nothing may be applied without parameters")
	}

	// Retried once parameters exist, with the same sequence number.
	snap := testRegistry(t).Snapshot()
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))
	if got[1].err != nil || got[1].res.Outcome != core.OutcomeApplied {
		t.Fatalf("retry should apply, got %+v", got[1])
	}
}

func TestProcessor_RejectedFillConsumesSequence(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	now := time.Unix(0, 0)

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, now, collect(&got))
	bad := mustFill("pos-1", event.DirectionBuy, "0", "100", 2)
	p.Fill(bad, snap, now, collect(&got))
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 3), snap, now, collect(&got))

	if !errors.Is(got[1].err, state.ErrInvalidFill) {
		t.Fatalf("expected InvalidFill, got %v", got[1].err)
	}
	if got[2].err != nil || got[2].res.Outcome != core.OutcomeApplied {
		t.Fatalf("fill after rejection should apply, got %+v", got[2])
	}
	pos, _ := store.Get("pos-1")
	if pos.Sequence != 3 || !pos.Quantity.Equal(d("2")) {
		t.Errorf("expected qty 2 at seq 3, got %s at %d", pos.Quantity, pos.Sequence)
	}
}

// ============================================================================
// Mark ticks and liquidation
// ============================================================================

func TestProcessor_TickTriggersLiquidation(t *testing.T) {
	p, store, persist := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))
	drainOutputs(persist)

	res, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("85"), CapturedAt: time.Unix(10, 0)}, snap)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Intents) != 0 {
		t.Fatal("healthy tick must not emit an intent")
	}

	res, err = p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("84"), CapturedAt: time.Unix(11, 0)}, snap)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(res.Intents))
	}
	intent := res.Intents[0]
	if !intent.ReferencePrice.Equal(d("84")) || !intent.Quantity.Equal(d("1")) || !intent.LiquidationFeeRate.Equal(d("0.01")) {
		t.Errorf("unexpected intent %+v", intent)
	}

	pos, _ := store.Get("pos-1")
	if pos.Status != state.StatusLiquidating {
		t.Fatalf("expected LIQUIDATING, got %s", pos.Status)
	}

	// Further ticks only revalue.
	res, _ = p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("80"), CapturedAt: time.Unix(12, 0)}, snap)
	if len(res.Intents) != 0 {
		t.Error("intent repeated while liquidating")
	}

	var intents int
	for _, o := range drainOutputs(persist) {
		if o.Intent != nil {
			intents++
		}
	}
	if intents != 1 {
		t.Errorf("expected one intent emitted, got %d", intents)
	}

	// A liquidation fill closes the position.
	liq := mustFill("pos-1", event.DirectionSell, "1", "80", 2)
	liq.Liquidation = true
	p.Fill(liq, snap, time.Unix(13, 0), collect(&got))
	pos, _ = store.Get("pos-1")
	if pos.Status != state.StatusClosed {
		t.Errorf("expected CLOSED, got %s", pos.Status)
	}

	var after []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "80", 3), snap, time.Unix(14, 0), collect(&after))
	if !errors.Is(after[0].err, state.ErrPositionNotTradable) {
		t.Errorf("closed position must reject, got %v", after[0].err)
	}
}

func TestProcessor_ClosedPositionRejectsLaterFills(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	now := time.Unix(0, 0)

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, now, collect(&got))
	p.Fill(mustFill("pos-1", event.DirectionSell, "1", "100", 2), snap, now, collect(&got))
	if pos, _ := store.Get("pos-1"); pos.Status != state.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", pos.Status)
	}

	// Ahead of the next expected sequence: must not be buffered.
	var late []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 4), snap, now, collect(&late))
	if len(late) != 1 {
		t.Fatalf("expected an immediate reply, got %d", len(late))
	}
	var re *state.RejectError
	if !errors.As(late[0].err, &re) || re.Kind != state.KindPositionNotTradable {
		t.Fatalf("expected PositionNotTradable, got %v", late[0].err)
	}
	if re.Reason != "position already closed" || re.Snapshot == nil || re.Snapshot.Status != state.StatusClosed {
		t.Errorf("unexpected rejection %+v", re)
	}

	if flagged := p.ExpireGaps(now.Add(10 * time.Second)); len(flagged) != 0 {
		t.Errorf("closed position flagged for reconciliation: %v", flagged)
	}
	if len(p.Flagged()) != 0 {
		t.Errorf("expected nothing flagged, got %v", p.Flagged())
	}

	// Already-applied sequences stay duplicates.
	var dup []reply
	p.Fill(mustFill("pos-1", event.DirectionSell, "1", "100", 2), snap, now, collect(&dup))
	if dup[0].err != nil || dup[0].res.Outcome != core.OutcomeDuplicate {
		t.Errorf("expected duplicate, got %+v", dup[0])
	}
}

func TestProcessor_FillTriggeredLiquidationKind(t *testing.T) {
	p, store, persist := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))
	if _, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("85"), CapturedAt: time.Unix(10, 0)}, snap); err != nil {
		t.Fatalf("tick: %v", err)
	}
	drainOutputs(persist)

	// Adding 1 @ 85 with margin 1: equity 21-15=6 on notional 170 is below 5%.
	add := mustFill("pos-1", event.DirectionBuy, "1", "85", 2)
	add.Margin = d("1")
	p.Fill(add, snap, time.Unix(11, 0), collect(&got))

	last := got[len(got)-1]
	if last.err != nil {
		t.Fatalf("fill: %v", last.err)
	}
	if len(last.res.Intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(last.res.Intents))
	}
	if k := last.res.Changes[0].Kind; k != state.ChangeLiquidating {
		t.Errorf("expected LIQUIDATING change, got %s", k)
	}
	if !last.res.Changes[0].FilledQuantity.Equal(d("1")) {
		t.Errorf("fill details lost, filled %s", last.res.Changes[0].FilledQuantity)
	}
	if pos, _ := store.Get("pos-1"); pos.Status != state.StatusLiquidating {
		t.Errorf("expected LIQUIDATING, got %s", pos.Status)
	}
}

func TestProcessor_TickValidationAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)
	p := core.NewProcessor(core.ProcessorConfig{
		Store:     state.NewPositionStore(),
		Sequencer: core.DefaultSequencerConfig(),
		Logger:    zerolog.Nop(),
		Metrics:   metrics,
	})
	snap := testRegistry(t).Snapshot()

	_, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("0"), CapturedAt: time.Unix(1, 0)}, snap)
	if !errors.Is(err, state.ErrInvalidTick) {
		t.Fatalf("expected InvalidTick, got %v", err)
	}

	applied := metrics.EventsApplied.WithLabelValues(event.EventTypeMarkTick.String())
	res, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("100"), CapturedAt: time.Unix(2, 0)}, snap)
	if err != nil || res.Outcome != core.OutcomeIgnored {
		t.Fatalf("tick without positions: %v %s", err, res.Outcome)
	}
	if v := promtest.ToFloat64(applied); v != 0 {
		t.Errorf("ignored tick counted as applied: %v", v)
	}

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(3, 0), collect(&got))
	if _, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("101"), CapturedAt: time.Unix(4, 0)}, snap); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if v := promtest.ToFloat64(applied); v != 1 {
		t.Errorf("expected 1 applied tick, got %v", v)
	}
}

func TestProcessor_FlaggedPositionStillRevalued(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	now := time.Unix(0, 0)

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, now, collect(&got))
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 3), snap, now, collect(&got))
	if flagged := p.ExpireGaps(now.Add(5 * time.Second)); len(flagged) != 1 {
		t.Fatalf("expected pos-1 flagged, got %v", flagged)
	}

	res, err := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("110"), CapturedAt: time.Unix(10, 0)}, snap)
	if err != nil || res.Outcome != core.OutcomeApplied {
		t.Fatalf("tick: %v %s", err, res.Outcome)
	}

	pos, _ := store.Get("pos-1")
	if !pos.MarkPrice.Equal(d("110")) || !pos.UnrealizedPnl.Equal(d("10")) {
		t.Errorf("expected revaluation at 110, got mark %s upnl %s", pos.MarkPrice, pos.UnrealizedPnl)
	}
	if !pos.Quantity.Equal(d("1")) || pos.Sequence != 1 {
		t.Errorf("tick changed trade state: qty %s seq %d", pos.Quantity, pos.Sequence)
	}
	if len(p.Flagged()) != 1 {
		t.Error("tick cleared the reconciliation flag")
	}
}

func TestProcessor_StaleTickDropped(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))

	p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("120"), CapturedAt: time.Unix(20, 0)}, snap)
	res, _ := p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("90"), CapturedAt: time.Unix(10, 0)}, snap)

	if res.Outcome != core.OutcomeIgnored {
		t.Errorf("stale tick should be ignored, got %s", res.Outcome)
	}
	pos, _ := store.Get("pos-1")
	if !pos.MarkPrice.Equal(d("120")) {
		t.Errorf("expected mark 120, got %s", pos.MarkPrice)
	}
}

func TestProcessor_PartialLiquidationReissues(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "2", "100", 1), snap, time.Unix(0, 0), collect(&got))
	p.Tick(&event.MarkTick{Instrument: testInstrument, MarkPrice: d("94"), CapturedAt: time.Unix(10, 0)}, snap)

	liq := mustFill("pos-1", event.DirectionSell, "1", "94", 2)
	liq.Liquidation = true
	liq.Margin = decimal.Zero
	p.Fill(liq, snap, time.Unix(11, 0), collect(&got))

	last := got[len(got)-1]
	if last.err != nil {
		t.Fatalf("liquidation fill: %v", last.err)
	}
	if len(last.res.Intents) != 1 || !last.res.Intents[0].Quantity.Equal(d("1")) {
		t.Fatalf("expected follow-up intent for remaining 1, got %+v", last.res.Intents)
	}
	pos, _ := store.Get("pos-1")
	if pos.Status != state.StatusLiquidating {
		t.Errorf("expected still LIQUIDATING, got %s", pos.Status)
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestProcessor_ReserveAndFunding(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()
	now := time.Unix(0, 0)

	if _, err := p.Reserve(&event.ReserveClose{RequestID: "r1", PositionID: "missing", Quantity: d("1")}, now); !errors.Is(err, state.ErrPositionNotFound) {
		t.Fatalf("expected PositionNotFound, got %v", err)
	}

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "2", "100", 1), snap, now, collect(&got))

	if _, err := p.Reserve(&event.ReserveClose{RequestID: "r2", PositionID: "pos-1", Quantity: d("3")}, now); !errors.Is(err, state.ErrInsufficientAvailable) {
		t.Fatalf("expected InsufficientAvailable, got %v", err)
	}
	res, err := p.Reserve(&event.ReserveClose{RequestID: "r3", PositionID: "pos-1", Quantity: d("1.5")}, now)
	if err != nil || !res.Position.ClosingReservedQuantity.Equal(d("1.5")) {
		t.Fatalf("reserve: %v %+v", err, res.Position)
	}

	charge := &event.FundingCharge{Instrument: testInstrument, EpochID: 1, Rate: d("0.0001"), MarkPrice: d("100"), Timestamp: now}
	res, err = p.Funding(charge, snap)
	if err != nil || len(res.Changes) != 1 {
		t.Fatalf("funding: %v %+v", err, res)
	}
	if !res.Changes[0].FundingPayment.Equal(d("0.02")) {
		t.Errorf("expected payment 0.02, got %s", res.Changes[0].FundingPayment)
	}
	res, _ = p.Funding(charge, snap)
	if len(res.Changes) != 0 {
		t.Error("funding epoch charged twice")
	}

	pos, _ := store.Get("pos-1")
	if !pos.CumFundingFee.Equal(d("0.02")) {
		t.Errorf("expected cum funding 0.02, got %s", pos.CumFundingFee)
	}
}

func TestProcessor_HashChainExtends(t *testing.T) {
	p, store, _ := newTestProcessor()
	snap := testRegistry(t).Snapshot()

	var got []reply
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 1), snap, time.Unix(0, 0), collect(&got))
	first, _ := store.Get("pos-1")
	p.Fill(mustFill("pos-1", event.DirectionBuy, "1", "100", 2), snap, time.Unix(0, 0), collect(&got))
	second, _ := store.Get("pos-1")

	want := core.ComputeHash(first.StateHash, second.Version, second.CanonicalBytes())
	if second.StateHash != want {
		t.Error("state hash does not chain from the previous version")
	}
	if second.Version != 2 {
		t.Errorf("expected version 2, got %d", second.Version)
	}
}
