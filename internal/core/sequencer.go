package core

import (
	"sort"
	"time"
)

// Verdict is the sequencer's decision for one incoming sequence number.
type Verdict int32

const (
	VerdictApply     Verdict = iota // seq == current+1
	VerdictDuplicate                // seq <= current, acknowledge without applying
	VerdictBuffered                 // seq > current+1, held until the gap fills
	VerdictAlreadyBuffered          // seq is already held, the new copy is not kept
	VerdictGap                      // position awaits reconciliation
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictBuffered:
		return "buffered"
	case VerdictAlreadyBuffered:
		return "already_buffered"
	case VerdictGap:
		return "gap"
	default:
		return "unknown"
	}
}

// SequencerConfig bounds how long and how much a position may wait for a
// missing sequence number.
type SequencerConfig struct {
	GapTimeout  time.Duration
	MaxBuffered int
}

func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		GapTimeout:  5 * time.Second,
		MaxBuffered: 1024,
	}
}

// Expired describes a position whose gap timed out. Discarded holds the
// buffered items that will never be applied.
type Expired[T any] struct {
	PositionID string
	Expected   int64
	Discarded  []T
}

type seqState[T any] struct {
	current  int64
	buffer   map[int64]T
	gapSince time.Time
	flagged  bool
}

// Sequencer enforces exactly-once, in-order application of fills per
// position. Not thread-safe: each position's sequencer state is touched only
// by the shard that owns the position.
type Sequencer[T any] struct {
	cfg       SequencerConfig
	positions map[string]*seqState[T]
}

func NewSequencer[T any](cfg SequencerConfig) *Sequencer[T] {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultSequencerConfig().MaxBuffered
	}
	return &Sequencer[T]{
		cfg:       cfg,
		positions: make(map[string]*seqState[T]),
	}
}

func (s *Sequencer[T]) get(positionID string) *seqState[T] {
	st, ok := s.positions[positionID]
	if !ok {
		st = &seqState[T]{buffer: make(map[int64]T)}
		s.positions[positionID] = st
	}
	return st
}

// Admit classifies seq for positionID. Buffered items are retained and later
// returned by Next once every earlier sequence has been applied.
func (s *Sequencer[T]) Admit(positionID string, seq int64, item T, now time.Time) Verdict {
	st := s.get(positionID)

	if seq <= st.current {
		return VerdictDuplicate
	}
	if st.flagged {
		return VerdictGap
	}
	if seq == st.current+1 {
		return VerdictApply
	}

	if _, dup := st.buffer[seq]; dup {
		return VerdictAlreadyBuffered
	}
	if len(st.buffer) >= s.cfg.MaxBuffered {
		st.flagged = true
		return VerdictGap
	}
	if len(st.buffer) == 0 {
		st.gapSince = now
	}
	st.buffer[seq] = item
	return VerdictBuffered
}

// Advance records seq as applied.
func (s *Sequencer[T]) Advance(positionID string, seq int64) {
	st := s.get(positionID)
	if seq > st.current {
		st.current = seq
	}
	if len(st.buffer) == 0 {
		st.gapSince = time.Time{}
	}
}

// Next pops the buffered item for current+1, if it has arrived.
func (s *Sequencer[T]) Next(positionID string, now time.Time) (T, int64, bool) {
	var zero T
	st, ok := s.positions[positionID]
	if !ok || st.flagged {
		return zero, 0, false
	}
	next := st.current + 1
	item, ok := st.buffer[next]
	if !ok {
		return zero, 0, false
	}
	delete(st.buffer, next)
	if len(st.buffer) > 0 {
		// Remaining items now wait on a fresh gap.
		st.gapSince = now
	}
	return item, next, true
}

// ExpireGaps flags every position whose gap has been open for longer than
// the timeout and returns what it discarded.
func (s *Sequencer[T]) ExpireGaps(now time.Time) []Expired[T] {
	var out []Expired[T]
	for id, st := range s.positions {
		if st.flagged || len(st.buffer) == 0 {
			continue
		}
		if now.Sub(st.gapSince) < s.cfg.GapTimeout {
			continue
		}
		st.flagged = true
		out = append(out, Expired[T]{
			PositionID: id,
			Expected:   st.current + 1,
			Discarded:  drain(st),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Flag marks a position for reconciliation immediately, e.g. on buffer
// overflow, and returns what it discarded.
func (s *Sequencer[T]) Flag(positionID string) []T {
	st := s.get(positionID)
	st.flagged = true
	return drain(st)
}

// Resync clears the reconciliation flag and sets the last applied sequence.
// Called by the external recovery process after it has repaired the stream.
func (s *Sequencer[T]) Resync(positionID string, seq int64) {
	st := s.get(positionID)
	st.current = seq
	st.flagged = false
	st.buffer = make(map[int64]T)
	st.gapSince = time.Time{}
}

// Restore sets the last applied sequence without touching flags. Used at
// startup from persisted positions.
func (s *Sequencer[T]) Restore(positionID string, seq int64) {
	s.get(positionID).current = seq
}

func (s *Sequencer[T]) Current(positionID string) int64 {
	if st, ok := s.positions[positionID]; ok {
		return st.current
	}
	return 0
}

func (s *Sequencer[T]) IsFlagged(positionID string) bool {
	st, ok := s.positions[positionID]
	return ok && st.flagged
}

// Buffered returns the number of items waiting across all positions.
func (s *Sequencer[T]) Buffered() int {
	n := 0
	for _, st := range s.positions {
		n += len(st.buffer)
	}
	return n
}

// Flagged returns every position awaiting reconciliation, sorted.
func (s *Sequencer[T]) Flagged() []string {
	var out []string
	for id, st := range s.positions {
		if st.flagged {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func drain[T any](st *seqState[T]) []T {
	seqs := make([]int64, 0, len(st.buffer))
	for seq := range st.buffer {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]T, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, st.buffer[seq])
	}
	st.buffer = make(map[int64]T)
	st.gapSince = time.Time{}
	return out
}
