package state

import (
	"sort"
	"sync"
)

// PositionStore holds the authoritative position state. Each position has a
// single writer (its owning shard); readers always receive copies.
type PositionStore struct {
	mu           sync.RWMutex
	positions    map[string]*Position
	byInstrument map[string]map[string]struct{}
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions:    make(map[string]*Position),
		byInstrument: make(map[string]map[string]struct{}),
	}
}

// Get returns a copy of the position.
func (s *PositionStore) Get(positionID string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Commit installs pos as the new authoritative state.
func (s *PositionStore) Commit(pos *Position) {
	c := pos.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[c.PositionID] = c
	ids, ok := s.byInstrument[c.Instrument]
	if !ok {
		ids = make(map[string]struct{})
		s.byInstrument[c.Instrument] = ids
	}
	ids[c.PositionID] = struct{}{}
}

// Restore bulk-loads positions, e.g. from a snapshot at startup.
func (s *PositionStore) Restore(positions []*Position) {
	for _, p := range positions {
		s.Commit(p)
	}
}

// InstrumentPositionIDs returns the ids of every non-closed position of an
// instrument in sorted order.
func (s *PositionStore) InstrumentPositionIDs(instrument string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byInstrument[instrument]))
	for id := range s.byInstrument[instrument] {
		if s.positions[id].Status != StatusClosed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of every position matching keep, ordered by id.
// A nil keep matches everything.
func (s *PositionStore) List(keep func(*Position) bool) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0)
	for _, p := range s.positions {
		if keep == nil || keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OpenCount returns the number of positions that are not closed.
func (s *PositionStore) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.Status != StatusClosed {
			n++
		}
	}
	return n
}
