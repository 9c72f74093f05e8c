package engine

import (
	"time"

	"marketstructure/internal/model"
	"marketstructure/internal/window"
)

// timeframeStore is one timeframe's candle window plus its zone
// collections. All access happens under the engine lock.
type timeframeStore struct {
	window   *window.Window
	blocks   []*model.OrderBlock
	gaps     []*model.FairValueGap
	breakers []*model.BreakerBlock

	processed    uint64
	lastCandleTS time.Time
}

func newTimeframeStore(capacity int) (*timeframeStore, error) {
	w, err := window.New(capacity)
	if err != nil {
		return nil, err
	}
	return &timeframeStore{window: w}, nil
}

// Dedup keys on timestamps, not window indices: eviction shifts
// positions but an origin timestamp never changes.

func (s *timeframeStore) hasBlockAt(ts time.Time) bool {
	for _, b := range s.blocks {
		if b.OriginTS.Equal(ts) {
			return true
		}
	}
	return false
}

func (s *timeframeStore) hasGapAt(ts time.Time) bool {
	for _, g := range s.gaps {
		if g.OriginTS.Equal(ts) {
			return true
		}
	}
	return false
}

func (s *timeframeStore) hasBreakerAt(ts time.Time) bool {
	for _, b := range s.breakers {
		if b.TransitionTS.Equal(ts) {
			return true
		}
	}
	return false
}

// dropExpired compacts each collection in place, keeping order.
func (s *timeframeStore) dropExpired() {
	blocks := s.blocks[:0]
	for _, b := range s.blocks {
		if b.State != model.StateExpired {
			blocks = append(blocks, b)
		}
	}
	s.blocks = blocks

	gaps := s.gaps[:0]
	for _, g := range s.gaps {
		if g.State != model.StateExpired {
			gaps = append(gaps, g)
		}
	}
	s.gaps = gaps

	breakers := s.breakers[:0]
	for _, b := range s.breakers {
		if b.State != model.StateExpired {
			breakers = append(breakers, b)
		}
	}
	s.breakers = breakers
}

// clear drops candles and zones; lifetime counters survive.
func (s *timeframeStore) clear() {
	s.window.Clear()
	s.blocks = nil
	s.gaps = nil
	s.breakers = nil
}
