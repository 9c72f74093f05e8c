package engine

import (
	"fmt"
	"math"
	"time"

	"marketstructure/internal/expiry"
	"marketstructure/internal/model"
)

// Snapshot is a point-in-time copy of one timeframe's zones. Every
// entry is a detached clone; mutating it does not touch engine state.
type Snapshot struct {
	Symbol       string                `json:"symbol"`
	Timeframe    model.Timeframe       `json:"timeframe"`
	LastCandleTS time.Time             `json:"last_candle_ts,omitempty"`
	OrderBlocks  []*model.OrderBlock   `json:"order_blocks"`
	Gaps         []*model.FairValueGap `json:"fair_value_gaps"`
	Breakers     []*model.BreakerBlock `json:"breaker_blocks"`
}

// Snapshot copies every zone tracked for tf, regardless of state.
func (e *Engine) Snapshot(tf model.Timeframe) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[tf]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTimeframe, tf)
	}
	return e.snapshotLocked(tf, st, false), nil
}

// ActiveSnapshot is Snapshot filtered to zones still acting as live
// support or resistance.
func (e *Engine) ActiveSnapshot(tf model.Timeframe) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[tf]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTimeframe, tf)
	}
	return e.snapshotLocked(tf, st, true), nil
}

func (e *Engine) snapshotLocked(tf model.Timeframe, st *timeframeStore, activeOnly bool) Snapshot {
	snap := Snapshot{
		Symbol:       e.symbol,
		Timeframe:    tf,
		LastCandleTS: st.lastCandleTS,
	}
	for _, b := range st.blocks {
		if !activeOnly || b.IsActive() {
			snap.OrderBlocks = append(snap.OrderBlocks, b.Clone())
		}
	}
	for _, g := range st.gaps {
		if !activeOnly || g.IsActive() {
			snap.Gaps = append(snap.Gaps, g.Clone())
		}
	}
	for _, b := range st.breakers {
		if !activeOnly || b.IsActive() {
			snap.Breakers = append(snap.Breakers, b.Clone())
		}
	}
	return snap
}

// Candles copies the most recent n candles for tf, oldest first; n <= 0
// returns the whole window.
func (e *Engine) Candles(tf model.Timeframe, n int) ([]model.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimeframe, tf)
	}
	if n <= 0 {
		return st.window.Snapshot(), nil
	}
	return st.window.Tail(n), nil
}

// Confirmations returns, per timeframe, the active zones of one kind
// whose midpoint lies within price x tolerancePct% of the query price.
// Timeframes with no matching zone are omitted.
func (e *Engine) Confirmations(kind model.IndicatorKind, price, tolerancePct float64) (map[model.Timeframe][]model.Indicator, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("engine: confirmation price %v, must be positive", price)
	}
	if tolerancePct < 0 || math.IsNaN(tolerancePct) {
		return nil, fmt.Errorf("engine: tolerance %v, must be non-negative", tolerancePct)
	}
	band := price * tolerancePct / 100

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.Timeframe][]model.Indicator)
	for tf, st := range e.stores {
		var hits []model.Indicator
		switch kind {
		case model.KindOrderBlock:
			for _, b := range st.blocks {
				if b.IsActive() && math.Abs(b.Midpoint()-price) <= band {
					hits = append(hits, b.Clone())
				}
			}
		case model.KindFairValueGap:
			for _, g := range st.gaps {
				if g.IsActive() && math.Abs(g.Midpoint()-price) <= band {
					hits = append(hits, g.Clone())
				}
			}
		case model.KindBreakerBlock:
			for _, b := range st.breakers {
				if b.IsActive() && math.Abs(b.Midpoint()-price) <= band {
					hits = append(hits, b.Clone())
				}
			}
		}
		if len(hits) > 0 {
			out[tf] = hits
		}
	}
	return out, nil
}

// ClearTimeframe drops tf's candles and zones; unknown timeframes are a
// no-op. Lifetime counters survive.
func (e *Engine) ClearTimeframe(tf model.Timeframe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stores[tf]; ok {
		st.clear()
	}
}

// ClearAll clears every configured timeframe.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.stores {
		st.clear()
	}
}

// TimeframeStats summarizes one timeframe's window and zone counts by
// state.
type TimeframeStats struct {
	CandleCount  int       `json:"candle_count"`
	Evicted      uint64    `json:"evicted"`
	Processed    uint64    `json:"processed"`
	LastCandleTS time.Time `json:"last_candle_ts,omitempty"`

	OrderBlocks map[model.ZoneState]int `json:"order_blocks"`
	Gaps        map[model.ZoneState]int `json:"fair_value_gaps"`
	Breakers    map[model.ZoneState]int `json:"breaker_blocks"`
}

// Stats reports per-timeframe counts plus the cumulative expiration and
// detector-fault counters.
type Stats struct {
	Symbol         string                                       `json:"symbol"`
	Timeframes     map[model.Timeframe]TimeframeStats           `json:"timeframes"`
	Expirations    map[model.IndicatorKind]map[expiry.Cause]int `json:"expirations"`
	DetectorFaults uint64                                       `json:"detector_faults"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Stats{
		Symbol:         e.symbol,
		Timeframes:     make(map[model.Timeframe]TimeframeStats, len(e.stores)),
		Expirations:    e.expirer.Counts(),
		DetectorFaults: e.faults,
	}
	for tf, st := range e.stores {
		ts := TimeframeStats{
			CandleCount:  st.window.Len(),
			Evicted:      st.window.Evicted(),
			Processed:    st.processed,
			LastCandleTS: st.lastCandleTS,
			OrderBlocks:  make(map[model.ZoneState]int),
			Gaps:         make(map[model.ZoneState]int),
			Breakers:     make(map[model.ZoneState]int),
		}
		for _, b := range st.blocks {
			ts.OrderBlocks[b.State]++
		}
		for _, g := range st.gaps {
			ts.Gaps[g.State]++
		}
		for _, b := range st.breakers {
			ts.Breakers[b.State]++
		}
		out.Timeframes[tf] = ts
	}
	return out
}

// ResetExpirationCounters zeroes the expiration tallies; zone state is
// untouched.
func (e *Engine) ResetExpirationCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expirer.Reset()
}
