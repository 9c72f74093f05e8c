package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// FairValueGap is a 3-candle imbalance: the price range skipped by an
// impulsive move, tracked until later candles fill it back in.
type FairValueGap struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Direction Direction `json:"direction"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	SizePips  float64   `json:"size_pips"`
	SizePct   float64   `json:"size_pct"`
	Volume    float64   `json:"volume"`
	OriginTS  time.Time `json:"origin_ts"`
	// OriginIndex is informational; see OrderBlock.OriginIndex.
	OriginIndex int       `json:"origin_index"`
	State       ZoneState `json:"state"`
	FillPct     float64   `json:"fill_pct"`
	FirstFillTS time.Time `json:"first_fill_ts,omitempty"`
}

// NewFairValueGap builds an unfilled gap. Origin is the middle candle
// of the 3-candle pattern.
func NewFairValueGap(symbol string, tf Timeframe, dir Direction, high, low, sizePips, sizePct, volume float64, originTS time.Time, originIndex int) (*FairValueGap, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidZone)
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidZone, dir)
	}
	if math.IsNaN(high) || math.IsNaN(low) || high <= low {
		return nil, fmt.Errorf("%w: gap bounds [%v, %v]", ErrInvalidZone, low, high)
	}
	if sizePips < 0 || sizePct < 0 || math.IsNaN(sizePips) || math.IsNaN(sizePct) {
		return nil, fmt.Errorf("%w: gap size pips=%v pct=%v", ErrInvalidZone, sizePips, sizePct)
	}
	if volume < 0 || math.IsNaN(volume) {
		return nil, fmt.Errorf("%w: volume %v", ErrInvalidZone, volume)
	}
	if originTS.IsZero() {
		return nil, fmt.Errorf("%w: zero origin timestamp", ErrInvalidZone)
	}
	return &FairValueGap{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Timeframe:   tf,
		Direction:   dir,
		High:        high,
		Low:         low,
		SizePips:    sizePips,
		SizePct:     sizePct,
		Volume:      volume,
		OriginTS:    originTS,
		OriginIndex: originIndex,
		State:       StateActive,
	}, nil
}

func (g *FairValueGap) Kind() IndicatorKind { return KindFairValueGap }
func (g *FairValueGap) ZoneLow() float64    { return g.Low }
func (g *FairValueGap) ZoneHigh() float64   { return g.High }
func (g *FairValueGap) Midpoint() float64   { return (g.High + g.Low) / 2 }
func (g *FairValueGap) Range() float64      { return g.High - g.Low }

// IsActive reports whether the gap still offers unfilled imbalance.
func (g *FairValueGap) IsActive() bool { return g.State == StateActive || g.State == StatePartial }

// ApplyFill advances the filled percentage. The percentage is clamped
// to [0,100] and never decreases; closedThrough forces a full fill. at
// stamps the first touch only.
func (g *FairValueGap) ApplyFill(pct float64, at time.Time, closedThrough bool) bool {
	if g.State == StateFilled || g.State == StateExpired {
		return false
	}
	if closedThrough {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	if pct <= g.FillPct {
		return false
	}
	if g.FillPct == 0 && g.FirstFillTS.IsZero() {
		g.FirstFillTS = at
	}
	g.FillPct = pct
	if pct >= 100 {
		g.State = StateFilled
	} else {
		g.State = StatePartial
	}
	return true
}

// MarkExpired retires the gap. Reachable from any non-expired state.
func (g *FairValueGap) MarkExpired() bool {
	if g.State == StateExpired {
		return false
	}
	g.State = StateExpired
	return true
}

func (g *FairValueGap) Clone() *FairValueGap {
	cp := *g
	return &cp
}
