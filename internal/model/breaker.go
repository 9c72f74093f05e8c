package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// BreakerBlock is an order block that price has decisively broken
// through, reversing its role: a breached bullish block becomes bearish
// resistance and vice versa. Its lifecycle is independent of the source
// block's from the transition on.
type BreakerBlock struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	// Direction is the role after the reversal; OriginalDirection is the
	// source block's and is always the opposite.
	Direction         Direction `json:"direction"`
	OriginalDirection Direction `json:"original_direction"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	Volume            float64   `json:"volume"`
	Strength          float64   `json:"strength"`
	OriginTS          time.Time `json:"origin_ts"`
	TransitionTS      time.Time `json:"transition_ts"`
	// TransitionIndex is informational; see OrderBlock.OriginIndex.
	TransitionIndex int       `json:"transition_index"`
	BreachPct       float64   `json:"breach_pct"`
	State           ZoneState `json:"state"`
	TestCount       int       `json:"test_count"`
	LastTestTS      time.Time `json:"last_test_ts,omitempty"`
}

// NewBreakerBlock builds the role-reversed zone for a breached block,
// inheriting its boundaries, strength and formation volume unchanged.
func NewBreakerBlock(src *OrderBlock, breachPct float64, transitionTS time.Time, transitionIndex int) (*BreakerBlock, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source order block", ErrInvalidZone)
	}
	if breachPct < 0 || math.IsNaN(breachPct) {
		return nil, fmt.Errorf("%w: breach pct %v", ErrInvalidZone, breachPct)
	}
	if transitionTS.IsZero() {
		return nil, fmt.Errorf("%w: zero transition timestamp", ErrInvalidZone)
	}
	return &BreakerBlock{
		ID:                uuid.NewString(),
		Symbol:            src.Symbol,
		Timeframe:         src.Timeframe,
		Direction:         src.Direction.Opposite(),
		OriginalDirection: src.Direction,
		High:              src.High,
		Low:               src.Low,
		Volume:            src.Volume,
		Strength:          src.Strength,
		OriginTS:          src.OriginTS,
		TransitionTS:      transitionTS,
		TransitionIndex:   transitionIndex,
		BreachPct:         breachPct,
		State:             StateActive,
	}, nil
}

func (b *BreakerBlock) Kind() IndicatorKind { return KindBreakerBlock }
func (b *BreakerBlock) ZoneLow() float64    { return b.Low }
func (b *BreakerBlock) ZoneHigh() float64   { return b.High }
func (b *BreakerBlock) Midpoint() float64   { return (b.High + b.Low) / 2 }
func (b *BreakerBlock) Range() float64      { return b.High - b.Low }

func (b *BreakerBlock) Contains(price float64) bool { return price >= b.Low && price <= b.High }

// IsActive reports whether the breaker still acts as a live zone.
func (b *BreakerBlock) IsActive() bool { return b.State == StateActive || b.State == StateTested }

// MarkTested records a re-entry into the band, at most once per candle
// timestamp; the count is independent of the source block's history.
func (b *BreakerBlock) MarkTested(ts time.Time) bool {
	if !b.IsActive() || ts.Equal(b.LastTestTS) {
		return false
	}
	b.State = StateTested
	b.TestCount++
	b.LastTestTS = ts
	return true
}

// MarkExpired retires the breaker.
func (b *BreakerBlock) MarkExpired() bool {
	if b.State == StateExpired {
		return false
	}
	b.State = StateExpired
	return true
}

func (b *BreakerBlock) Clone() *BreakerBlock {
	cp := *b
	return &cp
}
