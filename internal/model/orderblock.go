package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// OrderBlock marks the last opposing candle before a confirmed
// displacement; price tends to react when it returns to the zone.
type OrderBlock struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Direction Direction `json:"direction"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Strength  float64   `json:"strength"`
	OriginTS  time.Time `json:"origin_ts"`
	// OriginIndex is the window position at detection time. Informational
	// only: eviction shifts positions, so lifecycle logic keys on OriginTS.
	OriginIndex int       `json:"origin_index"`
	State       ZoneState `json:"state"`
	TestCount   int       `json:"test_count"`
	LastTestTS  time.Time `json:"last_test_ts,omitempty"`
}

// NewOrderBlock builds an active block from its formation candle data.
func NewOrderBlock(symbol string, tf Timeframe, dir Direction, high, low, volume, strength float64, originTS time.Time, originIndex int) (*OrderBlock, error) {
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
		return nil, fmt.Errorf("%w: order block bounds [%v, %v]", ErrInvalidZone, low, high)
	}
	if strength < 0 || strength > 100 || math.IsNaN(strength) {
		return nil, fmt.Errorf("%w: strength %v outside [0,100]", ErrInvalidZone, strength)
	}
	if volume < 0 || math.IsNaN(volume) {
		return nil, fmt.Errorf("%w: volume %v", ErrInvalidZone, volume)
	}
	if originTS.IsZero() {
		return nil, fmt.Errorf("%w: zero origin timestamp", ErrInvalidZone)
	}
	return &OrderBlock{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Timeframe:   tf,
		Direction:   dir,
		High:        high,
		Low:         low,
		Volume:      volume,
		Strength:    strength,
		OriginTS:    originTS,
		OriginIndex: originIndex,
		State:       StateActive,
	}, nil
}

func (b *OrderBlock) Kind() IndicatorKind { return KindOrderBlock }
func (b *OrderBlock) ZoneLow() float64    { return b.Low }
func (b *OrderBlock) ZoneHigh() float64   { return b.High }
func (b *OrderBlock) Midpoint() float64   { return (b.High + b.Low) / 2 }
func (b *OrderBlock) Range() float64      { return b.High - b.Low }

func (b *OrderBlock) Contains(price float64) bool { return price >= b.Low && price <= b.High }

// IsActive reports whether the block still acts as a live zone.
func (b *OrderBlock) IsActive() bool { return b.State == StateActive || b.State == StateTested }

// MarkTested records a touch of the zone, at most once per candle
// timestamp. No-op once the block is broken or expired.
func (b *OrderBlock) MarkTested(ts time.Time) bool {
	if !b.IsActive() || ts.Equal(b.LastTestTS) {
		return false
	}
	b.State = StateTested
	b.TestCount++
	b.LastTestTS = ts
	return true
}

// MarkBroken flips a live block to broken; the breaker block takes over
// the zone from here.
func (b *OrderBlock) MarkBroken() bool {
	if !b.IsActive() {
		return false
	}
	b.State = StateBroken
	return true
}

// MarkExpired retires the block. Reachable from any non-expired state
// so aged-out broken blocks can still be reclaimed.
func (b *OrderBlock) MarkExpired() bool {
	if b.State == StateExpired {
		return false
	}
	b.State = StateExpired
	return true
}

func (b *OrderBlock) Clone() *OrderBlock {
	cp := *b
	return &cp
}
