package model

import "time"

// Direction is the market bias of a zone.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Opposite flips the bias; used when a breached block reverses role.
func (d Direction) Opposite() Direction {
	if d == Bullish {
		return Bearish
	}
	return Bullish
}

func (d Direction) Valid() bool { return d == Bullish || d == Bearish }

// ZoneState is the lifecycle state of a zone. Each indicator kind uses
// its own subset: order blocks move through active/tested/broken,
// gaps through active/partial/filled, breakers through active/tested.
// Expired is reachable from any non-expired state and is terminal.
type ZoneState string

const (
	StateActive  ZoneState = "active"
	StateTested  ZoneState = "tested"
	StateBroken  ZoneState = "broken"
	StatePartial ZoneState = "partial"
	StateFilled  ZoneState = "filled"
	StateExpired ZoneState = "expired"
)

// IndicatorKind discriminates the three zone kinds.
type IndicatorKind string

const (
	KindOrderBlock   IndicatorKind = "order_block"
	KindFairValueGap IndicatorKind = "fair_value_gap"
	KindBreakerBlock IndicatorKind = "breaker_block"
)

func (k IndicatorKind) Valid() bool {
	switch k {
	case KindOrderBlock, KindFairValueGap, KindBreakerBlock:
		return true
	}
	return false
}

// AllKinds returns the three kinds in their canonical dispatch order.
func AllKinds() []IndicatorKind {
	return []IndicatorKind{KindOrderBlock, KindFairValueGap, KindBreakerBlock}
}

// Indicator is the common read view over the three zone kinds.
type Indicator interface {
	Kind() IndicatorKind
	ZoneLow() float64
	ZoneHigh() float64
	Midpoint() float64
	// IsActive reports whether the zone still acts as live
	// support/resistance: active or tested blocks and breakers,
	// active or partially filled gaps.
	IsActive() bool
}

// SwingPoint is a confirmed local extremum. Transient: produced and
// consumed within one detection pass, never stored.
type SwingPoint struct {
	Price  float64
	TS     time.Time
	Index  int
	IsHigh bool
	// Strength is the lookback width that confirmed the extremum.
	Strength int
}
