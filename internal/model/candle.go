package model

import (
	"fmt"
	"math"
	"time"
)

// Candle is one immutable OHLCV bar. TS is the period start in UTC,
// normalized to the timeframe boundary at construction, so candle
// equality and ordering always compare aligned boundaries.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	TS        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// NewCandle validates and normalizes one bar. Prices must be positive
// and finite with low <= open,close <= high; volume must be finite and
// non-negative. Values that pass construction stay valid for their
// lifetime.
func NewCandle(symbol string, tf Timeframe, ts time.Time, open, high, low, closePx, volume float64, closed bool) (Candle, error) {
	if symbol == "" {
		return Candle{}, fmt.Errorf("%w: empty symbol", ErrInvalidCandle)
	}
	if !tf.Valid() {
		return Candle{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if ts.IsZero() {
		return Candle{}, fmt.Errorf("%w: zero timestamp", ErrInvalidCandle)
	}
	for _, p := range [...]float64{open, high, low, closePx} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return Candle{}, fmt.Errorf("%w: price %v", ErrInvalidCandle, p)
		}
	}
	if math.IsNaN(volume) || math.IsInf(volume, 0) || volume < 0 {
		return Candle{}, fmt.Errorf("%w: volume %v", ErrInvalidCandle, volume)
	}
	if high < low {
		return Candle{}, fmt.Errorf("%w: high %v below low %v", ErrInvalidCandle, high, low)
	}
	if open < low || open > high {
		return Candle{}, fmt.Errorf("%w: open %v outside [%v, %v]", ErrInvalidCandle, open, low, high)
	}
	if closePx < low || closePx > high {
		return Candle{}, fmt.Errorf("%w: close %v outside [%v, %v]", ErrInvalidCandle, closePx, low, high)
	}
	return Candle{
		Symbol:    symbol,
		Timeframe: tf,
		TS:        tf.Normalize(ts),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		Closed:    closed,
	}, nil
}

// Validate re-checks the construction invariants plus boundary
// alignment. Meant for candles decoded from external payloads rather
// than built through NewCandle.
func (c Candle) Validate() error {
	if _, err := NewCandle(c.Symbol, c.Timeframe, c.TS, c.Open, c.High, c.Low, c.Close, c.Volume, c.Closed); err != nil {
		return err
	}
	if !c.TS.Equal(c.Timeframe.Normalize(c.TS)) {
		return fmt.Errorf("%w: timestamp %s not aligned to %s boundary", ErrInvalidCandle, c.TS.Format(time.RFC3339), c.Timeframe)
	}
	return nil
}

// Key returns "symbol:timeframe", the map key used throughout.
func (c Candle) Key() string { return c.Symbol + ":" + string(c.Timeframe) }

func (c Candle) Body() float64  { return math.Abs(c.Close - c.Open) }
func (c Candle) Range() float64 { return c.High - c.Low }

func (c Candle) UpperWick() float64 { return c.High - math.Max(c.Open, c.Close) }
func (c Candle) LowerWick() float64 { return math.Min(c.Open, c.Close) - c.Low }

// BodyRatio is body/range, zero for a flat candle.
func (c Candle) BodyRatio() float64 {
	r := c.Range()
	if r == 0 {
		return 0
	}
	return c.Body() / r
}

func (c Candle) UpperWickRatio() float64 {
	r := c.Range()
	if r == 0 {
		return 0
	}
	return c.UpperWick() / r
}

func (c Candle) LowerWickRatio() float64 {
	r := c.Range()
	if r == 0 {
		return 0
	}
	return c.LowerWick() / r
}

func (c Candle) IsBullish() bool { return c.Close > c.Open }
func (c Candle) IsBearish() bool { return c.Close < c.Open }

func (c Candle) Midpoint() float64 { return (c.High + c.Low) / 2 }

// Contains reports whether price lies inside [low, high].
func (c Candle) Contains(price float64) bool { return price >= c.Low && price <= c.High }

// AggregateCandles merges consecutive closed candles of one source
// timeframe into a single candle of the target timeframe. The batch
// must hold exactly duration(target)/duration(source) candles; the
// aggregate's timestamp is the target period containing the last
// (trigger) candle.
func AggregateCandles(src []Candle, target Timeframe) (Candle, error) {
	if len(src) == 0 {
		return Candle{}, fmt.Errorf("%w: empty batch", ErrInvalidAggregation)
	}
	if !target.Valid() {
		return Candle{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, target)
	}
	base := src[0].Timeframe
	if !base.Valid() {
		return Candle{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, base)
	}
	if target.Millis() <= base.Millis() || target.Millis()%base.Millis() != 0 {
		return Candle{}, fmt.Errorf("%w: %s does not aggregate into %s", ErrInvalidAggregation, base, target)
	}
	want := int(target.Millis() / base.Millis())
	if len(src) != want {
		return Candle{}, fmt.Errorf("%w: need %d %s candles for one %s, got %d", ErrInvalidAggregation, want, base, target, len(src))
	}

	first, last := src[0], src[len(src)-1]
	high, low, volume := first.High, first.Low, 0.0
	for i, c := range src {
		if c.Symbol != first.Symbol || c.Timeframe != base {
			return Candle{}, fmt.Errorf("%w: mixed symbol or timeframe in batch", ErrInvalidAggregation)
		}
		if !c.Closed {
			return Candle{}, fmt.Errorf("%w: open candle at %s", ErrInvalidAggregation, c.TS.Format(time.RFC3339))
		}
		if i > 0 && !c.TS.Equal(src[i-1].TS.Add(base.Duration())) {
			return Candle{}, fmt.Errorf("%w: gap before %s", ErrInvalidAggregation, c.TS.Format(time.RFC3339))
		}
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		volume += c.Volume
	}
	return NewCandle(first.Symbol, target, target.Normalize(last.TS), first.Open, high, low, last.Close, volume, true)
}
