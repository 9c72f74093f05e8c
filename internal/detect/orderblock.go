package detect

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"marketstructure/internal/model"
)

// Fixed by the pattern definition: displacement must close through the
// candidate within the next few candles, volume is judged against the
// trailing average.
const (
	displacementWindow = 3
	volumeBaselineSpan = 20
)

// ErrNotEnoughCandles is the only error the order block detector
// returns; every other thin-input condition is a normal empty result.
var ErrNotEnoughCandles = errors.New("not enough candles")

// OrderBlockConfig tunes the order block scan.
type OrderBlockConfig struct {
	// SwingLookback is the symmetric width confirming a swing point.
	SwingLookback int
	// MinCandles is the minimum input length Detect accepts.
	MinCandles int
	// MaxCandles is how far back before each swing the candidate scan
	// reaches.
	MaxCandles int
	// VolumeMultiplier gates candidates on volume ratio versus the
	// trailing average; 0 disables the gate.
	VolumeMultiplier float64
}

func DefaultOrderBlockConfig() OrderBlockConfig {
	return OrderBlockConfig{
		SwingLookback:    5,
		MinCandles:       15,
		MaxCandles:       10,
		VolumeMultiplier: 0,
	}
}

func (c OrderBlockConfig) validate() error {
	if c.SwingLookback < 1 {
		return fmt.Errorf("order block config: swing lookback %d, must be >= 1", c.SwingLookback)
	}
	if c.MinCandles < 1 {
		return fmt.Errorf("order block config: min candles %d, must be >= 1", c.MinCandles)
	}
	if c.MaxCandles < 1 {
		return fmt.Errorf("order block config: max candles %d, must be >= 1", c.MaxCandles)
	}
	if c.VolumeMultiplier < 0 || math.IsNaN(c.VolumeMultiplier) {
		return fmt.Errorf("order block config: volume multiplier %v", c.VolumeMultiplier)
	}
	return nil
}

// OrderBlockDetector finds the last opposing candle before a confirmed
// displacement through a swing point.
type OrderBlockDetector struct {
	cfg OrderBlockConfig
}

func NewOrderBlockDetector(cfg OrderBlockConfig) (*OrderBlockDetector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &OrderBlockDetector{cfg: cfg}, nil
}

// Detect returns every order block in the window, time-sorted, at most
// one per origin timestamp. Inputs shorter than MinCandles fail
// validation; a window with no qualifying pattern is a normal empty
// result.
func (d *OrderBlockDetector) Detect(candles []model.Candle) ([]*model.OrderBlock, error) {
	if len(candles) < d.cfg.MinCandles {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCandles, len(candles), d.cfg.MinCandles)
	}
	swings := FindSwingPoints(candles, d.cfg.SwingLookback)
	if len(swings) == 0 {
		return nil, nil
	}

	var blocks []*model.OrderBlock
	seen := make(map[int64]struct{})
	for _, sw := range swings {
		dir := model.Bullish
		if sw.IsHigh {
			dir = model.Bearish
		}
		blk := d.scanForBlock(candles, sw.Index, dir)
		if blk == nil {
			continue
		}
		key := blk.OriginTS.UnixMilli()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		blocks = append(blocks, blk)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].OriginTS.Before(blocks[j].OriginTS) })
	return blocks, nil
}

// scanForBlock walks the candles preceding the swing, oldest first, and
// returns the first candidate with confirmed displacement. A bullish
// block wants a non-bullish candle whose high gets closed above; a
// bearish block wants a bullish candle whose low gets closed below.
func (d *OrderBlockDetector) scanForBlock(candles []model.Candle, swingIdx int, dir model.Direction) *model.OrderBlock {
	start := swingIdx - d.cfg.MaxCandles
	if start < 0 {
		start = 0
	}
	for j := start; j < swingIdx; j++ {
		c := candles[j]
		if dir == model.Bullish && c.IsBullish() {
			continue
		}
		if dir == model.Bearish && !c.IsBullish() {
			continue
		}
		if !displacementConfirmed(candles, j, dir) {
			continue
		}
		ratio := volumeRatio(candles, j)
		if d.cfg.VolumeMultiplier > 0 && ratio < d.cfg.VolumeMultiplier {
			continue
		}
		blk, err := model.NewOrderBlock(c.Symbol, c.Timeframe, dir, c.High, c.Low, c.Volume, strengthScore(c, ratio), c.TS, j)
		if err != nil {
			// flat candle, no zone to mark
			continue
		}
		return blk
	}
	return nil
}

func displacementConfirmed(candles []model.Candle, idx int, dir model.Direction) bool {
	end := idx + displacementWindow
	if end > len(candles)-1 {
		end = len(candles) - 1
	}
	for k := idx + 1; k <= end; k++ {
		if dir == model.Bullish && candles[k].Close > candles[idx].High {
			return true
		}
		if dir == model.Bearish && candles[k].Close < candles[idx].Low {
			return true
		}
	}
	return false
}

// volumeRatio compares a candle's volume to the trailing average over
// up to volumeBaselineSpan preceding candles; 1 when no history exists.
func volumeRatio(candles []model.Candle, idx int) float64 {
	start := idx - volumeBaselineSpan
	if start < 0 {
		start = 0
	}
	if start == idx {
		return 1
	}
	var sum float64
	for _, c := range candles[start:idx] {
		sum += c.Volume
	}
	avg := sum / float64(idx-start)
	if avg == 0 {
		return 1
	}
	return candles[idx].Volume / avg
}

// strengthScore grades a formation candle 0..100: volume expansion is
// worth up to 40 points (linear, ratio x20), body dominance up to 30,
// wick smallness up to 30.
func strengthScore(c model.Candle, volRatio float64) float64 {
	vol := math.Min(40, volRatio*20)
	body := math.Min(30, c.BodyRatio()*30)
	avgWick := (c.UpperWickRatio() + c.LowerWickRatio()) / 2
	wick := 30 * (1 - avgWick)
	if wick < 0 {
		wick = 0
	} else if wick > 30 {
		wick = 30
	}
	total := vol + body + wick
	if total < 0 {
		total = 0
	} else if total > 100 {
		total = 100
	}
	return total
}
