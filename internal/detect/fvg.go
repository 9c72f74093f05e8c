package detect

import (
	"fmt"
	"math"
	"time"

	"marketstructure/internal/model"
)

// GapThresholdMode selects which minimum-size filter applies.
type GapThresholdMode string

const (
	GapThresholdPips    GapThresholdMode = "pips"
	GapThresholdPercent GapThresholdMode = "percent"
)

// FVGConfig tunes gap detection.
type FVGConfig struct {
	// PipSize converts a price range into pips (0.0001 for FX majors,
	// 0.01 for most crypto quotes).
	PipSize       float64
	MinGapPips    float64
	MinGapPercent float64
	ThresholdMode GapThresholdMode
}

func DefaultFVGConfig() FVGConfig {
	return FVGConfig{
		PipSize:       0.0001,
		MinGapPips:    0,
		MinGapPercent: 0,
		ThresholdMode: GapThresholdPips,
	}
}

func (c FVGConfig) validate() error {
	if c.PipSize <= 0 || math.IsNaN(c.PipSize) || math.IsInf(c.PipSize, 0) {
		return fmt.Errorf("fvg config: pip size %v, must be positive", c.PipSize)
	}
	if c.MinGapPips < 0 || c.MinGapPercent < 0 {
		return fmt.Errorf("fvg config: negative gap threshold")
	}
	switch c.ThresholdMode {
	case GapThresholdPips, GapThresholdPercent:
	default:
		return fmt.Errorf("fvg config: unknown threshold mode %q", c.ThresholdMode)
	}
	return nil
}

// FVGDetector finds 3-candle imbalances and measures how far price has
// filled them back in.
type FVGDetector struct {
	cfg FVGConfig
}

func NewFVGDetector(cfg FVGConfig) (*FVGDetector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FVGDetector{cfg: cfg}, nil
}

// Detect slides a 3-candle window over the slice: a bullish gap opens
// when the first candle's high sits below the third's low, a bearish
// gap when the first's low sits above the third's high. The origin is
// the middle candle. Fewer than 3 candles is a normal empty result.
func (d *FVGDetector) Detect(candles []model.Candle) []*model.FairValueGap {
	if len(candles) < 3 {
		return nil
	}
	var gaps []*model.FairValueGap
	for i := 0; i+2 < len(candles); i++ {
		first, mid, third := candles[i], candles[i+1], candles[i+2]

		var dir model.Direction
		var low, high float64
		switch {
		case first.High < third.Low:
			dir, low, high = model.Bullish, first.High, third.Low
		case first.Low > third.High:
			dir, low, high = model.Bearish, third.High, first.Low
		default:
			continue
		}

		size := high - low
		sizePips := size / d.cfg.PipSize
		sizePct := size / mid.Close * 100
		if d.cfg.ThresholdMode == GapThresholdPips && sizePips < d.cfg.MinGapPips {
			continue
		}
		if d.cfg.ThresholdMode == GapThresholdPercent && sizePct < d.cfg.MinGapPercent {
			continue
		}

		gap, err := model.NewFairValueGap(mid.Symbol, mid.Timeframe, dir, high, low, sizePips, sizePct, mid.Volume, mid.TS, i+1)
		if err != nil {
			continue
		}
		gaps = append(gaps, gap)
	}
	return gaps
}

// FillUpdate carries the deepest observed penetration of a gap.
type FillUpdate struct {
	Pct           float64
	FirstTouchTS  time.Time
	ClosedThrough bool
}

// FillDepth measures penetration from the gap's outer edge toward the
// inner edge over candles timestamped after the gap's origin: a bullish
// gap fills downward from its high, a bearish gap fills upward from its
// low. A close fully through the far boundary forces 100%. The second
// return is false when price never touched the gap.
func (d *FVGDetector) FillDepth(gap *model.FairValueGap, candles []model.Candle) (FillUpdate, bool) {
	size := gap.Range()
	if size <= 0 {
		return FillUpdate{}, false
	}
	var upd FillUpdate
	touched := false
	for _, c := range candles {
		if !c.TS.After(gap.OriginTS) {
			continue
		}
		var depth float64
		var through bool
		if gap.Direction == model.Bullish {
			depth = gap.High - c.Low
			through = c.Close < gap.Low
		} else {
			depth = c.High - gap.Low
			through = c.Close > gap.High
		}
		if depth <= 0 {
			continue
		}
		if !touched {
			upd.FirstTouchTS = c.TS
			touched = true
		}
		if pct := depth / size * 100; pct > upd.Pct {
			upd.Pct = pct
		}
		if through {
			upd.ClosedThrough = true
		}
	}
	if !touched {
		return FillUpdate{}, false
	}
	if upd.Pct > 100 {
		upd.Pct = 100
	}
	return upd, true
}
