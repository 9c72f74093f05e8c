package detect

import (
	"fmt"
	"math"

	"marketstructure/internal/model"
)

// BreakerConfig tunes when a breached order block flips into a breaker.
type BreakerConfig struct {
	// BreachThresholdPct is the minimum penetration through the block
	// boundary, as a percentage of block range. Values above 100 demand
	// penetration deeper than the block itself.
	BreachThresholdPct float64
	// MinBodyRatio rejects breaches confirmed by wicky candles.
	MinBodyRatio float64
	// RequireCloseBeyond demands the confirming candle close outside
	// the block, not just wick through it.
	RequireCloseBeyond bool
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		BreachThresholdPct: 10,
		MinBodyRatio:       0.5,
		RequireCloseBeyond: true,
	}
}

func (c BreakerConfig) validate() error {
	if c.BreachThresholdPct < 0 || c.BreachThresholdPct > 200 || math.IsNaN(c.BreachThresholdPct) {
		return fmt.Errorf("breaker config: breach threshold %v outside [0,200]", c.BreachThresholdPct)
	}
	if c.MinBodyRatio < 0 || c.MinBodyRatio > 1 || math.IsNaN(c.MinBodyRatio) {
		return fmt.Errorf("breaker config: body ratio %v outside [0,1]", c.MinBodyRatio)
	}
	return nil
}

// Breach pairs the order block that was violated with the breaker that
// replaces it. The detector never mutates the source block.
type Breach struct {
	Block   *model.OrderBlock
	Breaker *model.BreakerBlock
}

// BreakerDetector confirms order-block violations and builds the
// role-reversed breaker for each.
type BreakerDetector struct {
	cfg BreakerConfig
}

func NewBreakerDetector(cfg BreakerConfig) (*BreakerDetector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BreakerDetector{cfg: cfg}, nil
}

// DetectBreaches scans candles after each active block's origin for the
// first candle that penetrates the block boundary past the configured
// threshold. A bullish block is breached downward through its low, a
// bearish block upward through its high. The caller owns the state
// transition on the source block.
func (d *BreakerDetector) DetectBreaches(blocks []*model.OrderBlock, candles []model.Candle) []Breach {
	var breaches []Breach
	for _, blk := range blocks {
		if blk == nil || !blk.IsActive() {
			continue
		}
		rng := blk.Range()
		if rng <= 0 {
			continue
		}
		for i, c := range candles {
			if !c.TS.After(blk.OriginTS) {
				continue
			}
			var pen float64
			var closedBeyond bool
			if blk.Direction == model.Bullish {
				pen = blk.Low - c.Low
				closedBeyond = c.Close < blk.Low
			} else {
				pen = c.High - blk.High
				closedBeyond = c.Close > blk.High
			}
			if pen <= 0 {
				continue
			}
			breachPct := pen / rng * 100
			if breachPct < d.cfg.BreachThresholdPct {
				continue
			}
			if c.BodyRatio() < d.cfg.MinBodyRatio {
				continue
			}
			if d.cfg.RequireCloseBeyond && !closedBeyond {
				continue
			}
			brk, err := model.NewBreakerBlock(blk, breachPct, c.TS, i)
			if err != nil {
				break
			}
			breaches = append(breaches, Breach{Block: blk, Breaker: brk})
			break
		}
	}
	return breaches
}
