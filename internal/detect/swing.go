// Package detect holds the market-structure pattern detectors: swing
// points, order blocks, fair value gaps and breaker blocks. Detectors
// are stateless and operate on immutable candle slices; the engine owns
// all lifecycle state.
package detect

import "marketstructure/internal/model"

// FindSwingPoints scans for local extrema confirmed by a symmetric
// lookback: index i is a swing high iff its high strictly exceeds every
// high within lookback candles on both sides, mirror for lows. Ties
// disqualify a candidate. Slices shorter than 2*lookback+1 yield nil.
func FindSwingPoints(candles []model.Candle, lookback int) []model.SwingPoint {
	if lookback < 1 || len(candles) < 2*lookback+1 {
		return nil
	}
	var swings []model.SwingPoint
	for i := lookback; i < len(candles)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			swings = append(swings, model.SwingPoint{
				Price:    candles[i].High,
				TS:       candles[i].TS,
				Index:    i,
				IsHigh:   true,
				Strength: lookback,
			})
		}
		if isLow {
			swings = append(swings, model.SwingPoint{
				Price:    candles[i].Low,
				TS:       candles[i].TS,
				Index:    i,
				IsHigh:   false,
				Strength: lookback,
			})
		}
	}
	return swings
}
