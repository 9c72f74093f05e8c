// Package replay feeds archived candles back through an engine at a
// configurable speed multiplier for historical scans.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"marketstructure/internal/model"
	sqlitestore "marketstructure/internal/store/sqlite"
)

// Replayer reads the SQLite candle archive and emits candles in
// timestamp order, pacing the gaps between them.
type Replayer struct {
	reader *sqlitestore.Reader
}

// New creates a Replayer backed by an archive reader.
func New(reader *sqlitestore.Reader) *Replayer {
	return &Replayer{reader: reader}
}

// Run replays the symbol's candles for every timeframe in tfs starting
// at from, sending them to out in global timestamp order. speed scales
// playback: 1.0 is real time, 10.0 is ten times faster, and 0 streams
// with no pacing at all. Individual waits are capped at 5s so overnight
// gaps do not stall a scan.
func (r *Replayer) Run(ctx context.Context, symbol string, tfs []model.Timeframe, from time.Time, speed float64, out chan<- model.Candle) error {
	var all []model.Candle
	for _, tf := range tfs {
		candles, err := r.reader.LoadCandles(symbol, tf, from, 0)
		if err != nil {
			return err
		}
		all = append(all, candles...)
	}

	if len(all) == 0 {
		log.Printf("[replay] no archived candles for %s", symbol)
		return nil
	}

	// Interleave the per-timeframe series into one ordered tape. Stable
	// sort keeps the lower timeframe first on equal timestamps, so the
	// boundary candle of an aggregate lands before the aggregate's slot.
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })

	log.Printf("[replay] %s: %d candles across %d timeframes, speed=%.1fx", symbol, len(all), len(tfs), speed)

	var prevTS time.Time
	emitted := 0
	for _, c := range all {
		if speed > 0 && !prevTS.IsZero() {
			if gap := c.TS.Sub(prevTS); gap > 0 {
				wait := time.Duration(float64(gap) / speed)
				if wait > 5*time.Second {
					wait = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prevTS = c.TS

		select {
		case out <- c:
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d candles", emitted)
			return ctx.Err()
		}
		emitted++
	}

	log.Printf("[replay] completed: %d candles", emitted)
	return nil
}
