package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"marketstructure/internal/engine"
	redisstore "marketstructure/internal/store/redis"
)

// startSource launches whichever candle source the config selected.
func (svc *Service) startSource(ctx context.Context) {
	if svc.cfg.Service.Source == "redis" {
		svc.startStreamConsumer(ctx)
		return
	}

	go func() {
		if err := svc.feed.Run(ctx, svc.candleCh); err != nil {
			svc.log.Error("feed stopped", "err", err)
		}
	}()
}

// startStreamConsumer replays the gap between the archived history and
// each stream's tail, positions the consumer group where the replay
// stopped, drains this consumer's own pending entries, then starts the
// blocking consume loop and the stale-entry reclaimer.
func (svc *Service) startStreamConsumer(ctx context.Context) {
	svc.replayBackfill(ctx)
	if err := svc.consumer.EnsureGroups(ctx, svc.streams); err != nil {
		svc.log.Warn("consumer group setup", "err", err)
	}
	if err := svc.consumer.RecoverPending(ctx, svc.streams, svc.candleCh); err != nil {
		svc.log.Warn("pending recovery", "err", err)
	}

	go func() {
		if err := svc.consumer.Consume(ctx, svc.streams, svc.candleCh); err != nil && ctx.Err() == nil {
			svc.log.Error("stream consumer stopped", "err", err)
		}
	}()
	go svc.consumer.StartReclaimer(ctx, svc.streams,
		svc.cfg.Redis.ReclaimInterval.Std(), svc.cfg.Redis.ReclaimMinIdle.Std(),
		svc.candleCh,
		func(count int) { svc.prom.StreamReclaimed.Add(float64(count)) })

	svc.log.Info("consuming streams", "count", len(svc.streams))
}

// replayBackfill feeds each stream's history since the archive tail
// into the ingest channel and moves the consumer group there, so
// candles published while the service was down are not lost to a group
// created at "$". Stream entry IDs carry arrival time rather than
// candle time, so the replay overlaps the tail by a little; the engine
// rejects the overlap as stale and the window replace semantics absorb
// the rest. An empty archive replays the whole retained stream.
func (svc *Service) replayBackfill(ctx context.Context) {
	tfs, _ := svc.cfg.ParsedTimeframes()
	for _, symbol := range svc.cfg.Service.Symbols {
		for _, tf := range tfs {
			if ctx.Err() != nil {
				return
			}
			stream := redisstore.CandleStream(symbol, tf)

			fromID := "-"
			last, err := svc.journal.LastCandleTS(symbol, tf)
			if err != nil {
				svc.log.Warn("archive tail lookup failed, replaying full stream",
					"stream", stream, "err", err)
			} else if !last.IsZero() {
				fromID = strconv.FormatInt(last.UnixMilli(), 10)
			}

			lastID, err := svc.consumer.Replay(ctx, stream, fromID, svc.candleCh)
			if err != nil {
				svc.log.Warn("stream replay", "stream", stream, "err", err)
			}
			if lastID == "-" {
				// nothing archived and nothing retained
				continue
			}
			if err := svc.consumer.EnsureGroupAt(ctx, stream, lastID); err != nil {
				svc.log.Warn("group positioning", "stream", stream, "id", lastID, "err", err)
				continue
			}
			if lastID != fromID {
				svc.log.Debug("stream backfilled", "stream", stream, "from", fromID, "to", lastID)
			}
		}
	}
}

// ingestLoop feeds candles from the source into the symbol's engine
// and forwards them to the archive. Candles for symbols this instance
// does not track are counted and dropped.
func (svc *Service) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-svc.candleCh:
			if !ok {
				return
			}

			eng, tracked := svc.engines[c.Symbol]
			if !tracked {
				svc.prom.IngestRejects.Inc()
				continue
			}

			start := time.Now()
			if err := eng.Ingest(c); err != nil {
				svc.prom.IngestRejects.Inc()
				if errors.Is(err, engine.ErrStaleCandle) {
					svc.log.Debug("stale candle skipped", "key", c.Key())
				} else {
					svc.log.Warn("candle rejected",
						"symbol", c.Symbol, "timeframe", c.Timeframe, "err", err)
				}
				continue
			}
			svc.prom.IngestDur.Observe(time.Since(start).Seconds())
			svc.prom.CandlesIngested.WithLabelValues(c.Symbol, string(c.Timeframe)).Inc()

			svc.health.SetFeedConnected(true)
			svc.health.SetLastCandleTime(time.Now())
			if c.Closed {
				// Distance between now and the candle's period end.
				svc.prom.CandleLag.Set(time.Since(c.TS.Add(c.Timeframe.Duration())).Seconds())
			}

			// Archive write is best-effort: under sustained backlog the
			// live path wins and the candle is dropped from the journal.
			select {
			case svc.archiveCh <- c:
			default:
				svc.log.Warn("archive backlog, dropping candle", "key", c.Key())
			}
		}
	}
}
