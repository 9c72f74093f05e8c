package service

import (
	"context"
	"time"

	"marketstructure/internal/bus"
	"marketstructure/internal/model"
	"marketstructure/internal/notification"
)

// publishLoop batches fan-out events into pipelined Redis publishes.
// Small batches keep latency low; the 100ms tick bounds how long a
// lone event waits for company.
func (svc *Service) publishLoop(ctx context.Context, events <-chan bus.ZoneEvent) {
	const maxBatch = 64
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]bus.ZoneEvent, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		svc.publisher.Publish(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// notifyLoop forwards zone events to every configured notifier.
func (svc *Service) notifyLoop(ctx context.Context, events <-chan bus.ZoneEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			alert := notification.ZoneAlert(ev)
			for _, n := range svc.notifiers {
				sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := n.Send(sendCtx, alert); err != nil {
					svc.prom.AlertSends.WithLabelValues("error").Inc()
					svc.log.Warn("alert delivery failed", "title", alert.Title, "err", err)
				} else {
					svc.prom.AlertSends.WithLabelValues("ok").Inc()
				}
				cancel()
			}
		}
	}
}

// statsLoop refreshes the gauge-style metrics from engine and fan-out
// state every 10 seconds.
func (svc *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.collectStats()
		}
	}
}

func (svc *Service) collectStats() {
	var faults float64
	for symbol, eng := range svc.engines {
		st := eng.Stats()
		faults += float64(st.DetectorFaults)

		// Active zone gauges per kind and timeframe.
		for _, tf := range eng.Timeframes() {
			snap, err := eng.ActiveSnapshot(tf)
			if err != nil {
				continue
			}
			svc.prom.ActiveZones.WithLabelValues(symbol, string(model.KindOrderBlock), string(tf)).Set(float64(len(snap.OrderBlocks)))
			svc.prom.ActiveZones.WithLabelValues(symbol, string(model.KindFairValueGap), string(tf)).Set(float64(len(snap.Gaps)))
			svc.prom.ActiveZones.WithLabelValues(symbol, string(model.KindBreakerBlock), string(tf)).Set(float64(len(snap.Breakers)))
		}

		// Expiration counters advance by the delta since last cycle.
		prev := svc.lastExpired[symbol]
		for kind, causes := range st.Expirations {
			for cause, count := range causes {
				last := 0
				if prev != nil {
					last = prev[kind][cause]
				}
				if d := count - last; d > 0 {
					svc.prom.ZonesExpired.WithLabelValues(string(kind), string(cause)).Add(float64(d))
				}
			}
		}
		svc.lastExpired[symbol] = st.Expirations
	}
	svc.prom.DetectorFaults.Set(faults)

	for _, stat := range svc.fanout.Stats() {
		saturation := 0.0
		if stat.Cap > 0 {
			saturation = float64(stat.Len) / float64(stat.Cap) * 100
		}
		svc.prom.FanoutSaturation.WithLabelValues(stat.Name).Set(saturation)
	}
	svc.prom.RedisBreakerState.Set(float64(svc.breaker.CurrentState()))
}
