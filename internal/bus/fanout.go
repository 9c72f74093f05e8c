// Package bus fans zone events out from the engines to the delivery
// sinks (Redis publisher, SQLite journal, webhook notifier).
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"marketstructure/internal/model"
)

// ZoneEvent is one newly detected indicator on its way to the sinks.
// Zone is the engine's detached clone; every subscriber receives the
// same value, so sinks must treat it as read-only.
type ZoneEvent struct {
	Symbol    string              `json:"symbol"`
	Kind      model.IndicatorKind `json:"kind"`
	Timeframe model.Timeframe     `json:"timeframe"`
	EmittedAt time.Time           `json:"emitted_at"`
	Zone      model.Indicator     `json:"zone"`
}

// NewEvent wraps a freshly detected zone, lifting symbol and timeframe
// out of the concrete type.
func NewEvent(zone model.Indicator) ZoneEvent {
	ev := ZoneEvent{Kind: zone.Kind(), EmittedAt: time.Now(), Zone: zone}
	switch z := zone.(type) {
	case *model.OrderBlock:
		ev.Symbol, ev.Timeframe = z.Symbol, z.Timeframe
	case *model.FairValueGap:
		ev.Symbol, ev.Timeframe = z.Symbol, z.Timeframe
	case *model.BreakerBlock:
		ev.Symbol, ev.Timeframe = z.Symbol, z.Timeframe
	}
	return ev
}

// FanOut broadcasts zone events to named subscriber channels. When a
// subscriber's channel is full the event is dropped for that subscriber
// only, so one stalled sink cannot back up the engine dispatch path.
type FanOut struct {
	mu      sync.RWMutex
	subs    []*subscriber
	bufSize int
	closed  bool

	// OnDrop, when set, is called with the subscriber name after each
	// dropped event.
	OnDrop func(name string)
}

type subscriber struct {
	name  string
	ch    chan ZoneEvent
	drops atomic.Uint64
}

// New creates a FanOut whose subscriber channels buffer bufSize events.
func New(bufSize int) *FanOut {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &FanOut{bufSize: bufSize}
}

// Subscribe registers a named sink and returns its event channel.
// The channel is closed by Close.
func (f *FanOut) Subscribe(name string) <-chan ZoneEvent {
	sub := &subscriber{name: name, ch: make(chan ZoneEvent, f.bufSize)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub.ch
}

// Publish delivers ev to every subscriber without blocking.
func (f *FanOut) Publish(ev ZoneEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.drops.Add(1)
			if f.OnDrop != nil {
				f.OnDrop(sub.name)
			}
		}
	}
}

// Drops returns cumulative drop counts keyed by subscriber name.
func (f *FanOut) Drops() map[string]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]uint64, len(f.subs))
	for _, sub := range f.subs {
		out[sub.name] = sub.drops.Load()
	}
	return out
}

// Stat reports one subscriber channel's occupancy, for saturation gauges.
type Stat struct {
	Name  string
	Len   int
	Cap   int
	Drops uint64
}

// Stats returns a point-in-time occupancy report per subscriber.
func (f *FanOut) Stats() []Stat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]Stat, len(f.subs))
	for i, sub := range f.subs {
		stats[i] = Stat{Name: sub.name, Len: len(sub.ch), Cap: cap(sub.ch), Drops: sub.drops.Load()}
	}
	return stats
}

// Close closes every subscriber channel. Publish after Close is a no-op;
// calling Close more than once is safe.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, sub := range f.subs {
		close(sub.ch)
	}
}
