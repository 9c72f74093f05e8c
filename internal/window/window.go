// Package window provides the bounded chronological candle buffer
// backing each timeframe store: fixed capacity, oldest candle evicted
// first, cheap ordered snapshots.
package window

import (
	"fmt"

	"marketstructure/internal/model"
)

// Window holds up to Cap() candles in arrival order. A pushed candle
// whose timestamp equals the newest entry replaces it in place, so
// repeated forming-candle updates occupy a single slot. Not safe for
// concurrent use; the owning engine serializes access.
type Window struct {
	buf     []model.Candle
	head    int // position of the oldest candle
	size    int
	evicted uint64
}

func New(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window: capacity must be positive, got %d", capacity)
	}
	return &Window{buf: make([]model.Candle, capacity)}, nil
}

// Push appends c, evicting the oldest candle once the window is full.
// Reports whether an eviction happened.
func (w *Window) Push(c model.Candle) bool {
	if w.size > 0 {
		last := &w.buf[w.pos(w.size-1)]
		if last.TS.Equal(c.TS) {
			*last = c
			return false
		}
	}
	if w.size < len(w.buf) {
		w.buf[w.pos(w.size)] = c
		w.size++
		return false
	}
	w.buf[w.head] = c
	w.head = (w.head + 1) % len(w.buf)
	w.evicted++
	return true
}

func (w *Window) pos(i int) int { return (w.head + i) % len(w.buf) }

func (w *Window) Len() int { return w.size }
func (w *Window) Cap() int { return len(w.buf) }

// Evicted returns the lifetime eviction count; Clear does not reset it.
func (w *Window) Evicted() uint64 { return w.evicted }

// At returns the i-th candle in chronological order, oldest first.
func (w *Window) At(i int) model.Candle {
	if i < 0 || i >= w.size {
		panic(fmt.Sprintf("window: index %d out of range [0,%d)", i, w.size))
	}
	return w.buf[w.pos(i)]
}

// Last returns the newest candle.
func (w *Window) Last() (model.Candle, bool) {
	if w.size == 0 {
		return model.Candle{}, false
	}
	return w.buf[w.pos(w.size-1)], true
}

// Snapshot copies the contents oldest-first.
func (w *Window) Snapshot() []model.Candle {
	out := make([]model.Candle, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[w.pos(i)]
	}
	return out
}

// Tail copies the most recent n candles oldest-first; n beyond the
// current length returns everything.
func (w *Window) Tail(n int) []model.Candle {
	if n > w.size {
		n = w.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = w.buf[w.pos(w.size-n+i)]
	}
	return out
}

// Clear drops all candles.
func (w *Window) Clear() {
	w.head = 0
	w.size = 0
}
