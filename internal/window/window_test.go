package window

import (
	"testing"
	"time"

	"marketstructure/internal/model"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func candleAt(t *testing.T, i int, closePx float64) model.Candle {
	t.Helper()
	c, err := model.NewCandle("BTCUSDT", model.TF1m, base.Add(time.Duration(i)*time.Minute), 100, 110, 90, closePx, 1, true)
	if err != nil {
		t.Fatalf("NewCandle: %v", err)
	}
	return c
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := New(n); err == nil {
			t.Errorf("New(%d): expected error", n)
		}
	}
}

func TestPushAndEviction(t *testing.T) {
	w, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if w.Push(candleAt(t, i, 100)) {
			t.Fatalf("push %d evicted below capacity", i)
		}
	}
	if w.Len() != 3 || w.Cap() != 3 {
		t.Fatalf("len=%d cap=%d", w.Len(), w.Cap())
	}

	// fourth push evicts the oldest
	if !w.Push(candleAt(t, 3, 100)) {
		t.Fatal("expected eviction at capacity")
	}
	if w.Evicted() != 1 {
		t.Fatalf("evicted = %d, want 1", w.Evicted())
	}
	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i, c := range snap {
		want := base.Add(time.Duration(i+1) * time.Minute)
		if !c.TS.Equal(want) {
			t.Fatalf("snapshot[%d].TS = %s, want %s", i, c.TS, want)
		}
	}
	if w.At(0).TS != snap[0].TS || w.At(2).TS != snap[2].TS {
		t.Fatal("At disagrees with Snapshot")
	}
}

func TestSameTimestampReplaces(t *testing.T) {
	w, _ := New(4)
	w.Push(candleAt(t, 0, 100))
	w.Push(candleAt(t, 1, 101))
	// forming refresh: same period, new close
	if w.Push(candleAt(t, 1, 104)) {
		t.Fatal("refresh must not evict")
	}
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
	last, ok := w.Last()
	if !ok || last.Close != 104 {
		t.Fatalf("last close = %v, want 104", last.Close)
	}
}

func TestTail(t *testing.T) {
	w, _ := New(5)
	for i := 0; i < 7; i++ { // wraps twice
		w.Push(candleAt(t, i, 100))
	}
	tail := w.Tail(3)
	if len(tail) != 3 {
		t.Fatalf("tail len = %d", len(tail))
	}
	for i, c := range tail {
		want := base.Add(time.Duration(i+4) * time.Minute)
		if !c.TS.Equal(want) {
			t.Fatalf("tail[%d].TS = %s, want %s", i, c.TS, want)
		}
	}
	if got := w.Tail(99); len(got) != 5 {
		t.Fatalf("oversized tail len = %d, want 5", len(got))
	}
	if w.Tail(0) != nil {
		t.Fatal("Tail(0) must be nil")
	}
}

func TestClearKeepsEvictionCounter(t *testing.T) {
	w, _ := New(2)
	for i := 0; i < 4; i++ {
		w.Push(candleAt(t, i, 100))
	}
	if w.Evicted() != 2 {
		t.Fatalf("evicted = %d, want 2", w.Evicted())
	}
	w.Clear()
	if w.Len() != 0 {
		t.Fatalf("len after clear = %d", w.Len())
	}
	if _, ok := w.Last(); ok {
		t.Fatal("Last on empty window")
	}
	if w.Evicted() != 2 {
		t.Fatal("Clear must not reset the eviction counter")
	}
	w.Push(candleAt(t, 9, 100))
	if w.Len() != 1 {
		t.Fatalf("len after repush = %d", w.Len())
	}
}
