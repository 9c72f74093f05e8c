package bus

import (
	"testing"
	"time"

	"marketstructure/internal/model"
)

func testEvent(t *testing.T) ZoneEvent {
	t.Helper()
	origin := time.Date(2024, 3, 1, 9, 2, 0, 0, time.UTC)
	blk, err := model.NewOrderBlock("BTCUSDT", model.TF1m, model.Bullish, 101.5, 99.5, 120, 60, origin, 2)
	if err != nil {
		t.Fatalf("NewOrderBlock: %v", err)
	}
	return ZoneEvent{
		Symbol:    blk.Symbol,
		Kind:      blk.Kind(),
		Timeframe: blk.Timeframe,
		EmittedAt: origin.Add(9 * time.Minute),
		Zone:      blk,
	}
}

func TestFanOutBroadcastsToAll(t *testing.T) {
	fo := New(4)
	redis := fo.Subscribe("redis")
	journal := fo.Subscribe("journal")

	ev := testEvent(t)
	fo.Publish(ev)

	for name, ch := range map[string]<-chan ZoneEvent{"redis": redis, "journal": journal} {
		select {
		case got := <-ch:
			if got.Symbol != "BTCUSDT" || got.Kind != model.KindOrderBlock {
				t.Errorf("%s: got %s/%s", name, got.Symbol, got.Kind)
			}
		default:
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestFanOutDropAccounting(t *testing.T) {
	fo := New(1)
	var dropped []string
	fo.OnDrop = func(name string) { dropped = append(dropped, name) }

	fast := fo.Subscribe("fast")
	slow := fo.Subscribe("slow")

	ev := testEvent(t)
	for i := 0; i < 3; i++ {
		fo.Publish(ev)
		<-fast // fast sink keeps up; slow never reads
	}

	drops := fo.Drops()
	if drops["fast"] != 0 {
		t.Errorf("fast drops = %d, want 0", drops["fast"])
	}
	if drops["slow"] != 2 {
		t.Errorf("slow drops = %d, want 2", drops["slow"])
	}
	if len(dropped) != 2 || dropped[0] != "slow" || dropped[1] != "slow" {
		t.Errorf("OnDrop calls = %v", dropped)
	}
	if len(slow) != 1 {
		t.Errorf("slow channel holds %d events, want the first one only", len(slow))
	}

	stats := fo.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats entries = %d", len(stats))
	}
	for _, st := range stats {
		if st.Name == "slow" && (st.Len != 1 || st.Cap != 1 || st.Drops != 2) {
			t.Errorf("slow stat = %+v", st)
		}
	}
}

func TestFanOutClose(t *testing.T) {
	fo := New(2)
	ch := fo.Subscribe("sink")

	fo.Close()
	fo.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	fo.Publish(testEvent(t)) // must not panic
}
