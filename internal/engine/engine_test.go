package engine

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"marketstructure/internal/detect"
	"marketstructure/internal/expiry"
	"marketstructure/internal/model"
)

var testBase = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func candleAt(t *testing.T, tf model.Timeframe, n int, open, high, low, closePx, vol float64) model.Candle {
	t.Helper()
	ts := testBase.Add(time.Duration(n) * tf.Duration())
	c, err := model.NewCandle("BTCUSDT", tf, ts, open, high, low, closePx, vol, true)
	if err != nil {
		t.Fatalf("candle %d: %v", n, err)
	}
	return c
}

func testConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		Timeframes:     []model.Timeframe{model.TF1m},
		WindowCapacity: 100,
		OrderBlocks:    detect.OrderBlockConfig{SwingLookback: 2, MinCandles: 10, MaxCandles: 5},
		Gaps:           detect.DefaultFVGConfig(),
		Breakers:       detect.DefaultBreakerConfig(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func feed(t *testing.T, e *Engine, candles []model.Candle) {
	t.Helper()
	for _, c := range candles {
		if err := e.Ingest(c); err != nil {
			t.Fatalf("Ingest %s: %v", c.TS, err)
		}
	}
}

// blockSeries rallies out of a swing low at index 3, which makes the
// bearish candle at index 2 a bullish order block on [99.5, 101.5]
// once the window activates, then drifts back down toward the zone
// without touching it.
func blockSeries(t *testing.T) []model.Candle {
	t.Helper()
	return []model.Candle{
		candleAt(t, model.TF1m, 0, 101, 102, 100, 101.5, 100),
		candleAt(t, model.TF1m, 1, 101.5, 102.5, 100.5, 101, 100),
		candleAt(t, model.TF1m, 2, 101, 101.5, 99.5, 100, 120),
		candleAt(t, model.TF1m, 3, 100, 100.5, 98, 99, 100),
		candleAt(t, model.TF1m, 4, 99, 102, 98.5, 101.8, 150),
		candleAt(t, model.TF1m, 5, 101.8, 103.5, 101, 103, 160),
		candleAt(t, model.TF1m, 6, 103, 104, 102.5, 103.5, 140),
		candleAt(t, model.TF1m, 7, 103.5, 104.5, 103, 104, 130),
		candleAt(t, model.TF1m, 8, 104, 105, 103.5, 104.5, 120),
		candleAt(t, model.TF1m, 9, 104.5, 104.6, 103.9, 104.0, 110),
		candleAt(t, model.TF1m, 10, 104, 104.1, 103.4, 103.5, 110),
		candleAt(t, model.TF1m, 11, 103.5, 103.6, 102.9, 103.0, 110),
		candleAt(t, model.TF1m, 12, 103, 103.1, 102.4, 102.5, 110),
		candleAt(t, model.TF1m, 13, 102.5, 102.6, 101.9, 102.0, 110),
	}
}

func bullishBlocks(t *testing.T, e *Engine, tf model.Timeframe) []*model.OrderBlock {
	t.Helper()
	snap, err := e.Snapshot(tf)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var out []*model.OrderBlock
	for _, b := range snap.OrderBlocks {
		if b.Direction == model.Bullish {
			out = append(out, b)
		}
	}
	return out
}

func oneBullishBlock(t *testing.T, e *Engine) *model.OrderBlock {
	t.Helper()
	blocks := bullishBlocks(t, e, model.TF1m)
	if len(blocks) != 1 {
		t.Fatalf("expected exactly 1 bullish block, got %d", len(blocks))
	}
	return blocks[0]
}

func TestNewValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"empty symbol":        func(c *Config) { c.Symbol = "" },
		"no timeframes":       func(c *Config) { c.Timeframes = nil },
		"descending order":    func(c *Config) { c.Timeframes = []model.Timeframe{model.TF5m, model.TF1m} },
		"duplicate timeframe": func(c *Config) { c.Timeframes = []model.Timeframe{model.TF1m, model.TF1m} },
		"unknown timeframe":   func(c *Config) { c.Timeframes = []model.Timeframe{"7m"} },
		"zero capacity":       func(c *Config) { c.WindowCapacity = 0 },
		"bad detector config": func(c *Config) { c.OrderBlocks.SwingLookback = 0 },
		"bad expiry config": func(c *Config) {
			c.Expiry = map[model.IndicatorKind]expiry.Config{model.KindOrderBlock: {Mode: expiry.ModeTime}}
		},
	}
	for name, mutate := range cases {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: expected a construction error", name)
		}
	}

	if _, err := New(DefaultConfig("BTCUSDT")); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestIngestRejectsUnknownTimeframe(t *testing.T) {
	e := newTestEngine(t, testConfig())
	c := candleAt(t, model.TF15m, 0, 100, 101, 99, 100.5, 50)
	if err := e.Ingest(c); !errors.Is(err, ErrUnknownTimeframe) {
		t.Fatalf("expected ErrUnknownTimeframe, got %v", err)
	}
	if got := e.Stats().Timeframes[model.TF1m].CandleCount; got != 0 {
		t.Errorf("state mutated by a rejected ingest: %d candles", got)
	}
}

func TestIngestRejectsForeignSymbol(t *testing.T) {
	e := newTestEngine(t, testConfig())
	c, err := model.NewCandle("ETHUSDT", model.TF1m, testBase, 100, 101, 99, 100.5, 50, true)
	if err != nil {
		t.Fatalf("NewCandle: %v", err)
	}
	if err := e.Ingest(c); !errors.Is(err, ErrSymbolMismatch) {
		t.Fatalf("expected ErrSymbolMismatch, got %v", err)
	}
}

func TestIngestRejectsInvalidCandle(t *testing.T) {
	e := newTestEngine(t, testConfig())
	c := candleAt(t, model.TF1m, 0, 100, 101, 99, 100.5, 50)
	c.TS = c.TS.Add(30 * time.Second)
	if err := e.Ingest(c); !errors.Is(err, model.ErrInvalidCandle) {
		t.Fatalf("expected ErrInvalidCandle for a misaligned timestamp, got %v", err)
	}
}

func TestIngestRejectsStaleCandle(t *testing.T) {
	e := newTestEngine(t, testConfig())
	first := candleAt(t, model.TF1m, 0, 100, 101, 99, 100.5, 50)
	second := candleAt(t, model.TF1m, 1, 100.5, 101.5, 100, 101, 60)
	feed(t, e, []model.Candle{first, second})

	// Re-delivered history lands behind the window tail.
	if err := e.Ingest(first); !errors.Is(err, ErrStaleCandle) {
		t.Fatalf("expected ErrStaleCandle, got %v", err)
	}
	if got := e.Stats().Timeframes[model.TF1m].CandleCount; got != 2 {
		t.Errorf("window mutated by a stale ingest: %d candles", got)
	}

	// A same-timestamp refresh of the newest candle is still fine.
	if err := e.Ingest(second); err != nil {
		t.Fatalf("same-timestamp refresh rejected: %v", err)
	}
	if got := e.Stats().Timeframes[model.TF1m].CandleCount; got != 2 {
		t.Errorf("refresh appended instead of replacing: %d candles", got)
	}
}

func TestRecomputeActivationThreshold(t *testing.T) {
	e := newTestEngine(t, testConfig())
	series := blockSeries(t)

	feed(t, e, series[:9])
	if p := e.Stats().Timeframes[model.TF1m].Processed; p != 0 {
		t.Fatalf("recompute ran below the activation threshold: processed=%d", p)
	}
	feed(t, e, series[9:10])
	if p := e.Stats().Timeframes[model.TF1m].Processed; p != 1 {
		t.Fatalf("processed = %d after the 10th candle, want 1", p)
	}
}

func TestDetectInsertAndDedup(t *testing.T) {
	e := newTestEngine(t, testConfig())
	obEvents := 0
	if err := e.RegisterCallback(model.KindOrderBlock, func(model.Indicator) { obEvents++ }); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	series := blockSeries(t)
	feed(t, e, series)

	blk := oneBullishBlock(t, e)
	if blk.High != 101.5 || blk.Low != 99.5 {
		t.Errorf("bounds [%v, %v], want [99.5, 101.5]", blk.Low, blk.High)
	}
	if !blk.OriginTS.Equal(testBase.Add(2 * time.Minute)) {
		t.Errorf("origin = %s, want the index-2 candle", blk.OriginTS)
	}
	if obEvents != 1 {
		t.Errorf("order block callbacks = %d, want 1 across %d recomputes", obEvents, len(series)-9)
	}

	// Replaying the last candle reruns recompute on an unchanged
	// window; nothing duplicates and no callbacks refire.
	before, _ := e.Snapshot(model.TF1m)
	feed(t, e, series[len(series)-1:])
	after, _ := e.Snapshot(model.TF1m)
	if len(after.OrderBlocks) != len(before.OrderBlocks) ||
		len(after.Gaps) != len(before.Gaps) ||
		len(after.Breakers) != len(before.Breakers) {
		t.Errorf("replay duplicated zones: %d/%d/%d -> %d/%d/%d",
			len(before.OrderBlocks), len(before.Gaps), len(before.Breakers),
			len(after.OrderBlocks), len(after.Gaps), len(after.Breakers))
	}
	if obEvents != 1 {
		t.Errorf("replay fired callbacks: %d", obEvents)
	}
}

func TestBlockTestedOnZoneEntry(t *testing.T) {
	e := newTestEngine(t, testConfig())
	feed(t, e, blockSeries(t))

	touch := candleAt(t, model.TF1m, 14, 102, 102.1, 101.3, 101.4, 110)
	feed(t, e, []model.Candle{touch})
	blk := oneBullishBlock(t, e)
	if blk.State != model.StateTested || blk.TestCount != 1 {
		t.Fatalf("state=%s tests=%d after first zone entry", blk.State, blk.TestCount)
	}
	if !blk.LastTestTS.Equal(touch.TS) {
		t.Errorf("last test = %s, want %s", blk.LastTestTS, touch.TS)
	}

	// A forming-candle refresh on the same timestamp is not a second
	// test.
	feed(t, e, []model.Candle{touch})
	if blk = oneBullishBlock(t, e); blk.TestCount != 1 {
		t.Fatalf("same-timestamp replay double-counted: %d", blk.TestCount)
	}

	deeper := candleAt(t, model.TF1m, 15, 101.4, 101.5, 100.7, 100.8, 110)
	feed(t, e, []model.Candle{deeper})
	if blk = oneBullishBlock(t, e); blk.TestCount != 2 {
		t.Fatalf("tests = %d after second entry, want 2", blk.TestCount)
	}
}

func TestBreachFlipsBlockIntoBreaker(t *testing.T) {
	e := newTestEngine(t, testConfig())
	var breakerEvents []model.Indicator
	if err := e.RegisterCallback(model.KindBreakerBlock, func(ind model.Indicator) {
		breakerEvents = append(breakerEvents, ind)
	}); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	feed(t, e, blockSeries(t))

	// Plunge through the block low at 99.5 with a decisive close.
	plunge := candleAt(t, model.TF1m, 14, 102, 102.1, 99.2, 99.3, 200)
	feed(t, e, []model.Candle{plunge})

	blk := oneBullishBlock(t, e)
	if blk.State != model.StateBroken {
		t.Fatalf("block state = %s, want broken", blk.State)
	}

	snap, _ := e.Snapshot(model.TF1m)
	if len(snap.Breakers) != 1 {
		t.Fatalf("breakers = %d, want 1", len(snap.Breakers))
	}
	brk := snap.Breakers[0]
	if brk.Direction != model.Bearish || brk.OriginalDirection != model.Bullish {
		t.Errorf("breaker direction %s / original %s", brk.Direction, brk.OriginalDirection)
	}
	if math.Abs(brk.BreachPct-15) > 1e-9 {
		t.Errorf("breach pct = %v, want 15", brk.BreachPct)
	}
	if !brk.TransitionTS.Equal(plunge.TS) {
		t.Errorf("transition = %s, want %s", brk.TransitionTS, plunge.TS)
	}

	if len(breakerEvents) != 1 {
		t.Fatalf("breaker callbacks = %d, want 1", len(breakerEvents))
	}
	// Observers get detached clones.
	event, ok := breakerEvents[0].(*model.BreakerBlock)
	if !ok {
		t.Fatalf("breaker event type %T", breakerEvents[0])
	}
	event.State = model.StateExpired
	snap, _ = e.Snapshot(model.TF1m)
	if snap.Breakers[0].State == model.StateExpired {
		t.Error("callback received a live pointer into the engine")
	}

	// A close back inside the reversed zone re-tests the breaker.
	reentry := candleAt(t, model.TF1m, 15, 99.3, 100.2, 99.0, 100.0, 150)
	feed(t, e, []model.Candle{reentry})
	snap, _ = e.Snapshot(model.TF1m)
	brk = snap.Breakers[0]
	if brk.State != model.StateTested || brk.TestCount != 1 {
		t.Errorf("breaker state=%s tests=%d after re-entry", brk.State, brk.TestCount)
	}
}

func TestCallbackDispatchAfterUnlock(t *testing.T) {
	e := newTestEngine(t, testConfig())
	reentered := false
	err := e.RegisterCallback(model.KindOrderBlock, func(model.Indicator) {
		// Both calls would deadlock if dispatch still held the lock.
		_ = e.Stats()
		if _, err := e.Snapshot(model.TF1m); err != nil {
			t.Errorf("snapshot inside callback: %v", err)
		}
		reentered = true
	})
	if err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	feed(t, e, blockSeries(t))
	if !reentered {
		t.Fatal("callback never fired")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	e := newTestEngine(t, testConfig())
	if err := e.RegisterCallback(model.KindOrderBlock, func(model.Indicator) { panic("observer bug") }); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}
	ran := 0
	if err := e.RegisterCallback(model.KindOrderBlock, func(model.Indicator) { ran++ }); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	feed(t, e, blockSeries(t))
	if ran != 1 {
		t.Fatalf("observer after the panicking one ran %d times, want 1", ran)
	}
}

func TestRegisterCallbackValidation(t *testing.T) {
	e := newTestEngine(t, testConfig())
	if err := e.RegisterCallback("trendline", func(model.Indicator) {}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind: got %v", err)
	}
	if err := e.RegisterCallback(model.KindOrderBlock, nil); err == nil {
		t.Error("nil callback accepted")
	}
}

func TestConfirmations(t *testing.T) {
	e := newTestEngine(t, testConfig())
	feed(t, e, blockSeries(t))

	// The block midpoint sits at 100.5.
	hits, err := e.Confirmations(model.KindOrderBlock, 100.5, 1)
	if err != nil {
		t.Fatalf("Confirmations: %v", err)
	}
	obs := hits[model.TF1m]
	if len(obs) != 1 {
		t.Fatalf("confirmations at 100.5 = %d, want 1", len(obs))
	}
	if obs[0].ZoneLow() != 99.5 || obs[0].ZoneHigh() != 101.5 {
		t.Errorf("confirmed zone [%v, %v]", obs[0].ZoneLow(), obs[0].ZoneHigh())
	}

	// Out of band or zero tolerance: no hits, timeframe omitted.
	if hits, _ := e.Confirmations(model.KindOrderBlock, 200, 1); len(hits) != 0 {
		t.Errorf("far price confirmed: %+v", hits)
	}
	if hits, _ := e.Confirmations(model.KindOrderBlock, 100.4, 0); len(hits) != 0 {
		t.Errorf("zero tolerance confirmed: %+v", hits)
	}

	if _, err := e.Confirmations("trendline", 100, 1); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind: got %v", err)
	}
	if _, err := e.Confirmations(model.KindOrderBlock, 0, 1); err == nil {
		t.Error("zero price accepted")
	}
	if _, err := e.Confirmations(model.KindOrderBlock, 100, -1); err == nil {
		t.Error("negative tolerance accepted")
	}
}

// hoverCandles drift sideways above the block zone so nothing new
// forms while the clock runs.
func hoverCandles(t *testing.T, from, to int) []model.Candle {
	t.Helper()
	var out []model.Candle
	for n := from; n <= to; n++ {
		out = append(out, candleAt(t, model.TF1m, n, 102, 102.2, 101.9, 102.05, 100))
	}
	return out
}

func TestExpiryRetainsTerminalZones(t *testing.T) {
	cfg := testConfig()
	cfg.Expiry = map[model.IndicatorKind]expiry.Config{
		model.KindOrderBlock: {Mode: expiry.ModeTime, MaxAgeCandles: 15},
	}
	e := newTestEngine(t, cfg)
	feed(t, e, blockSeries(t))

	// Origin is the index-2 candle; age hits 15 candles at index 17.
	feed(t, e, hoverCandles(t, 14, 16))
	if blk := oneBullishBlock(t, e); blk.State == model.StateExpired {
		t.Fatalf("expired one candle early")
	}
	feed(t, e, hoverCandles(t, 17, 17))

	blk := oneBullishBlock(t, e)
	if blk.State != model.StateExpired {
		t.Fatalf("state = %s at max age, want expired", blk.State)
	}
	if n := e.Stats().Expirations[model.KindOrderBlock][expiry.CauseTime]; n != 1 {
		t.Errorf("time expirations = %d, want 1", n)
	}

	e.ResetExpirationCounters()
	if len(e.Stats().Expirations) != 0 {
		t.Errorf("expiration counters survived reset: %+v", e.Stats().Expirations)
	}
}

func TestExpiryAutoRemove(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRemoveExpired = true
	cfg.Expiry = map[model.IndicatorKind]expiry.Config{
		model.KindOrderBlock: {Mode: expiry.ModeTime, MaxAgeCandles: 15},
	}
	e := newTestEngine(t, cfg)
	feed(t, e, blockSeries(t))
	feed(t, e, hoverCandles(t, 14, 17))

	if blocks := bullishBlocks(t, e, model.TF1m); len(blocks) != 0 {
		t.Fatalf("expired block retained: %+v", blocks)
	}
	if n := e.Stats().Expirations[model.KindOrderBlock][expiry.CauseTime]; n != 1 {
		t.Errorf("time expirations = %d, want 1", n)
	}
}

func TestClearTimeframe(t *testing.T) {
	e := newTestEngine(t, testConfig())
	feed(t, e, blockSeries(t))

	before := e.Stats().Timeframes[model.TF1m]
	if before.CandleCount == 0 || before.Processed == 0 {
		t.Fatal("setup: nothing ingested")
	}

	e.ClearTimeframe(model.TF1m)
	after := e.Stats().Timeframes[model.TF1m]
	if after.CandleCount != 0 {
		t.Errorf("candles after clear: %d", after.CandleCount)
	}
	if len(after.OrderBlocks) != 0 || len(after.Gaps) != 0 || len(after.Breakers) != 0 {
		t.Errorf("zones survived clear: %+v", after)
	}
	if after.Processed != before.Processed {
		t.Errorf("processed counter reset by clear: %d -> %d", before.Processed, after.Processed)
	}

	// Idempotent; unknown timeframes are a no-op.
	e.ClearTimeframe(model.TF1m)
	e.ClearTimeframe(model.TF4h)
	e.ClearAll()

	// The engine keeps working after a clear.
	feed(t, e, blockSeries(t))
	if len(bullishBlocks(t, e, model.TF1m)) != 1 {
		t.Error("no detection after clear")
	}
}
