package detect

import (
	"math"
	"testing"
	"time"

	"marketstructure/internal/model"
)

func testFVGDetector(t *testing.T, cfg FVGConfig) *FVGDetector {
	t.Helper()
	d, err := NewFVGDetector(cfg)
	if err != nil {
		t.Fatalf("NewFVGDetector: %v", err)
	}
	return d
}

// bullishGapSeries leaves a gap between candle 0's high (100.5) and
// candle 2's low (101.0).
func bullishGapSeries(t *testing.T) []model.Candle {
	t.Helper()
	return []model.Candle{
		bar(t, 0, 100, 100.5, 99.5, 100.2, 100),
		bar(t, 1, 100.2, 102.5, 100.1, 102.4, 250),
		bar(t, 2, 102.4, 103.5, 101.0, 103, 180),
	}
}

func TestFVGDetectorBullish(t *testing.T) {
	d := testFVGDetector(t, FVGConfig{PipSize: 0.01, ThresholdMode: GapThresholdPips})
	gaps := d.Detect(bullishGapSeries(t))
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %+v", len(gaps), gaps)
	}

	g := gaps[0]
	if g.Direction != model.Bullish {
		t.Errorf("direction = %s, want bullish", g.Direction)
	}
	if g.Low != 100.5 || g.High != 101.0 {
		t.Errorf("bounds = [%v, %v], want [100.5, 101.0]", g.Low, g.High)
	}
	if g.OriginIndex != 1 || !g.OriginTS.Equal(detectBase.Add(time.Minute)) {
		t.Errorf("origin = %d @ %s, want middle candle", g.OriginIndex, g.OriginTS)
	}
	if g.Volume != 250 {
		t.Errorf("volume = %v, want middle candle volume 250", g.Volume)
	}
	if math.Abs(g.SizePips-50) > 1e-9 {
		t.Errorf("size = %v pips, want 50", g.SizePips)
	}
	wantPct := 0.5 / 102.4 * 100
	if math.Abs(g.SizePct-wantPct) > 1e-9 {
		t.Errorf("size = %v%%, want %v%%", g.SizePct, wantPct)
	}
	if g.State != model.StateActive || g.FillPct != 0 {
		t.Errorf("new gap state=%s fill=%v", g.State, g.FillPct)
	}
}

func TestFVGDetectorBearish(t *testing.T) {
	candles := []model.Candle{
		bar(t, 0, 103, 103.5, 102.5, 102.8, 100),
		bar(t, 1, 102.8, 102.9, 100.3, 100.4, 300),
		bar(t, 2, 100.4, 101.9, 99.9, 100.1, 150),
	}
	d := testFVGDetector(t, DefaultFVGConfig())
	gaps := d.Detect(candles)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(gaps))
	}
	g := gaps[0]
	if g.Direction != model.Bearish {
		t.Errorf("direction = %s, want bearish", g.Direction)
	}
	if g.Low != 101.9 || g.High != 102.5 {
		t.Errorf("bounds = [%v, %v], want [101.9, 102.5]", g.Low, g.High)
	}
}

func TestFVGDetectorNoGap(t *testing.T) {
	// Overlapping candles never leave an imbalance.
	candles := []model.Candle{
		bar(t, 0, 100, 101, 99, 100.5, 100),
		bar(t, 1, 100.5, 101.5, 99.5, 101, 100),
		bar(t, 2, 101, 102, 100, 101.5, 100),
	}
	d := testFVGDetector(t, DefaultFVGConfig())
	if gaps := d.Detect(candles); len(gaps) != 0 {
		t.Errorf("expected no gaps, got %+v", gaps)
	}
	if gaps := d.Detect(candles[:2]); gaps != nil {
		t.Errorf("expected nil for fewer than 3 candles, got %+v", gaps)
	}
}

func TestFVGDetectorThresholds(t *testing.T) {
	series := bullishGapSeries(t)

	// 50-pip gap against a 60-pip floor.
	d := testFVGDetector(t, FVGConfig{PipSize: 0.01, MinGapPips: 60, ThresholdMode: GapThresholdPips})
	if gaps := d.Detect(series); len(gaps) != 0 {
		t.Errorf("pip floor should reject 50-pip gap, got %+v", gaps)
	}

	// Floor exactly at the gap size is inclusive.
	d = testFVGDetector(t, FVGConfig{PipSize: 0.01, MinGapPips: 50, ThresholdMode: GapThresholdPips})
	if gaps := d.Detect(series); len(gaps) != 1 {
		t.Errorf("pip floor at gap size should keep it, got %d gaps", len(gaps))
	}

	// Percent mode ignores the pip floor and vice versa.
	d = testFVGDetector(t, FVGConfig{PipSize: 0.01, MinGapPercent: 1.0, ThresholdMode: GapThresholdPercent})
	if gaps := d.Detect(series); len(gaps) != 0 {
		t.Errorf("percent floor should reject 0.49%% gap, got %+v", gaps)
	}
	d = testFVGDetector(t, FVGConfig{PipSize: 0.01, MinGapPercent: 0.4, MinGapPips: 1000, ThresholdMode: GapThresholdPercent})
	if gaps := d.Detect(series); len(gaps) != 1 {
		t.Errorf("percent mode should ignore pip floor, got %d gaps", len(gaps))
	}
}

func TestFVGConfigValidation(t *testing.T) {
	bad := []FVGConfig{
		{PipSize: 0, ThresholdMode: GapThresholdPips},
		{PipSize: -0.01, ThresholdMode: GapThresholdPips},
		{PipSize: 0.01, MinGapPips: -1, ThresholdMode: GapThresholdPips},
		{PipSize: 0.01, ThresholdMode: "bps"},
	}
	for i, cfg := range bad {
		if _, err := NewFVGDetector(cfg); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
}

func TestFillDepthProgression(t *testing.T) {
	d := testFVGDetector(t, FVGConfig{PipSize: 0.01, ThresholdMode: GapThresholdPips})
	gaps := d.Detect(bullishGapSeries(t))
	if len(gaps) != 1 {
		t.Fatalf("setup: expected 1 gap, got %d", len(gaps))
	}
	gap := gaps[0]

	// The origin candle itself never counts toward fill.
	atOrigin := []model.Candle{bar(t, 1, 100.2, 102.5, 100.1, 102.4, 250)}
	if _, ok := d.FillDepth(gap, atOrigin); ok {
		t.Fatal("origin candle should not fill its own gap")
	}

	// First touch dips 40% in from the top edge.
	touch := bar(t, 3, 101.2, 101.6, 100.8, 101.5, 100)
	upd, ok := d.FillDepth(gap, []model.Candle{touch})
	if !ok {
		t.Fatal("expected a fill")
	}
	if math.Abs(upd.Pct-40) > 1e-9 || upd.ClosedThrough {
		t.Errorf("fill = %+v, want 40%% not closed through", upd)
	}
	if !upd.FirstTouchTS.Equal(touch.TS) {
		t.Errorf("first touch = %s, want %s", upd.FirstTouchTS, touch.TS)
	}

	// Deeper candle raises the depth; first touch stays put.
	deeper := bar(t, 4, 100.9, 101.1, 100.6, 100.9, 100)
	upd, ok = d.FillDepth(gap, []model.Candle{touch, deeper})
	if !ok || math.Abs(upd.Pct-80) > 1e-9 {
		t.Fatalf("fill = %+v, want 80%%", upd)
	}
	if !upd.FirstTouchTS.Equal(touch.TS) {
		t.Errorf("first touch moved to %s", upd.FirstTouchTS)
	}

	// A close through the far edge caps at 100 and flags it.
	through := bar(t, 5, 100.6, 100.7, 100.2, 100.3, 100)
	upd, ok = d.FillDepth(gap, []model.Candle{touch, deeper, through})
	if !ok || upd.Pct != 100 || !upd.ClosedThrough {
		t.Fatalf("fill = %+v, want 100%% closed through", upd)
	}
}

func TestFillDepthBearishAndUntouched(t *testing.T) {
	d := testFVGDetector(t, DefaultFVGConfig())
	gap, err := model.NewFairValueGap("BTCUSDT", model.TF1m, model.Bearish, 102.5, 101.9, 60, 0.59, 300, detectBase.Add(time.Minute), 1)
	if err != nil {
		t.Fatalf("NewFairValueGap: %v", err)
	}

	// Bearish gaps fill upward from the low edge.
	c := bar(t, 3, 101.8, 102.2, 101.5, 102.0, 100)
	upd, ok := d.FillDepth(gap, []model.Candle{c})
	if !ok || math.Abs(upd.Pct-50) > 1e-9 || upd.ClosedThrough {
		t.Fatalf("fill = %+v ok=%v, want 50%%", upd, ok)
	}

	// Price that never reaches the gap reports no fill.
	away := bar(t, 4, 101.0, 101.5, 100.5, 101.2, 100)
	if _, ok := d.FillDepth(gap, []model.Candle{away}); ok {
		t.Error("expected no fill below the gap")
	}
}
