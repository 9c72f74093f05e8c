// Package engine coordinates zone detection across synchronized
// timeframes. Candles enter at their own timeframe, closed candles
// aggregate upward on period boundaries, and every timeframe keeps its
// own window and zone collections. One mutex serializes the whole
// engine: a cascade touches several timeframe stores transitively and
// readers must never observe it half-applied.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"marketstructure/internal/detect"
	"marketstructure/internal/expiry"
	"marketstructure/internal/model"
)

// activationThreshold is the window size below which recompute does
// not run; detectors need history before their output means anything.
const activationThreshold = 10

var (
	ErrUnknownTimeframe = errors.New("engine: timeframe not configured")
	ErrSymbolMismatch   = errors.New("engine: candle symbol mismatch")
	ErrUnknownKind      = errors.New("engine: unknown indicator kind")
	ErrStaleCandle      = errors.New("engine: candle older than window")
)

// Callback observes newly inserted zones of one kind. The engine
// dispatches after releasing its lock, so observers may safely call
// back into it. Each observer receives a detached clone.
type Callback func(model.Indicator)

// Config assembles one engine instance. Timeframes must be strictly
// ascending in duration; WindowCapacity applies to each timeframe's
// window.
type Config struct {
	Symbol         string
	Timeframes     []model.Timeframe
	WindowCapacity int
	OrderBlocks    detect.OrderBlockConfig
	Gaps           detect.FVGConfig
	Breakers       detect.BreakerConfig
	Expiry         map[model.IndicatorKind]expiry.Config
	// AutoRemoveExpired drops expired zones from their collections;
	// otherwise they are retained in a terminal state.
	AutoRemoveExpired bool
	Logger            *slog.Logger
}

// DefaultConfig covers the standard intraday ladder with the stock
// detector settings and a 500-candle retention policy.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		Timeframes:     []model.Timeframe{model.TF1m, model.TF5m, model.TF15m, model.TF1h},
		WindowCapacity: 500,
		OrderBlocks:    detect.DefaultOrderBlockConfig(),
		Gaps:           detect.DefaultFVGConfig(),
		Breakers:       detect.DefaultBreakerConfig(),
		Expiry: map[model.IndicatorKind]expiry.Config{
			model.KindOrderBlock:   {Mode: expiry.ModeTime, MaxAgeCandles: 500},
			model.KindFairValueGap: {Mode: expiry.ModeTime, MaxAgeCandles: 500},
			model.KindBreakerBlock: {Mode: expiry.ModeTime, MaxAgeCandles: 500},
		},
		AutoRemoveExpired: true,
	}
}

// Engine tracks one symbol across its configured timeframes.
type Engine struct {
	symbol     string
	timeframes []model.Timeframe
	blockDet   *detect.OrderBlockDetector
	gapDet     *detect.FVGDetector
	breakerDet *detect.BreakerDetector
	expirer    *expiry.Manager
	autoRemove bool
	log        *slog.Logger

	mu        sync.Mutex
	stores    map[model.Timeframe]*timeframeStore
	callbacks map[model.IndicatorKind][]Callback
	faults    uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("engine: empty symbol")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, errors.New("engine: no timeframes configured")
	}
	for i, tf := range cfg.Timeframes {
		if !tf.Valid() {
			return nil, fmt.Errorf("engine: %w: %q", model.ErrInvalidTimeframe, tf)
		}
		if i > 0 && tf.Duration() <= cfg.Timeframes[i-1].Duration() {
			return nil, fmt.Errorf("engine: timeframes must be strictly ascending, got %s after %s", tf, cfg.Timeframes[i-1])
		}
	}
	blockDet, err := detect.NewOrderBlockDetector(cfg.OrderBlocks)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	gapDet, err := detect.NewFVGDetector(cfg.Gaps)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	breakerDet, err := detect.NewBreakerDetector(cfg.Breakers)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	expirer, err := expiry.NewManager(cfg.Expiry)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		symbol:     cfg.Symbol,
		timeframes: append([]model.Timeframe(nil), cfg.Timeframes...),
		blockDet:   blockDet,
		gapDet:     gapDet,
		breakerDet: breakerDet,
		expirer:    expirer,
		autoRemove: cfg.AutoRemoveExpired,
		log:        log.With("component", "engine", "symbol", cfg.Symbol),
		stores:     make(map[model.Timeframe]*timeframeStore, len(cfg.Timeframes)),
		callbacks:  make(map[model.IndicatorKind][]Callback),
	}
	for _, tf := range cfg.Timeframes {
		st, err := newTimeframeStore(cfg.WindowCapacity)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.stores[tf] = st
	}
	return e, nil
}

// Symbol returns the symbol this engine tracks.
func (e *Engine) Symbol() string { return e.symbol }

// Timeframes returns the configured ladder, ascending.
func (e *Engine) Timeframes() []model.Timeframe {
	return append([]model.Timeframe(nil), e.timeframes...)
}

// RegisterCallback subscribes an observer to newly inserted zones of
// one kind. Observers run in registration order; a panicking observer
// is logged and the rest still run.
func (e *Engine) RegisterCallback(kind model.IndicatorKind, cb Callback) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if cb == nil {
		return errors.New("engine: nil callback")
	}
	e.mu.Lock()
	e.callbacks[kind] = append(e.callbacks[kind], cb)
	e.mu.Unlock()
	return nil
}

// Ingest feeds one candle into its timeframe, recomputing that
// timeframe and cascading closed candles into higher timeframes whose
// boundary they complete. Unknown timeframes, foreign symbols, and
// candles older than the window tail are rejected before any state
// changes; re-delivered history therefore cannot corrupt a window.
func (e *Engine) Ingest(c model.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	events, err := e.ingestLocked(c)
	var pending []dispatchItem
	if len(events) > 0 {
		pending = e.pendingDispatches(events)
	}
	e.mu.Unlock()

	for _, d := range pending {
		e.safeInvoke(d.cb, d.ind)
	}
	return err
}

// ingestLocked runs the pipeline for one candle and returns clones of
// every zone inserted during the call, cascaded timeframes included.
// Callers hold e.mu.
func (e *Engine) ingestLocked(c model.Candle) ([]model.Indicator, error) {
	if c.Symbol != e.symbol {
		return nil, fmt.Errorf("%w: got %s, tracking %s", ErrSymbolMismatch, c.Symbol, e.symbol)
	}
	st, ok := e.stores[c.Timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimeframe, c.Timeframe)
	}
	// Windows are chronological. Equal timestamps refresh the forming
	// candle in place; anything older is a re-delivery and must not
	// land behind newer history.
	if last, ok := st.window.Last(); ok && c.TS.Before(last.TS) {
		return nil, fmt.Errorf("%w: %s %s at %s behind %s", ErrStaleCandle, c.Symbol, c.Timeframe, c.TS.UTC().Format("2006-01-02T15:04:05Z"), last.TS.UTC().Format("2006-01-02T15:04:05Z"))
	}

	st.window.Push(c)

	var events []model.Indicator
	if st.window.Len() >= activationThreshold {
		events = e.recompute(c.Timeframe, st)
	}
	if c.Closed {
		events = append(events, e.cascadeUp(c)...)
	}
	return events, nil
}

// recompute runs the three detectors and the expiration sweep over one
// timeframe's window. Each detector pass has its own fault boundary: a
// panic in one is counted and logged without suppressing the others or
// the sweep.
func (e *Engine) recompute(tf model.Timeframe, st *timeframeStore) []model.Indicator {
	candles := st.window.Snapshot()
	latest := candles[len(candles)-1]

	var events []model.Indicator

	e.runDetector(tf, model.KindOrderBlock, func() {
		blocks, err := e.blockDet.Detect(candles)
		if err != nil {
			// window still shorter than the detector minimum
			return
		}
		for _, blk := range blocks {
			if st.hasBlockAt(blk.OriginTS) {
				continue
			}
			st.blocks = append(st.blocks, blk)
			events = append(events, blk.Clone())
		}
	})

	e.runDetector(tf, model.KindFairValueGap, func() {
		for _, gap := range e.gapDet.Detect(candles) {
			if st.hasGapAt(gap.OriginTS) {
				continue
			}
			st.gaps = append(st.gaps, gap)
			events = append(events, gap.Clone())
		}
		for _, gap := range st.gaps {
			if upd, ok := e.gapDet.FillDepth(gap, candles); ok {
				gap.ApplyFill(upd.Pct, upd.FirstTouchTS, upd.ClosedThrough)
			}
		}
	})

	e.runDetector(tf, model.KindBreakerBlock, func() {
		for _, br := range e.breakerDet.DetectBreaches(st.blocks, candles) {
			if st.hasBreakerAt(br.Breaker.TransitionTS) {
				continue
			}
			br.Block.MarkBroken()
			st.breakers = append(st.breakers, br.Breaker)
			events = append(events, br.Breaker.Clone())
		}
		for _, brk := range st.breakers {
			e.retestBreaker(brk, candles)
		}
	})

	// A close inside a live block is a test of the zone.
	for _, blk := range st.blocks {
		if blk.IsActive() && blk.Contains(latest.Close) {
			blk.MarkTested(latest.TS)
		}
	}

	expired := len(e.expirer.SweepOrderBlocks(st.blocks, latest))
	expired += len(e.expirer.SweepGaps(st.gaps, latest))
	expired += len(e.expirer.SweepBreakers(st.breakers, latest))
	if expired > 0 && e.autoRemove {
		st.dropExpired()
	}

	st.processed++
	st.lastCandleTS = latest.TS
	return events
}

// retestBreaker counts closes back inside the reversed zone, scanning
// only candles newer than both the transition and the last counted
// test.
func (e *Engine) retestBreaker(brk *model.BreakerBlock, candles []model.Candle) {
	if !brk.IsActive() {
		return
	}
	since := brk.TransitionTS
	if brk.LastTestTS.After(since) {
		since = brk.LastTestTS
	}
	for _, c := range candles {
		if !c.TS.After(since) {
			continue
		}
		if brk.Contains(c.Close) {
			brk.MarkTested(c.TS)
		}
	}
}

// cascadeUp aggregates a closed candle into the first higher timeframe
// whose boundary it completes; the recursive ingest carries the
// aggregate further up. Fanning into only the first aligned timeframe
// keeps every boundary aggregated exactly once, because each larger
// period is an exact multiple of the one below it. A window short of
// the required count defers the aggregation to a later boundary.
func (e *Engine) cascadeUp(c model.Candle) []model.Indicator {
	next := c.Timeframe.NextPeriodStart(c.TS)
	for _, tf := range e.timeframes {
		if tf.Duration() <= c.Timeframe.Duration() {
			continue
		}
		if next.UnixMilli()%tf.Millis() != 0 {
			continue
		}

		st := e.stores[c.Timeframe]
		need := int(tf.Millis() / c.Timeframe.Millis())
		if st.window.Len() < need {
			e.log.Debug("aggregation deferred",
				"from", c.Timeframe, "to", tf,
				"have", st.window.Len(), "need", need)
			return nil
		}
		agg, err := model.AggregateCandles(st.window.Tail(need), tf)
		if err != nil {
			// gapped or stale batch: data fault, wait for clean candles
			e.log.Warn("aggregation skipped",
				"from", c.Timeframe, "to", tf, "error", err)
			return nil
		}
		events, err := e.ingestLocked(agg)
		if err != nil {
			e.log.Warn("cascade ingest failed", "timeframe", tf, "error", err)
			return nil
		}
		return events
	}
	return nil
}

// runDetector is the per-detector fault boundary.
func (e *Engine) runDetector(tf model.Timeframe, kind model.IndicatorKind, pass func()) {
	defer func() {
		if r := recover(); r != nil {
			e.faults++
			e.log.Error("detector pass failed",
				"timeframe", tf, "detector", kind, "panic", r)
		}
	}()
	pass()
}

type dispatchItem struct {
	cb  Callback
	ind model.Indicator
}

// pendingDispatches pairs this cycle's inserted zones with their
// observers, grouped by kind in canonical order. Runs under the lock;
// invocation happens after release.
func (e *Engine) pendingDispatches(events []model.Indicator) []dispatchItem {
	var out []dispatchItem
	for _, kind := range model.AllKinds() {
		cbs := e.callbacks[kind]
		if len(cbs) == 0 {
			continue
		}
		for _, ev := range events {
			if ev.Kind() != kind {
				continue
			}
			for _, cb := range cbs {
				out = append(out, dispatchItem{cb: cb, ind: ev})
			}
		}
	}
	return out
}

func (e *Engine) safeInvoke(cb Callback, ind model.Indicator) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("indicator callback panicked", "kind", ind.Kind(), "panic", r)
		}
	}()
	cb(ind)
}
