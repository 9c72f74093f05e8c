// Package expiry retires aged or invalidated zones. One policy applies
// per indicator kind; the engine runs the sweeps once per recompute
// cycle and serializes access, so the manager itself takes no locks.
package expiry

import (
	"fmt"
	"math"
	"time"

	"marketstructure/internal/model"
)

// Mode picks which checks a policy runs.
type Mode string

const (
	ModeTime  Mode = "time"
	ModePrice Mode = "price"
	ModeBoth  Mode = "both"
)

// Cause tags what triggered an expiration in the counters.
type Cause string

const (
	CauseTime  Cause = "time"
	CausePrice Cause = "price"
)

// Config is one indicator kind's expiration policy. Either time bound
// may be left at zero; in time mode at least one must be set.
type Config struct {
	Mode Mode
	// MaxAgeCandles caps age in whole periods of the indicator's own
	// timeframe; 0 leaves the bound unset.
	MaxAgeCandles int
	// MaxAge caps wall-clock age; 0 leaves the bound unset.
	MaxAge time.Duration
	// BreachPct is the minimum penetration beyond the invalidating
	// boundary, as a percentage of the zone's own range.
	BreachPct          float64
	RequireCloseBeyond bool
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTime, ModePrice, ModeBoth:
	default:
		return fmt.Errorf("expiry config: unknown mode %q", c.Mode)
	}
	if c.MaxAgeCandles < 0 {
		return fmt.Errorf("expiry config: negative candle age bound %d", c.MaxAgeCandles)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("expiry config: negative age bound %s", c.MaxAge)
	}
	if c.Mode == ModeTime && c.MaxAgeCandles == 0 && c.MaxAge == 0 {
		return fmt.Errorf("expiry config: time mode without an age bound")
	}
	if c.BreachPct < 0 || c.BreachPct > 200 || math.IsNaN(c.BreachPct) {
		return fmt.Errorf("expiry config: breach pct %v outside [0,200]", c.BreachPct)
	}
	return nil
}

// Manager applies per-kind expiration policies and keeps running
// counters by kind and cause. Kinds without a policy are never swept.
type Manager struct {
	configs map[model.IndicatorKind]Config
	counts  map[model.IndicatorKind]map[Cause]int
}

func NewManager(configs map[model.IndicatorKind]Config) (*Manager, error) {
	m := &Manager{
		configs: make(map[model.IndicatorKind]Config, len(configs)),
		counts:  make(map[model.IndicatorKind]map[Cause]int),
	}
	for kind, cfg := range configs {
		if !kind.Valid() {
			return nil, fmt.Errorf("expiry config: unknown indicator kind %q", kind)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		m.configs[kind] = cfg
	}
	return m, nil
}

// SweepOrderBlocks expires blocks against the latest candle and returns
// the ones that expired on this pass. Broken blocks can still age out;
// the price check applies only while a block is an active zone.
func (m *Manager) SweepOrderBlocks(blocks []*model.OrderBlock, latest model.Candle) []*model.OrderBlock {
	cfg, ok := m.configs[model.KindOrderBlock]
	if !ok {
		return nil
	}
	var expired []*model.OrderBlock
	for _, b := range blocks {
		if b == nil || b.State == model.StateExpired {
			continue
		}
		cause, hit := check(cfg, b.Timeframe, b.OriginTS, b.Direction, b.Low, b.High, b.IsActive(), latest)
		if hit && b.MarkExpired() {
			m.count(model.KindOrderBlock, cause)
			expired = append(expired, b)
		}
	}
	return expired
}

// SweepGaps is SweepOrderBlocks for fair value gaps; filled gaps can
// still age out.
func (m *Manager) SweepGaps(gaps []*model.FairValueGap, latest model.Candle) []*model.FairValueGap {
	cfg, ok := m.configs[model.KindFairValueGap]
	if !ok {
		return nil
	}
	var expired []*model.FairValueGap
	for _, g := range gaps {
		if g == nil || g.State == model.StateExpired {
			continue
		}
		cause, hit := check(cfg, g.Timeframe, g.OriginTS, g.Direction, g.Low, g.High, g.IsActive(), latest)
		if hit && g.MarkExpired() {
			m.count(model.KindFairValueGap, cause)
			expired = append(expired, g)
		}
	}
	return expired
}

// SweepBreakers ages breakers from their transition, the start of the
// breaker's own lifecycle, not the source block's origin.
func (m *Manager) SweepBreakers(breakers []*model.BreakerBlock, latest model.Candle) []*model.BreakerBlock {
	cfg, ok := m.configs[model.KindBreakerBlock]
	if !ok {
		return nil
	}
	var expired []*model.BreakerBlock
	for _, b := range breakers {
		if b == nil || b.State == model.StateExpired {
			continue
		}
		cause, hit := check(cfg, b.Timeframe, b.TransitionTS, b.Direction, b.Low, b.High, b.IsActive(), latest)
		if hit && b.MarkExpired() {
			m.count(model.KindBreakerBlock, cause)
			expired = append(expired, b)
		}
	}
	return expired
}

// Counts returns a copy of the running expiration counters.
func (m *Manager) Counts() map[model.IndicatorKind]map[Cause]int {
	out := make(map[model.IndicatorKind]map[Cause]int, len(m.counts))
	for kind, byCause := range m.counts {
		cp := make(map[Cause]int, len(byCause))
		for cause, n := range byCause {
			cp[cause] = n
		}
		out[kind] = cp
	}
	return out
}

// Reset zeroes the counters. Policies are unaffected.
func (m *Manager) Reset() {
	m.counts = make(map[model.IndicatorKind]map[Cause]int)
}

func (m *Manager) count(kind model.IndicatorKind, cause Cause) {
	byCause, ok := m.counts[kind]
	if !ok {
		byCause = make(map[Cause]int, 2)
		m.counts[kind] = byCause
	}
	byCause[cause]++
}

// check evaluates one policy. Time and price trigger independently;
// when both hold, time wins the cause tag. priceable guards the price
// test so zones already broken or filled can only age out.
func check(cfg Config, tf model.Timeframe, origin time.Time, dir model.Direction, low, high float64, priceable bool, latest model.Candle) (Cause, bool) {
	if cfg.Mode != ModePrice && expiredByTime(cfg, tf, origin, latest) {
		return CauseTime, true
	}
	if cfg.Mode != ModeTime && priceable && expiredByPrice(cfg, dir, low, high, latest) {
		return CausePrice, true
	}
	return "", false
}

func expiredByTime(cfg Config, tf model.Timeframe, origin time.Time, latest model.Candle) bool {
	age := latest.TS.Sub(origin)
	if age < 0 {
		return false
	}
	if cfg.MaxAgeCandles > 0 && int(age/tf.Duration()) >= cfg.MaxAgeCandles {
		return true
	}
	if cfg.MaxAge > 0 && age >= cfg.MaxAge {
		return true
	}
	return false
}

func expiredByPrice(cfg Config, dir model.Direction, low, high float64, latest model.Candle) bool {
	rng := high - low
	if rng <= 0 {
		return false
	}
	var pen float64
	var closedBeyond bool
	if dir == model.Bullish {
		pen = low - latest.Low
		closedBeyond = latest.Close < low
	} else {
		pen = latest.High - high
		closedBeyond = latest.Close > high
	}
	if pen <= 0 {
		return false
	}
	if pen/rng*100 < cfg.BreachPct {
		return false
	}
	if cfg.RequireCloseBeyond && !closedBeyond {
		return false
	}
	return true
}
