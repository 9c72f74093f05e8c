package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/expiry"
	"marketstructure/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "structd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultBuildsRunnableEngine(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}

	ec, err := cfg.EngineConfig("BTCUSDT")
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if _, err := engine.New(ec); err != nil {
		t.Fatalf("engine.New rejected the default config: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Service.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.Service.HTTPAddr)
	}
	if cfg.Redis.Group != "structd" {
		t.Errorf("Group = %q, want structd", cfg.Redis.Group)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  source: redis
  symbols: [ETHUSDT, SOLUSDT]
  timeframes: ["1m", "15m"]
redis:
  addr: "redis-0:6379"
  breaker_cooldown: 45s
detection:
  window_capacity: 300
  order_blocks:
    swing_lookback: 3
    min_candles: 12
    max_candles: 6
  expiry:
    order_block:
      mode: both
      max_age_candles: 200
      max_age: 2h
      breach_pct: 30
      require_close_beyond: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Source != "redis" {
		t.Errorf("Source = %q, want redis", cfg.Service.Source)
	}
	if len(cfg.Service.Symbols) != 2 || cfg.Service.Symbols[0] != "ETHUSDT" {
		t.Errorf("Symbols = %v", cfg.Service.Symbols)
	}
	if cfg.Redis.Addr != "redis-0:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.BreakerCooldown.Std() != 45*time.Second {
		t.Errorf("BreakerCooldown = %s, want 45s", cfg.Redis.BreakerCooldown.Std())
	}
	if cfg.Detection.WindowCapacity != 300 {
		t.Errorf("WindowCapacity = %d, want 300", cfg.Detection.WindowCapacity)
	}

	// Untouched sections keep their defaults.
	if cfg.SQLite.Path != "data/structd.db" {
		t.Errorf("SQLite.Path = %q, want default", cfg.SQLite.Path)
	}
	if cfg.Redis.Group != "structd" {
		t.Errorf("Redis.Group = %q, want default", cfg.Redis.Group)
	}

	ec, err := cfg.EngineConfig("ETHUSDT")
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if len(ec.Timeframes) != 2 || ec.Timeframes[1] != model.TF15m {
		t.Errorf("engine timeframes = %v", ec.Timeframes)
	}
	if ec.OrderBlocks.SwingLookback != 3 {
		t.Errorf("SwingLookback = %d, want 3", ec.OrderBlocks.SwingLookback)
	}

	ob := ec.Expiry[model.KindOrderBlock]
	if ob.Mode != expiry.ModeBoth || ob.MaxAge != 2*time.Hour || ob.BreachPct != 30 || !ob.RequireCloseBeyond {
		t.Errorf("order block expiry = %+v", ob)
	}
	// Kinds the file does not mention keep the default policy.
	if gap := ec.Expiry[model.KindFairValueGap]; gap.Mode != expiry.ModeTime || gap.MaxAgeCandles != 500 {
		t.Errorf("gap expiry = %+v, want default", gap)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: "from-file:6379"
`)
	t.Setenv("REDIS_ADDR", "from-env:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("FEED_TOTP_SECRET", "JBSWY3DPEHPK3PXP")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "from-env:6379" {
		t.Errorf("Redis.Addr = %q, env should win over file", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("Redis.Password = %q", cfg.Redis.Password)
	}
	if cfg.Feed.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("TOTPSecret = %q", cfg.Feed.TOTPSecret)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Service.LogLevel)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown source": `
service:
  source: kafka
`,
		"unknown timeframe": `
service:
  timeframes: ["1m", "7m"]
`,
		"no symbols": `
service:
  symbols: []
`,
		"unknown expiry kind": `
detection:
  expiry:
    liquidity_void:
      mode: time
      max_age_candles: 10
`,
		"bad duration": `
redis:
  breaker_cooldown: fast
`,
	}

	for name, body := range cases {
		path := writeConfig(t, body)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load accepted the config", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load accepted a missing file path")
	}
}
