// Package config loads the service configuration: defaults, overlaid
// by an optional YAML file, overlaid by environment variables. Secrets
// (Redis password, feed TOTP secret, Telegram token) are env-only and
// never read from the file.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"marketstructure/internal/detect"
	"marketstructure/internal/engine"
	"marketstructure/internal/expiry"
	"marketstructure/internal/model"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "30s" or "2h" into a duration.
type Duration time.Duration

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full structd configuration tree.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Feed      FeedConfig      `yaml:"feed"`
	Redis     RedisConfig     `yaml:"redis"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Detection DetectionConfig `yaml:"detection"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

// ServiceConfig covers the orchestration-level settings.
type ServiceConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
	// Source selects where candles come from: "ws" for the live feed,
	// "redis" for stream consumption.
	Source     string   `yaml:"source"`
	Symbols    []string `yaml:"symbols"`
	Timeframes []string `yaml:"timeframes"`
}

// FeedConfig configures the WebSocket candle feed.
type FeedConfig struct {
	URL               string   `yaml:"url"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay Duration `yaml:"max_reconnect_delay"`
	SubscribeRate     float64  `yaml:"subscribe_rate"`
	SubscribeBurst    int      `yaml:"subscribe_burst"`
	// TOTPSecret comes from FEED_TOTP_SECRET only.
	TOTPSecret string `yaml:"-"`
}

// RedisConfig covers both the stream consumer and the zone publisher.
type RedisConfig struct {
	Addr            string   `yaml:"addr"`
	DB              int      `yaml:"db"`
	Group           string   `yaml:"group"`
	Consumer        string   `yaml:"consumer"`
	StreamMaxLen    int64    `yaml:"stream_max_len"`
	BreakerFailures int      `yaml:"breaker_failures"`
	BreakerCooldown Duration `yaml:"breaker_cooldown"`
	BufferLimit     int      `yaml:"buffer_limit"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
	ReclaimMinIdle  Duration `yaml:"reclaim_min_idle"`
	// Password comes from REDIS_PASSWORD only.
	Password string `yaml:"-"`
}

// SQLiteConfig covers the candle archive and zone journal.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	// WarmupCandles is how much archived history each engine replays on
	// startup, per timeframe.
	WarmupCandles int `yaml:"warmup_candles"`
}

// DetectionConfig is the per-engine detection and lifecycle tuning,
// applied identically to every configured symbol.
type DetectionConfig struct {
	WindowCapacity    int                   `yaml:"window_capacity"`
	AutoRemoveExpired bool                  `yaml:"auto_remove_expired"`
	OrderBlocks       OrderBlockRules       `yaml:"order_blocks"`
	Gaps              GapRules              `yaml:"gaps"`
	Breakers          BreakerRules          `yaml:"breakers"`
	Expiry            map[string]ExpiryRule `yaml:"expiry"`
}

type OrderBlockRules struct {
	SwingLookback    int     `yaml:"swing_lookback"`
	MinCandles       int     `yaml:"min_candles"`
	MaxCandles       int     `yaml:"max_candles"`
	VolumeMultiplier float64 `yaml:"volume_multiplier"`
}

type GapRules struct {
	PipSize       float64 `yaml:"pip_size"`
	MinGapPips    float64 `yaml:"min_gap_pips"`
	MinGapPercent float64 `yaml:"min_gap_percent"`
	ThresholdMode string  `yaml:"threshold_mode"`
}

type BreakerRules struct {
	BreachThresholdPct float64 `yaml:"breach_threshold_pct"`
	MinBodyRatio       float64 `yaml:"min_body_ratio"`
	RequireCloseBeyond bool    `yaml:"require_close_beyond"`
}

type ExpiryRule struct {
	Mode               string   `yaml:"mode"`
	MaxAgeCandles      int      `yaml:"max_age_candles"`
	MaxAge             Duration `yaml:"max_age"`
	BreachPct          float64  `yaml:"breach_pct"`
	RequireCloseBeyond bool     `yaml:"require_close_beyond"`
}

// AlertConfig wires the optional notifiers. Empty URL or chat ID
// disables that notifier.
type AlertConfig struct {
	WebhookURL     string   `yaml:"webhook_url"`
	WebhookTimeout Duration `yaml:"webhook_timeout"`
	TelegramChatID string   `yaml:"telegram_chat_id"`
	// TelegramToken comes from TELEGRAM_BOT_TOKEN only.
	TelegramToken string `yaml:"-"`
}

// Default returns the baseline configuration the YAML file and
// environment overlay.
func Default() *Config {
	ob := detect.DefaultOrderBlockConfig()
	gaps := detect.DefaultFVGConfig()
	brk := detect.DefaultBreakerConfig()

	return &Config{
		Service: ServiceConfig{
			HTTPAddr:   ":9090",
			LogLevel:   "info",
			Source:     "ws",
			Symbols:    []string{"BTCUSDT"},
			Timeframes: []string{"1m", "5m", "15m", "1h"},
		},
		Feed: FeedConfig{
			URL:               "ws://localhost:9001/ws",
			ReconnectDelay:    Duration(2 * time.Second),
			MaxReconnectDelay: Duration(30 * time.Second),
			SubscribeRate:     10,
			SubscribeBurst:    5,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			Group:           "structd",
			StreamMaxLen:    4096,
			BreakerFailures: 5,
			BreakerCooldown: Duration(30 * time.Second),
			BufferLimit:     10000,
			ReclaimInterval: Duration(30 * time.Second),
			ReclaimMinIdle:  Duration(time.Minute),
		},
		SQLite: SQLiteConfig{
			Path:          "data/structd.db",
			WarmupCandles: 500,
		},
		Detection: DetectionConfig{
			WindowCapacity:    500,
			AutoRemoveExpired: true,
			OrderBlocks: OrderBlockRules{
				SwingLookback:    ob.SwingLookback,
				MinCandles:       ob.MinCandles,
				MaxCandles:       ob.MaxCandles,
				VolumeMultiplier: ob.VolumeMultiplier,
			},
			Gaps: GapRules{
				PipSize:       gaps.PipSize,
				MinGapPips:    gaps.MinGapPips,
				MinGapPercent: gaps.MinGapPercent,
				ThresholdMode: string(gaps.ThresholdMode),
			},
			Breakers: BreakerRules{
				BreachThresholdPct: brk.BreachThresholdPct,
				MinBodyRatio:       brk.MinBodyRatio,
				RequireCloseBeyond: brk.RequireCloseBeyond,
			},
			Expiry: map[string]ExpiryRule{
				string(model.KindOrderBlock):   {Mode: "time", MaxAgeCandles: 500},
				string(model.KindFairValueGap): {Mode: "time", MaxAgeCandles: 500},
				string(model.KindBreakerBlock): {Mode: "time", MaxAgeCandles: 500},
			},
		},
		Alerts: AlertConfig{
			WebhookTimeout: Duration(10 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Printf("[config] loaded %s", path)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfEnv(&c.Service.HTTPAddr, "HTTP_ADDR")
	setIfEnv(&c.Service.LogLevel, "LOG_LEVEL")
	setIfEnv(&c.Feed.URL, "FEED_URL")
	setIfEnv(&c.Feed.TOTPSecret, "FEED_TOTP_SECRET")
	setIfEnv(&c.Redis.Addr, "REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "REDIS_PASSWORD")
	setIfEnv(&c.SQLite.Path, "SQLITE_PATH")
	setIfEnv(&c.Alerts.WebhookURL, "WEBHOOK_URL")
	setIfEnv(&c.Alerts.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setIfEnv(&c.Alerts.TelegramChatID, "TELEGRAM_CHAT_ID")
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the service cannot start with.
// Detector and expiry rules get their deeper validation from
// engine.New.
func (c *Config) Validate() error {
	switch c.Service.Source {
	case "ws", "redis":
	default:
		return fmt.Errorf("config: source %q, want ws or redis", c.Service.Source)
	}
	if len(c.Service.Symbols) == 0 {
		return fmt.Errorf("config: no symbols configured")
	}
	if _, err := c.ParsedTimeframes(); err != nil {
		return err
	}
	if c.Service.Source == "ws" && c.Feed.URL == "" {
		return fmt.Errorf("config: source ws requires feed.url")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("config: sqlite.path is required")
	}
	for kind := range c.Detection.Expiry {
		if !model.IndicatorKind(kind).Valid() {
			return fmt.Errorf("config: unknown expiry kind %q", kind)
		}
	}
	return nil
}

// ParsedTimeframes converts the configured timeframe labels, in order.
func (c *Config) ParsedTimeframes() ([]model.Timeframe, error) {
	if len(c.Service.Timeframes) == 0 {
		return nil, fmt.Errorf("config: no timeframes configured")
	}
	tfs := make([]model.Timeframe, 0, len(c.Service.Timeframes))
	for _, s := range c.Service.Timeframes {
		tf := model.Timeframe(s)
		if !tf.Valid() {
			return nil, fmt.Errorf("config: %w: %q", model.ErrInvalidTimeframe, s)
		}
		tfs = append(tfs, tf)
	}
	return tfs, nil
}

// EngineConfig assembles the engine configuration for one symbol.
func (c *Config) EngineConfig(symbol string) (engine.Config, error) {
	tfs, err := c.ParsedTimeframes()
	if err != nil {
		return engine.Config{}, err
	}

	expiryRules := make(map[model.IndicatorKind]expiry.Config, len(c.Detection.Expiry))
	for kind, rule := range c.Detection.Expiry {
		expiryRules[model.IndicatorKind(kind)] = expiry.Config{
			Mode:               expiry.Mode(rule.Mode),
			MaxAgeCandles:      rule.MaxAgeCandles,
			MaxAge:             rule.MaxAge.Std(),
			BreachPct:          rule.BreachPct,
			RequireCloseBeyond: rule.RequireCloseBeyond,
		}
	}

	return engine.Config{
		Symbol:         symbol,
		Timeframes:     tfs,
		WindowCapacity: c.Detection.WindowCapacity,
		OrderBlocks: detect.OrderBlockConfig{
			SwingLookback:    c.Detection.OrderBlocks.SwingLookback,
			MinCandles:       c.Detection.OrderBlocks.MinCandles,
			MaxCandles:       c.Detection.OrderBlocks.MaxCandles,
			VolumeMultiplier: c.Detection.OrderBlocks.VolumeMultiplier,
		},
		Gaps: detect.FVGConfig{
			PipSize:       c.Detection.Gaps.PipSize,
			MinGapPips:    c.Detection.Gaps.MinGapPips,
			MinGapPercent: c.Detection.Gaps.MinGapPercent,
			ThresholdMode: detect.GapThresholdMode(c.Detection.Gaps.ThresholdMode),
		},
		Breakers: detect.BreakerConfig{
			BreachThresholdPct: c.Detection.Breakers.BreachThresholdPct,
			MinBodyRatio:       c.Detection.Breakers.MinBodyRatio,
			RequireCloseBeyond: c.Detection.Breakers.RequireCloseBeyond,
		},
		Expiry:            expiryRules,
		AutoRemoveExpired: c.Detection.AutoRemoveExpired,
	}, nil
}
