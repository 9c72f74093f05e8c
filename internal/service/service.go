// Package service wires the full daemon: candle sources, per-symbol
// engines, the zone fan-out and its delivery sinks, storage, metrics
// and the HTTP surface.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"marketstructure/config"
	"marketstructure/internal/bus"
	"marketstructure/internal/engine"
	"marketstructure/internal/expiry"
	"marketstructure/internal/feed/ws"
	"marketstructure/internal/metrics"
	"marketstructure/internal/model"
	"marketstructure/internal/notification"
	redisstore "marketstructure/internal/store/redis"
	sqlitestore "marketstructure/internal/store/sqlite"
)

// Service is the top-level orchestrator. It owns one engine per
// configured symbol and the plumbing around them.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	engines map[string]*engine.Engine
	fanout  *bus.FanOut

	// Exactly one of feed and consumer is set, per the configured source.
	feed     *ws.Client
	consumer *redisstore.Consumer
	streams  []string

	breaker   *redisstore.CircuitBreaker
	publisher *redisstore.BufferedPublisher
	journal   *sqlitestore.Writer
	archive   *sqlitestore.Reader
	notifiers []notification.Notifier

	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	httpSrv *metrics.Server

	candleCh  chan model.Candle
	archiveCh chan model.Candle

	// lastExpired remembers the previous per-engine expiration tallies
	// so the stats loop can feed deltas into the Prometheus counters.
	lastExpired map[string]map[model.IndicatorKind]map[expiry.Cause]int
}

// New connects every dependency and builds the engines. Nothing is
// consumed until Run.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	svc := &Service{
		cfg:         cfg,
		log:         log,
		engines:     make(map[string]*engine.Engine, len(cfg.Service.Symbols)),
		prom:        metrics.NewMetrics(),
		health:      metrics.NewHealthStatus(),
		candleCh:    make(chan model.Candle, 5000),
		archiveCh:   make(chan model.Candle, 5000),
		lastExpired: make(map[string]map[model.IndicatorKind]map[expiry.Cause]int),
	}

	tfs, err := cfg.ParsedTimeframes()
	if err != nil {
		return nil, err
	}
	tfLabels := make([]string, len(tfs))
	for i, tf := range tfs {
		tfLabels[i] = string(tf)
	}
	svc.health.SetTracked(cfg.Service.Symbols, tfLabels)

	// ---- Engines and the zone fan-out ----
	svc.fanout = bus.New(1024)
	svc.fanout.OnDrop = func(name string) {
		svc.prom.FanoutDrops.WithLabelValues(name).Inc()
	}

	for _, symbol := range cfg.Service.Symbols {
		ec, err := cfg.EngineConfig(symbol)
		if err != nil {
			return nil, err
		}
		ec.Logger = log
		eng, err := engine.New(ec)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", symbol, err)
		}
		for _, kind := range model.AllKinds() {
			kind := kind
			if err := eng.RegisterCallback(kind, func(zone model.Indicator) {
				ev := bus.NewEvent(zone)
				svc.prom.ZonesDetected.WithLabelValues(string(ev.Kind), string(ev.Timeframe)).Inc()
				svc.fanout.Publish(ev)
			}); err != nil {
				return nil, err
			}
		}
		svc.engines[symbol] = eng
	}

	// ---- Redis: publisher behind the breaker, plus the consumer ----
	pub, err := redisstore.NewPublisher(redisstore.PublisherConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	})
	if err != nil {
		return nil, err
	}
	pub.OnPublish = func(took time.Duration, events int) {
		svc.prom.RedisPublishDur.Observe(took.Seconds())
	}

	svc.breaker = redisstore.NewCircuitBreaker(cfg.Redis.BreakerFailures, cfg.Redis.BreakerCooldown.Std())
	svc.breaker.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisBreakerState.Set(float64(to))
		if from == redisstore.StateClosed && to == redisstore.StateOpen {
			svc.prom.RedisBreakerTrips.Inc()
		}
		log.Warn("redis breaker transition", "from", from.String(), "to", to.String())
	}
	svc.publisher = redisstore.NewBufferedPublisher(pub, svc.breaker, cfg.Redis.BufferLimit)
	svc.publisher.OnBuffer = func(buffered int) {
		svc.prom.RedisBufferedEvents.Add(float64(buffered))
	}

	if cfg.Service.Source == "redis" {
		svc.consumer, err = redisstore.NewConsumer(redisstore.ConsumerConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		})
		if err != nil {
			pub.Close()
			return nil, err
		}
		for _, symbol := range cfg.Service.Symbols {
			for _, tf := range tfs {
				svc.streams = append(svc.streams, redisstore.CandleStream(symbol, tf))
			}
		}
	} else {
		svc.feed, err = ws.New(ws.Config{
			URL:               cfg.Feed.URL,
			Symbols:           cfg.Service.Symbols,
			Timeframes:        tfs,
			TOTPSecret:        cfg.Feed.TOTPSecret,
			ReconnectDelay:    cfg.Feed.ReconnectDelay.Std(),
			MaxReconnectDelay: cfg.Feed.MaxReconnectDelay.Std(),
			SubscribeRate:     cfg.Feed.SubscribeRate,
			SubscribeBurst:    cfg.Feed.SubscribeBurst,
		})
		if err != nil {
			pub.Close()
			return nil, err
		}
		svc.feed.OnReconnect = func() {
			svc.prom.FeedReconnects.Inc()
			svc.health.SetFeedConnected(false)
		}
	}

	// ---- SQLite journal and archive ----
	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	svc.journal, err = sqlitestore.New(sqlitestore.WriterConfig{Path: cfg.SQLite.Path})
	if err != nil {
		svc.publisher.Close()
		return nil, err
	}
	svc.journal.OnCommit = func(took time.Duration, rows int) {
		svc.prom.SQLiteCommitDur.Observe(took.Seconds())
	}
	svc.archive, err = sqlitestore.NewReader(cfg.SQLite.Path)
	if err != nil {
		log.Warn("archive reader unavailable, skipping warm-up", "err", err)
		svc.archive = nil
	}

	// ---- Notifiers ----
	if cfg.Alerts.WebhookURL != "" {
		svc.notifiers = append(svc.notifiers, notification.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout.Std()))
	}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		svc.notifiers = append(svc.notifiers, notification.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
	}
	if len(svc.notifiers) == 0 {
		svc.notifiers = append(svc.notifiers, notification.NewLogNotifier())
	}

	// ---- HTTP ----
	svc.httpSrv = metrics.NewServer(cfg.Service.HTTPAddr, svc.health)
	svc.mountAPI()

	return svc, nil
}

// Run starts every subsystem and blocks until ctx is cancelled, then
// drains and closes in dependency order.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info("starting",
		"symbols", svc.cfg.Service.Symbols,
		"timeframes", svc.cfg.Service.Timeframes,
		"source", svc.cfg.Service.Source)

	svc.warmUp()
	svc.health.SetEnginesOK(true)

	var sinks sync.WaitGroup

	// Delivery sinks drain the fan-out.
	publishEvents := svc.fanout.Subscribe("redis")
	journalEvents := svc.fanout.Subscribe("journal")
	alertEvents := svc.fanout.Subscribe("alerts")

	sinks.Add(4)
	go func() { defer sinks.Done(); svc.publishLoop(ctx, publishEvents) }()
	go func() { defer sinks.Done(); svc.journal.RunZoneEvents(ctx, journalEvents) }()
	go func() { defer sinks.Done(); svc.notifyLoop(ctx, alertEvents) }()
	go func() { defer sinks.Done(); svc.journal.RunCandles(ctx, svc.archiveCh) }()

	// The ingest loop must be draining before the source starts: the
	// stream backfill and pending recovery block on the candle channel.
	go svc.ingestLoop(ctx)
	svc.startSource(ctx)
	go svc.statsLoop(ctx)

	svc.health.StartLivenessChecker(ctx, svc.publisher.Underlying().Client(), svc.journal.DB(), 15*time.Second)
	svc.httpSrv.Start()

	svc.log.Info("running", "http", svc.cfg.Service.HTTPAddr)
	<-ctx.Done()

	svc.log.Info("shutting down")
	sinks.Wait()
	svc.shutdown()
	return nil
}

func (svc *Service) shutdown() {
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.fanout.Close()
	svc.httpSrv.Stop(shutCtx)
	svc.publisher.Close()
	if svc.consumer != nil {
		svc.consumer.Close()
	}
	if svc.archive != nil {
		svc.archive.Close()
	}
	svc.journal.Close()
	svc.log.Info("shutdown complete")
}

// warmUp replays archived candles through each engine so zones carry
// over restarts. Detection callbacks fire during the replay; the
// publisher re-emits those zones, which downstream consumers dedupe on
// zone identity.
//
// Each engine expects chronological input per timeframe, and closed
// candles cascade into higher timeframes as they arrive. The per-
// timeframe histories are therefore merged into one tape sorted by
// timestamp, lower timeframe first on ties, so a cascaded aggregate
// always lands on or after its archived counterpart.
func (svc *Service) warmUp() {
	if svc.archive == nil || svc.cfg.SQLite.WarmupCandles <= 0 {
		return
	}

	tfs, _ := svc.cfg.ParsedTimeframes()
	total := 0
	for symbol, eng := range svc.engines {
		var tape []model.Candle
		for _, tf := range tfs {
			candles, err := svc.archive.LoadRecent(symbol, tf, svc.cfg.SQLite.WarmupCandles)
			if err != nil {
				svc.log.Warn("warm-up read failed", "symbol", symbol, "timeframe", tf, "err", err)
				continue
			}
			tape = append(tape, candles...)
		}
		sort.SliceStable(tape, func(i, j int) bool { return tape[i].TS.Before(tape[j].TS) })

		for _, c := range tape {
			if err := eng.Ingest(c); err != nil {
				svc.log.Warn("warm-up candle rejected", "symbol", symbol, "err", err)
				continue
			}
			total++
		}
	}
	if total > 0 {
		svc.log.Info("warm-up complete", "candles", total)
	}
}
