package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketstructure/internal/bus"
	"marketstructure/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultZoneStreamMaxLen = 4096
	defaultLatestTTL        = 30 * time.Minute
)

// PublisherConfig configures the zone event publisher.
type PublisherConfig struct {
	Addr     string
	Password string
	DB       int

	// StreamMaxLen caps each per-symbol zone stream (approximate trim).
	StreamMaxLen int64
	// LatestTTL is the expiry on the zone:latest keys.
	LatestTTL time.Duration
}

// Publisher delivers zone events downstream: each event is appended to
// the symbol's zone stream, mirrored into a latest-value key, and
// announced on Pub/Sub, all in one pipeline per batch.
type Publisher struct {
	client *goredis.Client
	maxLen int64
	ttl    time.Duration

	// OnPublish, when set, is called after every pipeline with its
	// duration and batch size. Used for publish latency metrics.
	OnPublish func(took time.Duration, events int)
}

// ZoneStream returns the stream key zone events for a symbol land on,
// e.g. "zones:BTCUSDT".
func ZoneStream(symbol string) string { return "zones:" + symbol }

func zoneLatestKey(ev bus.ZoneEvent) string {
	return "zone:latest:" + ev.Symbol + ":" + string(ev.Kind) + ":" + string(ev.Timeframe)
}

func zoneChannel(symbol string) string { return "pub:zones:" + symbol }

// NewPublisher connects and pings the server.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultZoneStreamMaxLen
	}
	ttl := cfg.LatestTTL
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}

	log.Printf("[redis-publisher] connected to %s", cfg.Addr)
	return &Publisher{client: client, maxLen: maxLen, ttl: ttl}, nil
}

// Client exposes the underlying connection for health probes.
func (p *Publisher) Client() *goredis.Client { return p.client }

// PublishEvents writes a batch of zone events in a single pipeline:
// XADD to zones:{symbol}, SET zone:latest:{symbol}:{kind}:{tf}, and
// PUBLISH on pub:zones:{symbol}. Events that fail to marshal are
// skipped; a pipeline error fails the whole batch so the caller's
// breaker sees it.
func (p *Publisher) PublishEvents(ctx context.Context, events []bus.ZoneEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	pipe := p.client.Pipeline()
	queued := 0
	for i := range events {
		ev := &events[i]
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[redis-publisher] marshal %s %s: %v", ev.Symbol, ev.Kind, err)
			continue
		}
		payload := string(data)

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: ZoneStream(ev.Symbol),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": payload},
		})
		pipe.Set(ctx, zoneLatestKey(*ev), payload, p.ttl)
		pipe.Publish(ctx, zoneChannel(ev.Symbol), payload)
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zone pipeline (%d events): %w", queued, err)
	}
	if p.OnPublish != nil {
		p.OnPublish(time.Since(start), queued)
	}
	return nil
}

// PublishCandles appends candles to their per-symbol-and-timeframe
// streams in one pipeline. Used by the simulator and replay tooling to
// feed stream-mode consumers.
func (p *Publisher) PublishCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for i := range candles {
		c := &candles[i]
		data, err := json.Marshal(c)
		if err != nil {
			log.Printf("[redis-publisher] marshal candle %s: %v", c.Key(), err)
			continue
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: CandleStream(c.Symbol, c.Timeframe),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("candle pipeline (%d candles): %w", len(candles), err)
	}
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
