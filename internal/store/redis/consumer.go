package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"marketstructure/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ConsumerConfig configures the candle stream consumer.
type ConsumerConfig struct {
	Addr     string
	Password string
	DB       int
	Group    string // consumer group, e.g. "structd"
	Consumer string // unique consumer name within the group, e.g. hostname
}

// Consumer reads candles from Redis Streams through a consumer group,
// acknowledging entries only after they have been handed to the engine
// side. Unacknowledged entries survive a crash in the PEL and are
// re-delivered by RecoverPending or stolen by a reclaimer on another
// instance.
type Consumer struct {
	client   *goredis.Client
	group    string
	consumer string
}

// CandleStream returns the stream key candles are published on for one
// symbol and timeframe, e.g. "candles:BTCUSDT:1m".
func CandleStream(symbol string, tf model.Timeframe) string {
	return fmt.Sprintf("candles:%s:%s", symbol, tf)
}

// NewConsumer connects and pings the server.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
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

	group := cfg.Group
	if group == "" {
		group = "structd"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "structd-1"
	}

	log.Printf("[redis-consumer] connected to %s (group=%s consumer=%s)", cfg.Addr, group, consumer)
	return &Consumer{client: client, group: group, consumer: consumer}, nil
}

// Client exposes the underlying connection for health probes.
func (c *Consumer) Client() *goredis.Client { return c.client }

// EnsureGroups creates the consumer group on each stream if missing,
// starting at "$" so a fresh group sees only new entries. Existing
// groups are left untouched.
func (c *Consumer) EnsureGroups(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// EnsureGroupAt creates the group starting from startID, or moves an
// existing group's last-delivered ID there. Used after a warm-up replay
// so the group resumes exactly where the replay stopped.
func (c *Consumer) EnsureGroupAt(ctx context.Context, stream, startID string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, startID).Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return c.client.XGroupSetID(ctx, stream, c.group, startID).Err()
		}
		return fmt.Errorf("xgroup create %s at %s: %w", stream, startID, err)
	}
	return nil
}

// Consume blocks on XREADGROUP across the given streams and sends
// decoded candles to out until ctx is cancelled. Entries that fail to
// decode or validate are acknowledged and skipped so a poison pill
// cannot wedge the group.
func (c *Consumer) Consume(ctx context.Context, streams []string, out chan<- model.Candle) error {
	// XREADGROUP wants [stream1, stream2, ..., ">", ">", ...].
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-consumer] xreadgroup: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				candle, ok := decodeCandle(msg.Values)
				if !ok {
					c.client.XAck(ctx, stream.Stream, c.group, msg.ID)
					continue
				}

				select {
				case out <- candle:
				case <-ctx.Done():
					return ctx.Err()
				}

				c.client.XAck(ctx, stream.Stream, c.group, msg.ID)
			}
		}
	}
}

// RecoverPending drains this consumer's own PEL, re-delivering entries
// that were read but never acknowledged before a crash. Call once at
// startup, before Consume.
func (c *Consumer) RecoverPending(ctx context.Context, streams []string, out chan<- model.Candle) error {
	for _, stream := range streams {
		for {
			pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[redis-consumer] xclaim %s: %v", stream, err)
				break
			}

			for _, msg := range claimed {
				candle, ok := decodeCandle(msg.Values)
				if !ok {
					c.client.XAck(ctx, stream, c.group, msg.ID)
					continue
				}
				select {
				case out <- candle:
				case <-ctx.Done():
					return ctx.Err()
				}
				c.client.XAck(ctx, stream, c.group, msg.ID)
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReclaimStale steals PEL entries owned by other consumers in the group
// that have been idle longer than minIdle. XCLAIM's own MinIdle keeps
// the steal atomic when several instances race for the same entries.
func (c *Consumer) ReclaimStale(ctx context.Context, stream string, minIdle time.Duration, batch int64) ([]goredis.XMessage, error) {
	pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  batch,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != c.consumer {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	return claimed, nil
}

// StartReclaimer periodically sweeps every stream for stale PEL entries
// left by dead consumers, feeding reclaimed candles to out. onReclaim,
// when set, receives the count per sweep that reclaimed anything.
// Blocks until ctx is cancelled; run it on its own goroutine.
func (c *Consumer) StartReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, out chan<- model.Candle, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range streams {
				claimed, err := c.ReclaimStale(ctx, stream, minIdle, 50)
				if err != nil {
					log.Printf("[redis-consumer] reclaim %s: %v", stream, err)
					continue
				}
				for _, msg := range claimed {
					candle, ok := decodeCandle(msg.Values)
					if !ok {
						c.client.XAck(ctx, stream, c.group, msg.ID)
						continue
					}
					select {
					case out <- candle:
					case <-ctx.Done():
						return
					}
					c.client.XAck(ctx, stream, c.group, msg.ID)
					total++
				}
			}
			if total > 0 {
				log.Printf("[redis-consumer] reclaimed %d stale entries", total)
				if onReclaim != nil {
					onReclaim(total)
				}
			}
		}
	}
}

// Replay reads a stream with XRANGE starting after fromID ("-" for the
// beginning), sending decoded candles to out. Returns the last entry ID
// seen so the caller can position the consumer group there.
func (c *Consumer) Replay(ctx context.Context, stream, fromID string, out chan<- model.Candle) (string, error) {
	lastID := fromID
	for {
		start := "-"
		if lastID != "-" {
			start = "(" + lastID
		}
		results, err := c.client.XRangeN(ctx, stream, start, "+", 1000).Result()
		if err != nil {
			return lastID, fmt.Errorf("xrange %s from %s: %w", stream, lastID, err)
		}
		if len(results) == 0 {
			return lastID, nil
		}

		for _, msg := range results {
			lastID = msg.ID
			candle, ok := decodeCandle(msg.Values)
			if !ok {
				continue
			}
			select {
			case out <- candle:
			case <-ctx.Done():
				return lastID, ctx.Err()
			}
		}

		if len(results) < 1000 {
			return lastID, nil
		}
	}
}

// decodeCandle parses a stream entry's "data" field and rejects
// payloads that fail candle validation.
func decodeCandle(values map[string]interface{}) (model.Candle, bool) {
	data, ok := values["data"].(string)
	if !ok {
		return model.Candle{}, false
	}
	var candle model.Candle
	if err := json.Unmarshal([]byte(data), &candle); err != nil {
		log.Printf("[redis-consumer] bad candle payload: %v", err)
		return model.Candle{}, false
	}
	if err := candle.Validate(); err != nil {
		log.Printf("[redis-consumer] invalid candle %s: %v", candle.Key(), err)
		return model.Candle{}, false
	}
	return candle, true
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	return c.client.Close()
}
