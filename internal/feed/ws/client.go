// Package ws connects to a candle feed over WebSocket and streams
// validated candles into the processing pipeline. The wire format is
// one JSON object per message:
//
//	{"symbol":"BTCUSDT","timeframe":"1m","ts":1709283600000,
//	 "open":101,"high":102,"low":100,"close":101.5,"volume":120,"closed":true}
//
// ts is the period start in Unix milliseconds. Forming candles arrive
// with closed=false and are re-sent as revisions until the period ends.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"marketstructure/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"
)

// Config holds the feed connection settings.
type Config struct {
	// URL of the candle server, e.g. "ws://localhost:9001/ws".
	URL string

	// Symbols and Timeframes to subscribe to on connect. Every
	// symbol/timeframe pair becomes one subscribe message.
	Symbols    []string
	Timeframes []model.Timeframe

	// TOTPSecret, when set, authenticates the dial with a one-time code
	// in the X-Auth-TOTP header.
	TOTPSecret string

	// ReconnectDelay is the initial backoff delay, doubled per failed
	// attempt up to MaxReconnectDelay. Defaults: 2s and 30s.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// SubscribeRate caps subscribe messages per second after connect,
	// with SubscribeBurst allowed immediately. Defaults: 10/s, burst 5.
	SubscribeRate  float64
	SubscribeBurst int
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = 10
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = 5
	}
}

// Client maintains the feed connection, re-subscribing after every
// reconnect.
type Client struct {
	cfg     Config
	limiter *rate.Limiter

	// OnReconnect, when set, is called before each reconnection attempt.
	OnReconnect func()
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("feed: no symbols configured")
	}
	for _, tf := range cfg.Timeframes {
		if !tf.Valid() {
			return nil, fmt.Errorf("feed: %w: %q", model.ErrInvalidTimeframe, tf)
		}
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribeRate), cfg.SubscribeBurst),
	}, nil
}

type subscribeMessage struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type candleMessage struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	TS        int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// ParseCandle decodes and validates one feed message.
func ParseCandle(raw []byte) (model.Candle, error) {
	var msg candleMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Candle{}, fmt.Errorf("feed message: %w", err)
	}
	return model.NewCandle(
		msg.Symbol,
		model.Timeframe(msg.Timeframe),
		time.UnixMilli(msg.TS).UTC(),
		msg.Open, msg.High, msg.Low, msg.Close, msg.Volume,
		msg.Closed,
	)
}

// authHeader builds the dial header, attaching a fresh TOTP code when a
// secret is configured.
func authHeader(secret string) (http.Header, error) {
	if secret == "" {
		return nil, nil
	}
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("totp generate: %w", err)
	}
	h := http.Header{}
	h.Set("X-Auth-TOTP", code)
	return h, nil
}

// Run connects and streams candles into out until ctx is cancelled,
// reconnecting with exponential backoff on any disconnect.
func (c *Client) Run(ctx context.Context, out chan<- model.Candle) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.runOnce(ctx, out)
		if err == nil {
			return nil
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s", err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce performs one connect-subscribe-read session. A nil return
// means ctx was cancelled; any error means the session dropped and the
// caller should reconnect.
func (c *Client) runOnce(ctx context.Context, out chan<- model.Candle) error {
	header, err := authHeader(c.cfg.TOTPSecret)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", c.cfg.URL)

	// Close the connection when ctx is cancelled so the blocking read
	// below unblocks.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	if err := c.subscribe(ctx, conn); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		candle, err := ParseCandle(raw)
		if err != nil {
			log.Printf("[feed] dropping message: %v", err)
			continue
		}

		select {
		case out <- candle:
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribe sends one subscribe message per symbol/timeframe pair,
// paced by the rate limiter so a wide config does not get throttled by
// the server on reconnect storms.
func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn) error {
	for _, symbol := range c.cfg.Symbols {
		for _, tf := range c.cfg.Timeframes {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			msg := subscribeMessage{Action: "subscribe", Symbol: symbol, Timeframe: string(tf)}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("subscribe %s %s: %w", symbol, tf, err)
			}
		}
	}
	log.Printf("[feed] subscribed to %d streams", len(c.cfg.Symbols)*len(c.cfg.Timeframes))
	return nil
}
