// cmd/candlesim is a demo WebSocket candle server. It broadcasts
// simulated OHLCV candles for testing structd without a real market
// data feed.
//
// Candle JSON shape matches the feed client:
//
//	{"symbol":"BTCUSDT","timeframe":"1m","ts":1709283600000,
//	 "open":101,"high":102,"low":100,"close":101.5,"volume":120,"closed":true}
//
// Clients may send {"action":"subscribe","symbol":"...","timeframe":"..."}
// to filter; clients that never subscribe receive every stream.
//
// Usage:
//
//	candlesim -addr :9001 -symbols BTCUSDT,ETHUSDT -speed 60
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"marketstructure/internal/model"
	redisstore "marketstructure/internal/store/redis"
)

// candleMsg mirrors the feed wire format.
type candleMsg struct {
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

type subscribeMsg struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool // "SYMBOL:tf"; empty set means everything
}

func (c *client) subscribe(stream string) {
	c.mu.Lock()
	c.subs[stream] = true
	c.mu.Unlock()
}

func (c *client) wants(stream string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) == 0 || c.subs[stream]
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{send: make(chan []byte, 256), subs: make(map[string]bool)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(stream) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop the candle
		}
	}
}

func streamKey(symbol, tf string) string { return symbol + ":" + tf }

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, totpSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if totpSecret != "" && !totp.Validate(r.Header.Get("X-Auth-TOTP"), totpSecret) {
			log.Printf("[candlesim] rejected %s: bad or missing TOTP", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[candlesim] upgrade error: %v", err)
			return
		}
		log.Printf("[candlesim] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[candlesim] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: collect subscribe requests.
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg subscribeMsg
				if err := json.Unmarshal(raw, &msg); err != nil || msg.Action != "subscribe" {
					continue
				}
				c.subscribe(streamKey(msg.Symbol, msg.Timeframe))
			}
		}()

		// Write pump: send candle JSON to this client.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Candle generator ─────────────────────────────────────────────────────────

// symbolSim walks one price path; all timeframes for the symbol build
// their candles from the same path so aggregates stay consistent.
type symbolSim struct {
	symbol string
	price  float64
	frames map[model.Timeframe]*candleMsg
}

// walk applies a small random step (±0.1%) to the price.
func (s *symbolSim) walk(rng *rand.Rand) {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	s.price += s.price * pct
	if s.price < 1 {
		s.price = 1
	}
}

// tick folds the current price into every timeframe's forming candle,
// returning candles whose period just rolled over as closed.
func (s *symbolSim) tick(simNow time.Time, tfs []model.Timeframe, vol float64) (closed, forming []candleMsg) {
	for _, tf := range tfs {
		boundary := tf.Normalize(simNow)
		cur := s.frames[tf]

		if cur == nil || cur.TS != boundary.UnixMilli() {
			if cur != nil {
				cur.Closed = true
				closed = append(closed, *cur)
			}
			s.frames[tf] = &candleMsg{
				Symbol:    s.symbol,
				Timeframe: string(tf),
				TS:        boundary.UnixMilli(),
				Open:      s.price,
				High:      s.price,
				Low:       s.price,
				Close:     s.price,
				Volume:    vol,
			}
			forming = append(forming, *s.frames[tf])
			continue
		}

		if s.price > cur.High {
			cur.High = s.price
		}
		if s.price < cur.Low {
			cur.Low = s.price
		}
		cur.Close = s.price
		cur.Volume += vol
		forming = append(forming, *cur)
	}
	return closed, forming
}

func runGenerator(h *hub, pub *redisstore.Publisher, sims []*symbolSim, tfs []model.Timeframe, tickEvery time.Duration, speed float64) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Start on an hour boundary so every timeframe opens aligned.
	simNow := time.Now().UTC().Truncate(time.Hour)
	simStep := time.Duration(float64(tickEvery) * speed)

	for range ticker.C {
		simNow = simNow.Add(simStep)

		for _, sim := range sims {
			sim.walk(rng)
			vol := rng.Float64() * 10
			closed, forming := sim.tick(simNow, tfs, vol)

			for i := range forming {
				send(h, &forming[i])
			}
			for i := range closed {
				send(h, &closed[i])
			}
			if pub != nil && len(closed) > 0 {
				mirrorToRedis(pub, closed)
			}
		}
	}
}

func send(h *hub, msg *candleMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcast(streamKey(msg.Symbol, msg.Timeframe), b)
}

// mirrorToRedis appends closed candles to their streams so structd can
// run with source=redis against the simulator.
func mirrorToRedis(pub *redisstore.Publisher, msgs []candleMsg) {
	candles := make([]model.Candle, 0, len(msgs))
	for _, m := range msgs {
		c, err := model.NewCandle(m.Symbol, model.Timeframe(m.Timeframe),
			time.UnixMilli(m.TS).UTC(), m.Open, m.High, m.Low, m.Close, m.Volume, true)
		if err != nil {
			continue
		}
		candles = append(candles, c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.PublishCandles(ctx, candles); err != nil {
		log.Printf("[candlesim] redis mirror: %v", err)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	addr := flag.String("addr", ":9001", "Listen address")
	symbolsStr := flag.String("symbols", "BTCUSDT", "Comma-separated symbols")
	tfsStr := flag.String("tfs", "1m,5m,15m,1h", "Comma-separated timeframes")
	speed := flag.Float64("speed", 60, "Simulated seconds per real second")
	tickMs := flag.Int("tick-ms", 250, "Real milliseconds between price ticks")
	startPrice := flag.Float64("price", 64000, "Starting price per symbol")
	totpSecret := flag.String("totp-secret", "", "Require X-Auth-TOTP dial header matching this secret")
	redisAddr := flag.String("redis", "", "Also mirror closed candles to Redis streams at this address")
	flag.Parse()

	tfs, err := parseTimeframes(*tfsStr)
	if err != nil {
		log.Fatalf("[candlesim] %v", err)
	}

	var sims []*symbolSim
	for _, s := range strings.Split(*symbolsStr, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		sims = append(sims, &symbolSim{
			symbol: s,
			price:  *startPrice,
			frames: make(map[model.Timeframe]*candleMsg),
		})
	}
	if len(sims) == 0 {
		log.Fatal("[candlesim] no symbols configured")
	}

	var pub *redisstore.Publisher
	if *redisAddr != "" {
		pub, err = redisstore.NewPublisher(redisstore.PublisherConfig{Addr: *redisAddr})
		if err != nil {
			log.Fatalf("[candlesim] redis: %v", err)
		}
		defer pub.Close()
	}

	h := newHub()
	go runGenerator(h, pub, sims, tfs, time.Duration(*tickMs)*time.Millisecond, *speed)

	http.HandleFunc("/ws", wsHandler(h, *totpSecret))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"candlesim"}`)
	})

	log.Printf("[candlesim] %d symbols, TFs %s, %.0fx speed", len(sims), *tfsStr, *speed)
	log.Printf("[candlesim] listening on %s (WebSocket: ws://localhost%s/ws)", *addr, *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("[candlesim] server error: %v", err)
	}
}

func parseTimeframes(s string) ([]model.Timeframe, error) {
	var tfs []model.Timeframe
	for _, p := range strings.Split(s, ",") {
		tf, err := model.ParseTimeframe(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
	}
	if len(tfs) == 0 {
		return nil, fmt.Errorf("no timeframes configured")
	}
	return tfs, nil
}
