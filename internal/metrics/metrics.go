// Package metrics owns the Prometheus collectors and the health
// endpoint for the zone engine daemon.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	CandlesIngested *prometheus.CounterVec // labels: symbol, timeframe
	IngestRejects   prometheus.Counter
	IngestDur       prometheus.Histogram
	CandleLag       prometheus.Gauge

	ZonesDetected  *prometheus.CounterVec // labels: kind, timeframe
	ZonesExpired   *prometheus.CounterVec // labels: kind, cause
	ActiveZones    *prometheus.GaugeVec   // labels: symbol, kind, timeframe
	DetectorFaults prometheus.Gauge

	FanoutDrops      *prometheus.CounterVec // labels: subscriber
	FanoutSaturation *prometheus.GaugeVec   // labels: subscriber

	RedisPublishDur     prometheus.Histogram
	RedisBreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips   prometheus.Counter
	RedisBufferedEvents prometheus.Counter
	StreamReclaimed     prometheus.Counter

	SQLiteCommitDur prometheus.Histogram

	FeedReconnects prometheus.Counter
	AlertSends     *prometheus.CounterVec // labels: outcome
}

// NewMetrics registers and returns all Prometheus collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structd_candles_ingested_total",
			Help: "Candles accepted by the engines",
		}, []string{"symbol", "timeframe"}),
		IngestRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structd_ingest_rejects_total",
			Help: "Candles rejected at ingest (validation, symbol, timeframe)",
		}),
		IngestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "structd_ingest_duration_seconds",
			Help:    "Engine ingest latency per candle, detectors included",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structd_candle_lag_seconds",
			Help: "Age of the most recent candle vs wall clock",
		}),

		ZonesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structd_zones_detected_total",
			Help: "Zones emitted by the engines",
		}, []string{"kind", "timeframe"}),
		ZonesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structd_zones_expired_total",
			Help: "Zones retired by the expiration sweep",
		}, []string{"kind", "cause"}),
		ActiveZones: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "structd_active_zones",
			Help: "Currently active zones per engine",
		}, []string{"symbol", "kind", "timeframe"}),
		DetectorFaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structd_detector_faults",
			Help: "Cumulative recovered detector panics",
		}),

		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structd_fanout_drops_total",
			Help: "Zone events dropped by the fan-out per subscriber",
		}, []string{"subscriber"}),
		FanoutSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "structd_fanout_saturation_pct",
			Help: "Subscriber channel fill percentage (len/cap * 100)",
		}, []string{"subscriber"}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "structd_redis_publish_duration_seconds",
			Help:    "Redis zone pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "structd_redis_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structd_redis_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structd_redis_buffered_events_total",
			Help: "Zone events buffered locally while the breaker was open",
		}),
		StreamReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structd_stream_reclaimed_total",
			Help: "Candle stream entries reclaimed from dead consumers",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "structd_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "structd_feed_reconnects_total",
			Help: "WebSocket feed reconnection attempts",
		}),
		AlertSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "structd_alert_sends_total",
			Help: "Alert notification deliveries by outcome",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.CandlesIngested,
		m.IngestRejects,
		m.IngestDur,
		m.CandleLag,
		m.ZonesDetected,
		m.ZonesExpired,
		m.ActiveZones,
		m.DetectorFaults,
		m.FanoutDrops,
		m.FanoutSaturation,
		m.RedisPublishDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBufferedEvents,
		m.StreamReclaimed,
		m.SQLiteCommitDur,
		m.FeedReconnects,
		m.AlertSends,
	)

	return m
}

// HealthStatus tracks subsystem liveness for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastCandleTime time.Time
	RedisConnected bool
	SQLiteOK       bool
	EnginesOK      bool
	Symbols        []string
	Timeframes     []string

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEnginesOK(v bool) {
	h.mu.Lock()
	h.EnginesOK = v
	h.mu.Unlock()
}

// SetTracked records the symbol/timeframe universe for the health payload.
func (h *HealthStatus) SetTracked(symbols, timeframes []string) {
	h.mu.Lock()
	h.Symbols = symbols
	h.Timeframes = timeframes
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency plus connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency plus health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
// Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK || !h.EnginesOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overall = "unhealthy"
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		LastCandleTime  string   `json:"last_candle_time"`
		CandleAge       string   `json:"candle_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		EnginesOK       bool     `json:"engines_ok"`
		Symbols         []string `json:"symbols"`
		Timeframes      []string `json:"timeframes"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastCandleTime:  h.LastCandleTime.Format(time.RFC3339),
		CandleAge:       candleAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		EnginesOK:       h.EnginesOK,
		Symbols:         h.Symbols,
		Timeframes:      h.Timeframes,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz; callers may attach additional
// routes before Start.
type Server struct {
	mux  *http.ServeMux
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		mux:  mux,
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handle attaches an extra route. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
