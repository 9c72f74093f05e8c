package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketstructure/internal/bus"
	"marketstructure/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite journal.
type WriterConfig struct {
	Path string // database file, e.g. "data/structd.db"
}

// Writer journals candles and zone events to SQLite with transaction
// batching. The candle archive feeds engine warm-up after a restart
// and the replay tooling; the zone event journal is the durable audit
// trail of everything the engines emitted.
type Writer struct {
	db *sql.DB

	// OnCommit, when set, receives the duration and row count of each
	// committed batch.
	OnCommit func(took time.Duration, rows int)
}

// New opens (or creates) the database in WAL mode and applies the
// schema. The pool is pinned to one connection: SQLite allows a single
// writer, and funnelling everything through one conn avoids
// SQLITE_BUSY churn under load.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Writer{db: db}, nil
}

// DB exposes the handle for health probes and the reader.
func (w *Writer) DB() *sql.DB { return w.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			closed    INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS zone_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			zone_id    TEXT    NOT NULL,
			direction  TEXT    NOT NULL,
			state      TEXT    NOT NULL,
			low        REAL    NOT NULL,
			high       REAL    NOT NULL,
			strength   REAL    NOT NULL,
			origin_ts  INTEGER NOT NULL,
			emitted_at INTEGER NOT NULL,
			payload    TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_zone_events_symbol_ts
			ON zone_events (symbol, emitted_at);
	`)
	return err
}

// RunCandles drains ch into the candle archive, committing every
// defaultBatchSize rows or defaultFlushDelay, whichever comes first.
// Blocks until ctx is cancelled or ch is closed; the tail batch is
// flushed on the way out.
func (w *Writer) RunCandles(ctx context.Context, ch <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertCandles(batch); err != nil {
			log.Printf("[sqlite] candle batch: %v", err)
		} else if w.OnCommit != nil {
			w.OnCommit(time.Since(start), len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertCandles writes one batch in a single transaction. INSERT OR
// REPLACE makes forming-candle revisions and replayed history
// idempotent on the (symbol, timeframe, ts) key.
func (w *Writer) insertCandles(candles []model.Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, timeframe, ts, open, high, low, close, volume, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		closed := 0
		if c.Closed {
			closed = 1
		}
		if _, err := stmt.Exec(c.Symbol, string(c.Timeframe), c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume, closed); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RunZoneEvents drains ch into the zone event journal with the same
// batching discipline as RunCandles.
func (w *Writer) RunZoneEvents(ctx context.Context, ch <-chan bus.ZoneEvent) {
	batch := make([]bus.ZoneEvent, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertZoneEvents(batch); err != nil {
			log.Printf("[sqlite] zone event batch: %v", err)
		} else if w.OnCommit != nil {
			w.OnCommit(time.Since(start), len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (w *Writer) insertZoneEvents(events []bus.ZoneEvent) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO zone_events (symbol, kind, timeframe, zone_id, direction, state, low, high, strength, origin_ts, emitted_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev.Zone)
		if err != nil {
			log.Printf("[sqlite] marshal zone %s %s: %v", ev.Symbol, ev.Kind, err)
			continue
		}
		id, dir, state, strength, originTS := zoneColumns(ev.Zone)
		_, err = stmt.Exec(
			ev.Symbol, string(ev.Kind), string(ev.Timeframe),
			id, string(dir), string(state),
			ev.Zone.ZoneLow(), ev.Zone.ZoneHigh(), strength,
			originTS.Unix(), ev.EmittedAt.UnixMilli(), string(payload),
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// zoneColumns pulls the indexed columns out of the concrete zone type.
// The strength column carries block strength for blocks and breakers
// and the gap size percentage for fair value gaps.
func zoneColumns(z model.Indicator) (id string, dir model.Direction, state model.ZoneState, strength float64, originTS time.Time) {
	switch v := z.(type) {
	case *model.OrderBlock:
		return v.ID, v.Direction, v.State, v.Strength, v.OriginTS
	case *model.FairValueGap:
		return v.ID, v.Direction, v.State, v.SizePct, v.OriginTS
	case *model.BreakerBlock:
		return v.ID, v.Direction, v.State, v.Strength, v.OriginTS
	}
	return "", "", "", 0, time.Time{}
}

// LastCandleTS returns the newest archived candle timestamp for the
// pair, or the zero time when the archive is empty.
func (w *Writer) LastCandleTS(symbol string, tf model.Timeframe) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
