package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"marketstructure/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the candle archive for engine
// warm-up and replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens the archive for reading.
func NewReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", path)
	return &Reader{db: db}, nil
}

// LoadCandles returns closed candles for the pair from the given time
// onward, ascending, capped at limit (0 means no cap). Forming-candle
// revisions left in the archive are skipped.
func (r *Reader) LoadCandles(symbol string, tf model.Timeframe, from time.Time, limit int) ([]model.Candle, error) {
	q := `
		SELECT symbol, timeframe, ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND closed = 1
		ORDER BY ts ASC
	`
	args := []interface{}{symbol, string(tf), from.Unix()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// LoadRecent returns the newest n closed candles for the pair in
// ascending order, ready to feed straight into an engine.
func (r *Reader) LoadRecent(symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT symbol, timeframe, ts, open, high, low, close, volume
		FROM (
			SELECT symbol, timeframe, ts, open, high, low, close, volume
			FROM candles
			WHERE symbol = ? AND timeframe = ? AND closed = 1
			ORDER BY ts DESC
			LIMIT ?
		)
		ORDER BY ts ASC
	`, symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query recent candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var (
			c      model.Candle
			tf     string
			tsUnix int64
		)
		if err := rows.Scan(&c.Symbol, &tf, &tsUnix, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Timeframe = model.Timeframe(tf)
		c.TS = time.Unix(tsUnix, 0).UTC()
		c.Closed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
