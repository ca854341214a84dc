package marketdata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CandleStore accumulates ticks into one-minute candles in SQLite. The
// indicator engine reads closes (and high/low for ATR) from here.
type CandleStore struct {
	db *sql.DB
}

// Candle is one aggregated minute of trading.
type Candle struct {
	Bucket time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
}

const candleSchema = `
CREATE TABLE IF NOT EXISTS candles (
	asset  TEXT    NOT NULL,
	bucket INTEGER NOT NULL,
	open   REAL    NOT NULL,
	high   REAL    NOT NULL,
	low    REAL    NOT NULL,
	close  REAL    NOT NULL,
	PRIMARY KEY (asset, bucket)
);
`

// NewCandleStore opens (or creates) the candle database at path with WAL
// journaling. Candles are throwaway market state, so durability is relaxed
// in favor of write speed.
func NewCandleStore(path string) (*CandleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create candle db directory: %w", err)
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open candle db: %w", err)
	}
	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(candleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candle schema: %w", err)
	}
	return &CandleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *CandleStore) Close() error {
	return s.db.Close()
}

// RecordTick folds a tick price into the asset's current one-minute candle.
func (s *CandleStore) RecordTick(asset string, ts time.Time, price float64) error {
	bucket := ts.UTC().Truncate(time.Minute).Unix()
	_, err := s.db.Exec(`
		INSERT INTO candles (asset, bucket, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset, bucket) DO UPDATE SET
			high  = MAX(high, excluded.high),
			low   = MIN(low, excluded.low),
			close = excluded.close`,
		asset, bucket, price, price, price, price)
	if err != nil {
		return fmt.Errorf("record tick for %s: %w", asset, err)
	}
	return nil
}

// Recent returns up to limit most recent candles for the asset in
// chronological order.
func (s *CandleStore) Recent(asset string, limit int) ([]Candle, error) {
	rows, err := s.db.Query(`
		SELECT bucket, open, high, low, close FROM (
			SELECT bucket, open, high, low, close
			FROM candles WHERE asset = ?
			ORDER BY bucket DESC LIMIT ?
		) ORDER BY bucket ASC`,
		asset, limit)
	if err != nil {
		return nil, fmt.Errorf("read candles for %s: %w", asset, err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var c Candle
		var bucket int64
		if err := rows.Scan(&bucket, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("scan candle for %s: %w", asset, err)
		}
		c.Bucket = time.Unix(bucket, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune drops candles older than the retention window.
func (s *CandleStore) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM candles WHERE bucket < ?`,
		olderThan.UTC().Truncate(time.Minute).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune candles: %w", err)
	}
	return res.RowsAffected()
}
