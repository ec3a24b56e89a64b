// Package candles persists OHLCV rows in SQLite, one table per symbol with
// primary key (timestamp, timeframe). In backtest mode the database runs with
// relaxed durability for throughput; in production mode it uses WAL.
package candles

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
)

const tableSuffix = "_kline"

// Store is the process-wide candle store. Writes to the same (symbol,
// timeframe) rows are upserts, so repeated fetches are idempotent.
type Store struct {
	db         *sql.DB
	isBacktest bool
	logger     zerolog.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// Open opens (creating if needed) the store at path. isBacktest selects the
// relaxed-durability pragmas.
func Open(path string, isBacktest bool) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle store: %w", err)
	}
	// The store serializes access through a single connection; SQLite's
	// own locking covers cross-process readers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		isBacktest: isBacktest,
		logger:     logging.Component("candles"),
		tables:     make(map[string]bool),
	}
	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Bool("backtest", isBacktest).Msg("Candle store opened")
	return s, nil
}

func (s *Store) applyPragmas() error {
	var pragmas []string
	if s.isBacktest {
		pragmas = []string{
			"PRAGMA synchronous=OFF",
			"PRAGMA journal_mode=MEMORY",
			"PRAGMA temp_store=MEMORY",
			"PRAGMA cache_size=50000",
		}
	} else {
		pragmas = []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA cache_size=10000",
		}
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

func tableName(symbol string) string {
	return strings.ToLower(symbol) + tableSuffix
}

// ensureTable creates the per-symbol table and its secondary indexes once.
func (s *Store) ensureTable(symbol string) (string, error) {
	name := tableName(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return name, nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			timeframe TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			open TEXT,
			high TEXT,
			low TEXT,
			close TEXT,
			volume TEXT,
			PRIMARY KEY (timestamp, timeframe)
		)`, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timeframe_timestamp ON %s (timeframe, timestamp)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s (timestamp)`, name, name),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return "", fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	s.tables[name] = true
	return name, nil
}

// AddCandles upserts a batch of candles in a single transaction. All candles
// in the batch must belong to the same symbol.
func (s *Store) AddCandles(batch []domain.Candle) error {
	if len(batch) == 0 {
		return nil
	}

	name, err := s.ensureTable(batch[0].Symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin candle batch: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (timeframe, timestamp, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, name))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare candle insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range batch {
		_, err := stmt.Exec(
			c.Timeframe, c.Timestamp,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert candle %s/%s@%d: %w", c.Symbol, c.Timeframe, c.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle batch: %w", err)
	}

	s.logger.Debug().
		Str("symbol", batch[0].Symbol).
		Int("count", len(batch)).
		Msg("Candle batch stored")
	return nil
}

// GetNextCandle returns the first candle strictly after timestamp for the
// given timeframe, or nil when the table holds none.
func (s *Store) GetNextCandle(symbol string, timestamp domain.Millis, timeframe string) (*domain.Candle, error) {
	name := tableName(symbol)
	if !s.tableExists(name) {
		return nil, nil
	}

	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT timeframe, timestamp, open, high, low, close, volume FROM %s
		 WHERE timestamp > ? AND timeframe = ?
		 ORDER BY timestamp ASC LIMIT 1`, name),
		timestamp, timeframe)

	c, err := scanCandle(row, symbol)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read next candle: %w", err)
	}
	return c, nil
}

// GetCandles returns up to limit candles for symbol/timeframe starting at
// startTime, ascending.
func (s *Store) GetCandles(symbol, timeframe string, limit int, startTime domain.Millis) ([]domain.Candle, error) {
	name := tableName(symbol)
	if !s.tableExists(name) {
		return nil, nil
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT timeframe, timestamp, open, high, low, close, volume FROM %s
		 WHERE timeframe = ? AND timestamp >= ?
		 ORDER BY timestamp ASC LIMIT ?`, name),
		timeframe, startTime, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) tableExists(name string) bool {
	s.mu.Lock()
	if s.tables[name] {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	var found string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&found)
	if err != nil {
		return false
	}
	s.mu.Lock()
	s.tables[name] = true
	s.mu.Unlock()
	return true
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCandle(row scannable, symbol string) (*domain.Candle, error) {
	var (
		tf                             string
		ts                             int64
		open, high, low, close, volume sql.NullString
	)
	if err := row.Scan(&tf, &ts, &open, &high, &low, &close, &volume); err != nil {
		return nil, err
	}
	c := &domain.Candle{Symbol: symbol, Timeframe: tf, Timestamp: ts}
	var err error
	if c.Open, err = parseDecimal(open); err != nil {
		return nil, err
	}
	if c.High, err = parseDecimal(high); err != nil {
		return nil, err
	}
	if c.Low, err = parseDecimal(low); err != nil {
		return nil, err
	}
	if c.Close, err = parseDecimal(close); err != nil {
		return nil, err
	}
	if c.Volume, err = parseDecimal(volume); err != nil {
		return nil, err
	}
	return c, nil
}

func parseDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

// Close closes the underlying database. Idempotent.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
