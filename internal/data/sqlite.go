package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS prices (
	symbol TEXT NOT NULL,
	date   TEXT NOT NULL,
	open   TEXT NOT NULL,
	high   TEXT NOT NULL,
	low    TEXT NOT NULL,
	close  TEXT NOT NULL,
	volume TEXT NOT NULL,
	PRIMARY KEY (symbol, date)
);
CREATE TABLE IF NOT EXISTS fundamentals (
	symbol      TEXT NOT NULL,
	name        TEXT NOT NULL,
	value       REAL NOT NULL,
	reported_at TEXT NOT NULL,
	PRIMARY KEY (symbol, name, reported_at)
);
CREATE INDEX IF NOT EXISTS idx_fundamentals_asof ON fundamentals (symbol, reported_at);
`

// SQLiteStore keeps bars and fundamentals in a SQLite database.
// Dates are stored as YYYY-MM-DD text so range queries compare lexically,
// and prices as decimal text so nothing is lost to float rounding.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Opened SQLite market data store", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Snapshot returns the point-in-time market view at date
func (s *SQLiteStore) Snapshot(ctx context.Context, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error) {
	return buildSnapshot(ctx, s, date, tickers, lookbackDays)
}

// PriceSeries returns the close series of symbol in [start, end]
func (s *SQLiteStore) PriceSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.PricePoint, error) {
	return buildSeries(ctx, s, symbol, start, end)
}

func (s *SQLiteStore) loadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume
		FROM prices
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		symbol, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var day, open, high, low, closePx, volume string
		if err := rows.Scan(&day, &open, &high, &low, &closePx, &volume); err != nil {
			return nil, err
		}
		bar, err := parseBar(day, open, high, low, closePx, volume)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

func (s *SQLiteStore) loadFundamentals(ctx context.Context, symbol string, asOf time.Time) ([]Fundamental, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, reported_at
		FROM fundamentals
		WHERE symbol = ? AND reported_at <= ?
		ORDER BY reported_at`,
		symbol, asOf.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fundamental
	for rows.Next() {
		var (
			f  Fundamental
			at string
		)
		if err := rows.Scan(&f.Name, &f.Value, &at); err != nil {
			return nil, err
		}
		reported, err := time.Parse(dateLayout, at)
		if err != nil {
			return nil, fmt.Errorf("%s: bad reported_at %q: %w", symbol, at, err)
		}
		f.Ticker = symbol
		f.ReportedAt = reported
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveBars upserts bars for a symbol. A bar for an existing day replaces it.
func (s *SQLiteStore) SaveBars(ctx context.Context, symbol string, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			open=excluded.open,
			high=excluded.high,
			low=excluded.low,
			close=excluded.close,
			volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, symbol, b.Date.Format(dateLayout),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug("Saved bars", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	return nil
}

// SaveFundamentals upserts reported figures
func (s *SQLiteStore) SaveFundamentals(ctx context.Context, funds []Fundamental) error {
	if len(funds) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fundamentals (symbol, name, value, reported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, name, reported_at) DO UPDATE SET value=excluded.value`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, f := range funds {
		if _, err := stmt.ExecContext(ctx, f.Ticker, f.Name, f.Value, f.ReportedAt.Format(dateLayout)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Symbols lists the symbols with stored prices
func (s *SQLiteStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM prices ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

func parseBar(day, open, high, low, closePx, volume string) (types.Bar, error) {
	date, err := time.Parse(dateLayout, day)
	if err != nil {
		return types.Bar{}, fmt.Errorf("bad date %q: %w", day, err)
	}
	var bar types.Bar
	bar.Date = date
	for _, field := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&bar.Open, open}, {&bar.High, high}, {&bar.Low, low}, {&bar.Close, closePx}, {&bar.Volume, volume},
	} {
		v, err := decimal.NewFromString(field.raw)
		if err != nil {
			return types.Bar{}, fmt.Errorf("bad number %q on %s: %w", field.raw, day, err)
		}
		*field.dst = v
	}
	return bar, nil
}
