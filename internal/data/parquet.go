package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

// ParquetStore keeps bars in yearly Parquet files:
//
//	<DataDir>/<SYMBOL>/<YYYY>.parquet
//	<DataDir>/<SYMBOL>/fundamentals.parquet
type ParquetStore struct {
	DataDir string
	logger  *zap.Logger
}

// BarRecord is the Parquet schema for daily bar data.
// Prices are decimal strings to keep them exact.
type BarRecord struct {
	Symbol    string `parquet:"symbol"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"`
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	Volume    string `parquet:"volume"`
}

// FundamentalRecord is the Parquet schema for reported figures
type FundamentalRecord struct {
	Symbol     string  `parquet:"symbol"`
	Name       string  `parquet:"name"`
	Value      float64 `parquet:"value"`
	ReportedAt int64   `parquet:"reported_at,timestamp(millisecond)"`
}

// NewParquetStore creates a ParquetStore rooted at dataDir
func NewParquetStore(logger *zap.Logger, dataDir string) (*ParquetStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &ParquetStore{DataDir: dataDir, logger: logger}, nil
}

// Close is a no-op; files are opened per read
func (s *ParquetStore) Close() error {
	return nil
}

// Snapshot returns the point-in-time market view at date
func (s *ParquetStore) Snapshot(ctx context.Context, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error) {
	return buildSnapshot(ctx, s, date, tickers, lookbackDays)
}

// PriceSeries returns the close series of symbol in [start, end]
func (s *ParquetStore) PriceSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.PricePoint, error) {
	return buildSeries(ctx, s, symbol, start, end)
}

func (s *ParquetStore) loadBars(_ context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	var bars []types.Bar
	found := false
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s/%d: %w", symbol, year, err)
		}
		found = true

		for _, r := range records {
			bar, err := r.toBar()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			if !bar.Date.Before(start) && !bar.Date.After(end) {
				bars = append(bars, bar)
			}
		}
	}
	if !found && !s.hasSymbol(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return sortBars(bars), nil
}

func (s *ParquetStore) loadFundamentals(_ context.Context, symbol string, asOf time.Time) ([]Fundamental, error) {
	records, err := readParquetFile[FundamentalRecord](s.fundamentalPath(symbol))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Fundamental
	for _, r := range records {
		reported := time.UnixMilli(r.ReportedAt).UTC()
		if reported.After(asOf) {
			continue
		}
		out = append(out, Fundamental{Ticker: r.Symbol, Name: r.Name, Value: r.Value, ReportedAt: reported})
	}
	return out, nil
}

// SaveBars merges bars into the symbol's yearly files
func (s *ParquetStore) SaveBars(_ context.Context, symbol string, bars []types.Bar) error {
	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Date.Year()
		groups[year] = append(groups[year], BarRecord{
			Symbol:    symbol,
			Timestamp: b.Date.UnixMilli(),
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume.String(),
		})
	}

	for year, records := range groups {
		path := s.barPath(symbol, year)
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading %s/%d: %w", symbol, year, err)
		}
		if err := writeParquetFile(path, mergeBarRecords(existing, records)); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
		}
	}

	s.logger.Debug("Saved bars", zap.String("symbol", symbol), zap.Int("bars", len(bars)), zap.Int("files", len(groups)))
	return nil
}

// SaveFundamentals appends reported figures to their symbols' files
func (s *ParquetStore) SaveFundamentals(_ context.Context, funds []Fundamental) error {
	bySymbol := make(map[string][]FundamentalRecord)
	for _, f := range funds {
		bySymbol[f.Ticker] = append(bySymbol[f.Ticker], FundamentalRecord{
			Symbol:     f.Ticker,
			Name:       f.Name,
			Value:      f.Value,
			ReportedAt: f.ReportedAt.UnixMilli(),
		})
	}

	for symbol, incoming := range bySymbol {
		path := s.fundamentalPath(symbol)
		existing, err := readParquetFile[FundamentalRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		merged := append(existing, incoming...)
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].ReportedAt < merged[j].ReportedAt })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fundamentals for %s: %w", symbol, err)
		}
	}
	return nil
}

// ListSymbols lists all symbols that have a directory in the store
func (s *ParquetStore) ListSymbols() ([]string, error) {
	entries, err := os.ReadDir(s.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *ParquetStore) hasSymbol(symbol string) bool {
	info, err := os.Stat(filepath.Join(s.DataDir, fileName(symbol)))
	return err == nil && info.IsDir()
}

func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, fileName(symbol), fmt.Sprintf("%d.parquet", year))
}

func (s *ParquetStore) fundamentalPath(symbol string) string {
	return filepath.Join(s.DataDir, fileName(symbol), "fundamentals.parquet")
}

func (r BarRecord) toBar() (types.Bar, error) {
	date := time.UnixMilli(r.Timestamp).UTC()
	return parseBar(date.Format(dateLayout), r.Open, r.High, r.Low, r.Close, r.Volume)
}

// mergeBarRecords combines records, letting incoming rows win on the same timestamp
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	byTS := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		byTS[r.Timestamp] = r
	}
	for _, r := range incoming {
		byTS[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(byTS))
	for _, r := range byTS {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	return merged
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}
