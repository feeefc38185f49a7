package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Supported storage drivers
const (
	DriverJSON    = "json"
	DriverSQLite  = "sqlite"
	DriverParquet = "parquet"
)

// Provider is a market data store that can both feed and be fed a backtest
type Provider interface {
	Snapshot(ctx context.Context, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error)
	PriceSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.PricePoint, error)
	SaveBars(ctx context.Context, symbol string, bars []types.Bar) error
	SaveFundamentals(ctx context.Context, funds []Fundamental) error
	Close() error
}

var (
	_ Provider = (*Store)(nil)
	_ Provider = (*SQLiteStore)(nil)
	_ Provider = (*ParquetStore)(nil)
)

// NewProvider opens the store selected by cfg.Driver
func NewProvider(logger *zap.Logger, cfg types.DataConfig) (Provider, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverJSON:
		return NewStore(logger, cfg.DataDir)
	case DriverSQLite:
		return NewSQLiteStore(logger, cfg.SQLitePath)
	case DriverParquet:
		return NewParquetStore(logger, cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown data driver %q", cfg.Driver)
	}
}

var csvColumns = []string{"date", "symbol", "open", "high", "low", "close", "volume"}

// ParseCSV reads daily bars grouped by symbol. The header must name the
// columns date, symbol, open, high, low, close and volume in any order;
// volume may be omitted.
func ParseCSV(r io.Reader) (map[string][]types.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, err
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range csvColumns {
		if _, ok := index[col]; !ok && col != "volume" {
			return nil, fmt.Errorf("csv header is missing column %q", col)
		}
	}

	field := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make(map[string][]types.Bar)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		symbol := strings.ToUpper(field(row, "symbol"))
		if symbol == "" {
			return nil, fmt.Errorf("line %d: empty symbol", line)
		}
		volume := field(row, "volume")
		if volume == "" {
			volume = "0"
		}
		bar, err := parseBar(field(row, "date"), field(row, "open"), field(row, "high"),
			field(row, "low"), field(row, "close"), volume)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out[symbol] = append(out[symbol], bar)
	}

	for symbol := range out {
		out[symbol] = sortBars(out[symbol])
	}
	return out, nil
}

type fundamentalsFile struct {
	Fundamentals []struct {
		Ticker     string  `yaml:"ticker"`
		Name       string  `yaml:"name"`
		Value      float64 `yaml:"value"`
		ReportedAt string  `yaml:"reported_at"`
	} `yaml:"fundamentals"`
}

// LoadFundamentalsYAML reads reported figures from a document of the form
//
//	fundamentals:
//	  - {ticker: AAPL, name: eps, value: 6.1, reported_at: 2023-02-02}
func LoadFundamentalsYAML(r io.Reader) ([]Fundamental, error) {
	var doc fundamentalsFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding fundamentals: %w", err)
	}

	out := make([]Fundamental, 0, len(doc.Fundamentals))
	for i, f := range doc.Fundamentals {
		if f.Ticker == "" || f.Name == "" {
			return nil, fmt.Errorf("fundamental %d: ticker and name are required", i)
		}
		reported, err := time.Parse(dateLayout, f.ReportedAt)
		if err != nil {
			return nil, fmt.Errorf("fundamental %d: bad reported_at %q: %w", i, f.ReportedAt, err)
		}
		out = append(out, Fundamental{
			Ticker:     strings.ToUpper(f.Ticker),
			Name:       f.Name,
			Value:      f.Value,
			ReportedAt: reported,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}

// ImportSummary reports what Import wrote
type ImportSummary struct {
	Symbols      int
	Bars         int
	Dropped      int
	Fundamentals int
	Reports      []*QualityReport
}

// Import validates and cleans bars, then writes them and any fundamentals to p
func Import(ctx context.Context, logger *zap.Logger, p Provider, bars map[string][]types.Bar, funds []Fundamental) (*ImportSummary, error) {
	validator := NewQualityValidator(logger)
	summary := &ImportSummary{}

	symbols := make([]string, 0, len(bars))
	for symbol := range bars {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		raw := bars[symbol]
		summary.Reports = append(summary.Reports, validator.Validate(symbol, raw))

		cleaned := validator.CleanData(raw)
		summary.Dropped += len(raw) - len(cleaned)
		if len(cleaned) == 0 {
			continue
		}
		if err := p.SaveBars(ctx, symbol, cleaned); err != nil {
			return summary, fmt.Errorf("saving %s: %w", symbol, err)
		}
		summary.Symbols++
		summary.Bars += len(cleaned)
	}

	if len(funds) > 0 {
		if err := p.SaveFundamentals(ctx, funds); err != nil {
			return summary, fmt.Errorf("saving fundamentals: %w", err)
		}
		summary.Fundamentals = len(funds)
	}

	logger.Info("Import complete",
		zap.Int("symbols", summary.Symbols),
		zap.Int("bars", summary.Bars),
		zap.Int("dropped", summary.Dropped),
		zap.Int("fundamentals", summary.Fundamentals),
	)
	return summary, nil
}
