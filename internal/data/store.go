package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when a store has nothing for a symbol
var ErrNoData = errors.New("no data for symbol")

// Store keeps daily bars and fundamentals as JSON files under a directory:
//
//	<dataDir>/bars/<SYMBOL>.json
//	<dataDir>/fundamentals/<SYMBOL>.json
//	<dataDir>/metadata.json
type Store struct {
	mu           sync.RWMutex
	logger       *zap.Logger
	dataDir      string
	cache        map[string][]types.Bar
	fundamentals map[string][]Fundamental
	metadata     map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:       logger,
		dataDir:      dataDir,
		cache:        make(map[string][]types.Bar),
		fundamentals: make(map[string][]Fundamental),
		metadata:     make(map[string]*SymbolMetadata),
	}

	for _, dir := range []string{dataDir, store.barDir(), store.fundamentalDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// Snapshot returns the point-in-time market view at date
func (s *Store) Snapshot(ctx context.Context, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error) {
	return buildSnapshot(ctx, s, date, tickers, lookbackDays)
}

// PriceSeries returns the close series of symbol in [start, end]
func (s *Store) PriceSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.PricePoint, error) {
	return buildSeries(ctx, s, symbol, start, end)
}

// LoadBars loads the bars of a symbol dated in [start, end]
func (s *Store) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	return s.loadBars(ctx, symbol, start, end)
}

func (s *Store) loadBars(_ context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	bars, err := s.allBars(symbol)
	if err != nil {
		return nil, err
	}
	return filterBars(bars, start, end), nil
}

// allBars returns the cached bars of a symbol, reading the file on first use
func (s *Store) allBars(symbol string) ([]types.Bar, error) {
	s.mu.RLock()
	cached, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[symbol]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(s.barPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", symbol, err)
	}
	bars = sortBars(bars)

	s.cache[symbol] = bars
	return bars, nil
}

func (s *Store) loadFundamentals(_ context.Context, symbol string, asOf time.Time) ([]Fundamental, error) {
	s.mu.RLock()
	cached, ok := s.fundamentals[symbol]
	s.mu.RUnlock()

	if !ok {
		raw, err := os.ReadFile(s.fundamentalPath(symbol))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read fundamentals file: %w", err)
		}
		if err := json.Unmarshal(raw, &cached); err != nil {
			return nil, fmt.Errorf("failed to parse fundamentals for %s: %w", symbol, err)
		}
		s.mu.Lock()
		s.fundamentals[symbol] = cached
		s.mu.Unlock()
	}

	var out []Fundamental
	for _, f := range cached {
		if !f.ReportedAt.After(asOf) {
			out = append(out, f)
		}
	}
	return out, nil
}

// SaveBars merges bars into the symbol's file
func (s *Store) SaveBars(_ context.Context, symbol string, bars []types.Bar) error {
	existing, err := s.allBars(symbol)
	if err != nil && !errors.Is(err, ErrNoData) {
		return err
	}

	merged := make([]types.Bar, 0, len(existing)+len(bars))
	merged = append(merged, existing...)
	merged = append(merged, bars...)
	merged = sortBars(merged)

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.barPath(symbol), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = merged
	if len(merged) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: merged[0].Date,
			EndDate:   merged[len(merged)-1].Date,
			BarCount:  len(merged),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	s.logger.Debug("Saved bars", zap.String("symbol", symbol), zap.Int("bars", len(merged)))
	return nil
}

// SaveFundamentals appends reported figures to their symbols' files
func (s *Store) SaveFundamentals(ctx context.Context, funds []Fundamental) error {
	bySymbol := make(map[string][]Fundamental)
	for _, f := range funds {
		bySymbol[f.Ticker] = append(bySymbol[f.Ticker], f)
	}

	for symbol, incoming := range bySymbol {
		existing, err := s.loadFundamentals(ctx, symbol, time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC))
		if err != nil {
			return err
		}
		merged := append(existing, incoming...)
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].ReportedAt.Before(merged[j].ReportedAt)
		})

		raw, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal fundamentals: %w", err)
		}
		if err := os.WriteFile(s.fundamentalPath(symbol), raw, 0o644); err != nil {
			return fmt.Errorf("failed to write fundamentals file: %w", err)
		}

		s.mu.Lock()
		s.fundamentals[symbol] = merged
		s.mu.Unlock()
	}
	return nil
}

// GetAvailableSymbols returns all symbols with saved bars, sorted
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Bar)
	s.fundamentals = make(map[string][]Fundamental)
}

// GetCacheSize returns the number of cached bar series
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

// Close is a no-op; files are written synchronously
func (s *Store) Close() error {
	return nil
}

func (s *Store) barDir() string         { return filepath.Join(s.dataDir, "bars") }
func (s *Store) fundamentalDir() string { return filepath.Join(s.dataDir, "fundamentals") }

func (s *Store) barPath(symbol string) string {
	return filepath.Join(s.barDir(), fileName(symbol)+".json")
}

func (s *Store) fundamentalPath(symbol string) string {
	return filepath.Join(s.fundamentalDir(), fileName(symbol)+".json")
}

// fileName makes a symbol safe to use as a file name
func fileName(symbol string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(strings.ToUpper(symbol))
}

// loadMetadata loads symbol metadata from disk
func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// saveMetadata saves symbol metadata to disk. Callers hold s.mu.
func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}
