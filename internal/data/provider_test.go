package data_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openProviders returns one empty store per driver
func openProviders(t *testing.T) map[string]data.Provider {
	t.Helper()
	dir := t.TempDir()
	out := make(map[string]data.Provider)
	for _, cfg := range []types.DataConfig{
		{Driver: data.DriverJSON, DataDir: filepath.Join(dir, "json")},
		{Driver: data.DriverSQLite, SQLitePath: filepath.Join(dir, "sqlite", "prices.db")},
		{Driver: data.DriverParquet, DataDir: filepath.Join(dir, "parquet")},
	} {
		p, err := data.NewProvider(zap.NewNop(), cfg)
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = p.Close() })
		out[cfg.Driver] = p
	}
	return out
}

func seed(t *testing.T, p data.Provider) {
	t.Helper()
	ctx := context.Background()
	// A runs Feb 1 through Mar 10 so there is data past the snapshot date.
	require.NoError(t, p.SaveBars(ctx, "A", dailyBars("2023-02-01", 38, 100, 1)))
	// B stops trading on Feb 1.
	require.NoError(t, p.SaveBars(ctx, "B", dailyBars("2023-01-01", 32, 50, 0)))
	require.NoError(t, p.SaveFundamentals(ctx, []data.Fundamental{
		{Ticker: "A", Name: data.FieldEPS, Value: 4, ReportedAt: day("2023-01-15")},
		{Ticker: "A", Name: data.FieldEPS, Value: 8, ReportedAt: day("2023-03-05")},
		{Ticker: "A", Name: data.FieldSharesOutstanding, Value: 1000, ReportedAt: day("2023-01-15")},
	}))
}

func TestProviderSnapshotIsPointInTime(t *testing.T) {
	for driver, p := range openProviders(t) {
		t.Run(driver, func(t *testing.T) {
			seed(t, p)
			asOf := day("2023-03-01")

			snap, err := p.Snapshot(context.Background(), asOf, []string{"A", "B", "ZZZ"}, 10)
			require.NoError(t, err)

			// Mar 1 is the 29th bar: 100 + 28
			price, ok := snap.CurrentPrices["A"]
			require.True(t, ok, "A should be priced")
			assert.True(t, price.Equal(decimal.NewFromInt(128)), "price %s", price)

			history := snap.PriceHistory["A"]
			require.Len(t, history, 11)
			assert.True(t, history[0].Date.Equal(day("2023-02-19")))
			for _, pt := range history {
				assert.False(t, pt.Date.After(asOf), "history point %s is after the snapshot", pt.Date)
			}

			_, stale := snap.CurrentPrices["B"]
			assert.False(t, stale, "B's last bar is too old to be a current price")
			_, unknown := snap.CurrentPrices["ZZZ"]
			assert.False(t, unknown)
			assert.NotContains(t, snap.PriceHistory, "ZZZ")

			assert.Equal(t, 4.0, snap.Fundamentals["A"][data.FieldEPS], "later report must not leak")
			assert.InDelta(t, 32.0, snap.FinancialMetrics["A"][data.MetricPERatio], 1e-9)
			assert.InDelta(t, 128000.0, snap.FinancialMetrics["A"][data.MetricMarketCap], 1e-9)
			assert.InDelta(t, 128.0/118.0-1, snap.FinancialMetrics["A"][data.MetricTrailingRet], 1e-9)
		})
	}
}

func TestProviderPriceSeries(t *testing.T) {
	for driver, p := range openProviders(t) {
		t.Run(driver, func(t *testing.T) {
			seed(t, p)

			series, err := p.PriceSeries(context.Background(), "A", day("2023-02-05"), day("2023-02-09"))
			require.NoError(t, err)
			require.Len(t, series, 5)
			assert.True(t, series[0].Price.Equal(decimal.NewFromInt(104)))
			assert.True(t, series[4].Date.Equal(day("2023-02-09")))
		})
	}
}

func TestProviderSaveBarsUpserts(t *testing.T) {
	ctx := context.Background()
	for driver, p := range openProviders(t) {
		t.Run(driver, func(t *testing.T) {
			require.NoError(t, p.SaveBars(ctx, "C", dailyBars("2023-06-01", 3, 10, 0)))
			require.NoError(t, p.SaveBars(ctx, "C", []types.Bar{bar("2023-06-02", 12.5)}))

			series, err := p.PriceSeries(ctx, "C", day("2023-06-01"), day("2023-06-30"))
			require.NoError(t, err)
			require.Len(t, series, 3)
			assert.Equal(t, "12.5", series[1].Price.String())
		})
	}
}

func TestProviderSpansYears(t *testing.T) {
	ctx := context.Background()
	for driver, p := range openProviders(t) {
		t.Run(driver, func(t *testing.T) {
			require.NoError(t, p.SaveBars(ctx, "Y", dailyBars("2022-12-25", 14, 20, 1)))

			snap, err := p.Snapshot(ctx, day("2023-01-03"), []string{"Y"}, 30)
			require.NoError(t, err)
			assert.Len(t, snap.PriceHistory["Y"], 10)
			assert.True(t, snap.CurrentPrices["Y"].Equal(decimal.NewFromInt(29)))
		})
	}
}

func TestNewProviderUnknownDriver(t *testing.T) {
	_, err := data.NewProvider(zap.NewNop(), types.DataConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestSQLiteStoreSymbols(t *testing.T) {
	store, err := data.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveBars(ctx, "MSFT", dailyBars("2023-01-01", 2, 1, 0)))
	require.NoError(t, store.SaveBars(ctx, "AAPL", dailyBars("2023-01-01", 2, 1, 0)))

	symbols, err := store.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestParquetStoreListSymbols(t *testing.T) {
	store, err := data.NewParquetStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveBars(ctx, "QQQ", dailyBars("2023-01-01", 2, 1, 0)))
	require.NoError(t, store.SaveBars(ctx, "IWM", dailyBars("2023-01-01", 2, 1, 0)))

	symbols, err := store.ListSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"IWM", "QQQ"}, symbols)
}
