// Package data provides point-in-time market data providers for backtests.
package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"gonum.org/v1/gonum/stat"
)

const dateLayout = "2006-01-02"

// StaleAfterDays bounds how old the last bar may be and still count as the
// current price. It covers weekends and exchange holidays.
const StaleAfterDays = 7

// Derived screening metric names
const (
	MetricPERatio       = "pe_ratio"
	MetricPBRatio       = "pb_ratio"
	MetricDividendYield = "dividend_yield"
	MetricMarketCap     = "market_cap"
	MetricTrailingRet   = "trailing_return"
	MetricVolatility    = "volatility"
)

// Fundamental field names understood by the metric derivation
const (
	FieldEPS               = "eps"
	FieldBookValuePerShare = "book_value_per_share"
	FieldDividendPerShare  = "dividend_per_share"
	FieldSharesOutstanding = "shares_outstanding"
)

// Fundamental is one reported figure, usable only once it was public
type Fundamental struct {
	Ticker     string    `json:"ticker" yaml:"ticker"`
	Name       string    `json:"name" yaml:"name"`
	Value      float64   `json:"value" yaml:"value"`
	ReportedAt time.Time `json:"reportedAt" yaml:"reported_at"`
}

// barLoader is the storage side of a provider
type barLoader interface {
	// loadBars returns the bars of symbol dated in [start, end], ascending.
	loadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)
	// loadFundamentals returns the figures of symbol reported on or before asOf.
	loadFundamentals(ctx context.Context, symbol string, asOf time.Time) ([]Fundamental, error)
}

// buildSnapshot assembles the point-in-time view at date from a loader
func buildSnapshot(ctx context.Context, l barLoader, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error) {
	window := lookbackDays
	if window < StaleAfterDays {
		window = StaleAfterDays
	}
	loadFrom := date.AddDate(0, 0, -window)
	historyFrom := date.AddDate(0, 0, -lookbackDays)
	staleBefore := date.AddDate(0, 0, -StaleAfterDays)

	snap := &types.MarketSnapshot{
		Date:             date,
		CurrentPrices:    make(types.Prices, len(tickers)),
		PriceHistory:     make(map[string][]types.PricePoint, len(tickers)),
		Fundamentals:     make(map[string]map[string]float64),
		FinancialMetrics: make(map[string]map[string]float64),
	}

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A ticker without data is simply absent from the snapshot
		bars, err := l.loadBars(ctx, ticker, loadFrom, date)
		if err != nil && !errors.Is(err, ErrNoData) {
			return nil, fmt.Errorf("loading bars for %s: %w", ticker, err)
		}

		var history []types.PricePoint
		for _, bar := range bars {
			if bar.Date.After(date) {
				break
			}
			if !bar.Date.Before(historyFrom) {
				history = append(history, types.PricePoint{Date: bar.Date, Price: bar.Close})
			}
		}
		if len(history) > 0 {
			snap.PriceHistory[ticker] = history
		}
		if n := len(bars); n > 0 && !bars[n-1].Date.Before(staleBefore) && !bars[n-1].Date.After(date) {
			snap.CurrentPrices[ticker] = bars[n-1].Close
		}

		funds, err := l.loadFundamentals(ctx, ticker, date)
		if err != nil {
			return nil, fmt.Errorf("loading fundamentals for %s: %w", ticker, err)
		}
		if latest := latestFundamentals(funds, date); len(latest) > 0 {
			snap.Fundamentals[ticker] = latest
		}

		price, hasPrice := snap.CurrentPrices[ticker]
		if metrics := deriveMetrics(snap.Fundamentals[ticker], history, price.InexactFloat64(), hasPrice); len(metrics) > 0 {
			snap.FinancialMetrics[ticker] = metrics
		}
	}

	return snap, nil
}

// buildSeries returns the close series of symbol in [start, end]
func buildSeries(ctx context.Context, l barLoader, symbol string, start, end time.Time) ([]types.PricePoint, error) {
	bars, err := l.loadBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]types.PricePoint, 0, len(bars))
	for _, bar := range bars {
		out = append(out, types.PricePoint{Date: bar.Date, Price: bar.Close})
	}
	return out, nil
}

// latestFundamentals keeps the most recent figure per name reported on or before asOf
func latestFundamentals(funds []Fundamental, asOf time.Time) map[string]float64 {
	type seen struct {
		value float64
		at    time.Time
	}
	latest := make(map[string]seen)
	for _, f := range funds {
		if f.ReportedAt.After(asOf) {
			continue
		}
		if prev, ok := latest[f.Name]; !ok || !f.ReportedAt.Before(prev.at) {
			latest[f.Name] = seen{value: f.Value, at: f.ReportedAt}
		}
	}

	out := make(map[string]float64, len(latest))
	for name, s := range latest {
		out[name] = s.value
	}
	return out
}

// deriveMetrics computes screening ratios from fundamentals and the price history
func deriveMetrics(funds map[string]float64, history []types.PricePoint, price float64, hasPrice bool) map[string]float64 {
	metrics := make(map[string]float64)

	if hasPrice && price > 0 {
		if eps, ok := funds[FieldEPS]; ok && eps != 0 {
			metrics[MetricPERatio] = price / eps
		}
		if bvps, ok := funds[FieldBookValuePerShare]; ok && bvps != 0 {
			metrics[MetricPBRatio] = price / bvps
		}
		if dps, ok := funds[FieldDividendPerShare]; ok {
			metrics[MetricDividendYield] = dps / price
		}
		if shares, ok := funds[FieldSharesOutstanding]; ok {
			metrics[MetricMarketCap] = price * shares
		}
	}

	if len(history) >= 2 {
		first := history[0].Price.InexactFloat64()
		last := history[len(history)-1].Price.InexactFloat64()
		if first > 0 {
			metrics[MetricTrailingRet] = last/first - 1
		}

		returns := make([]float64, 0, len(history)-1)
		for i := 1; i < len(history); i++ {
			prev := history[i-1].Price.InexactFloat64()
			if prev > 0 {
				returns = append(returns, history[i].Price.InexactFloat64()/prev-1)
			}
		}
		if len(returns) >= 2 {
			if vol := stat.StdDev(returns, nil) * math.Sqrt(252); !math.IsNaN(vol) {
				metrics[MetricVolatility] = vol
			}
		}
	}

	return metrics
}

// sortBars orders bars by date. A later bar for the same day replaces the earlier one.
func sortBars(bars []types.Bar) []types.Bar {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})
	out := bars[:0]
	for i, bar := range bars {
		if i > 0 && bar.Date.Equal(out[len(out)-1].Date) {
			out[len(out)-1] = bar
			continue
		}
		out = append(out, bar)
	}
	return out
}

// filterBars returns the bars dated in [start, end]
func filterBars(bars []types.Bar, start, end time.Time) []types.Bar {
	var filtered []types.Bar
	for _, bar := range bars {
		if !bar.Date.Before(start) && !bar.Date.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}
