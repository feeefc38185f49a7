// Package types provides shared type definitions for the backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction represents buy or sell
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// RunState is the lifecycle state of a backtest run
type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStateInitialized RunState = "initialized"
	RunStateRunning     RunState = "running"
	RunStateFinalizing  RunState = "finalizing"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateCancelled   RunState = "cancelled"
)

// Prices maps a ticker to its price on a given date
type Prices map[string]decimal.Decimal

// Weights maps a ticker to a target portfolio fraction
type Weights map[string]float64

// Bar is a single daily price bar
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// PricePoint is one observation of a price series
type PricePoint struct {
	Date  time.Time       `json:"date"`
	Price decimal.Decimal `json:"price"`
}

// MarketSnapshot is the point-in-time view of the market handed to a strategy.
// Nothing in it is dated after Date.
type MarketSnapshot struct {
	Date             time.Time                     `json:"date"`
	CurrentPrices    Prices                        `json:"currentPrices"`
	PriceHistory     map[string][]PricePoint       `json:"priceHistory"`
	Fundamentals     map[string]map[string]float64 `json:"fundamentals,omitempty"`
	FinancialMetrics map[string]map[string]float64 `json:"financialMetrics,omitempty"`
}

// Trade represents an executed trade
type Trade struct {
	ID             string          `json:"id"`
	Date           time.Time       `json:"date"`
	Ticker         string          `json:"ticker"`
	Action         TradeAction     `json:"action"`
	Shares         decimal.Decimal `json:"shares"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
	GrossValue     decimal.Decimal `json:"grossValue"`
	Commission     decimal.Decimal `json:"commission"`
	SlippageCost   decimal.Decimal `json:"slippageCost"`
}

// TotalCost is the all-in cost of a buy
func (t Trade) TotalCost() decimal.Decimal {
	return t.GrossValue.Add(t.Commission).Add(t.SlippageCost)
}

// NetProceeds is the cash received from a sell
func (t Trade) NetProceeds() decimal.Decimal {
	return t.GrossValue.Sub(t.Commission)
}

// PortfolioSnapshot is one sample of the portfolio value series
type PortfolioSnapshot struct {
	Date     time.Time                  `json:"date"`
	Value    decimal.Decimal            `json:"value"`
	Cash     decimal.Decimal            `json:"cash"`
	Holdings map[string]decimal.Decimal `json:"holdings"`
	// Synthetic marks the final liquidation row appended at the end date.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Performance report keys
const (
	MetricTotalReturn      = "total_return"
	MetricCAGR             = "cagr"
	MetricVolatility       = "volatility"
	MetricSharpeRatio      = "sharpe_ratio"
	MetricMaxDrawdown      = "max_drawdown"
	MetricCalmarRatio      = "calmar_ratio"
	MetricWinRate          = "win_rate"
	MetricAvgWin           = "avg_win"
	MetricAvgLoss          = "avg_loss"
	MetricProfitFactor     = "profit_factor"
	MetricBestDay          = "best_day"
	MetricWorstDay         = "worst_day"
	MetricBestMonth        = "best_month"
	MetricWorstMonth       = "worst_month"
	MetricSortinoRatio     = "sortino_ratio"
	MetricTurnover         = "turnover"
	MetricBenchmarkReturn  = "benchmark_return"
	MetricAlpha            = "alpha"
	MetricBeta             = "beta"
	MetricInformationRatio = "information_ratio"
	MetricTrackingError    = "tracking_error"
)

// CoreMetricKeys lists the keys present in every report
var CoreMetricKeys = []string{
	MetricTotalReturn,
	MetricCAGR,
	MetricVolatility,
	MetricSharpeRatio,
	MetricMaxDrawdown,
	MetricCalmarRatio,
	MetricWinRate,
	MetricAvgWin,
	MetricAvgLoss,
	MetricProfitFactor,
	MetricBestDay,
	MetricWorstDay,
	MetricBestMonth,
	MetricWorstMonth,
	MetricSortinoRatio,
	MetricTurnover,
}

// BenchmarkMetricKeys lists the keys added when a benchmark overlaps the run
var BenchmarkMetricKeys = []string{
	MetricBenchmarkReturn,
	MetricAlpha,
	MetricBeta,
	MetricInformationRatio,
	MetricTrackingError,
}

// PerformanceReport maps a statistic name to its value. Values are always finite.
type PerformanceReport map[string]float64

// Has reports whether the report carries the given key
func (r PerformanceReport) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Summary is the headline view of a completed run
type Summary struct {
	InitialCapital    float64 `json:"initial_capital"`
	FinalValue        float64 `json:"final_value"`
	TotalReturn       float64 `json:"total_return"`
	AnnualizedReturn  float64 `json:"annualized_return"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	WinRate           float64 `json:"win_rate"`
	NumberOfTrades    int     `json:"number_of_trades"`
	PortfolioTurnover float64 `json:"portfolio_turnover"`
}

// BacktestProgress represents the progress of a running backtest
type BacktestProgress struct {
	ID             string    `json:"id"`
	Status         RunState  `json:"status"`
	Progress       float64   `json:"progress"` // 0-100
	StepsCompleted int       `json:"stepsCompleted"`
	TotalSteps     int       `json:"totalSteps"`
	CurrentDate    time.Time `json:"currentDate"`
	TradesExecuted int       `json:"tradesExecuted"`
	CurrentValue   float64   `json:"currentValue"`
	Error          string    `json:"error,omitempty"`
}
