package backtester

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// Results is the immutable output of a completed run.
// The performance report is computed on first use and cached.
type Results struct {
	Config      types.BacktestConfig
	StartedAt   time.Time
	CompletedAt time.Time

	snapshots []types.PortfolioSnapshot
	trades    []types.Trade
	skipped   []InsufficientCashWarning
	benchmark []types.PricePoint

	reportOnce sync.Once
	report     types.PerformanceReport
}

// NewResults assembles results from a finished run
func NewResults(
	config types.BacktestConfig,
	snapshots []types.PortfolioSnapshot,
	trades []types.Trade,
	skipped []InsufficientCashWarning,
	benchmark []types.PricePoint,
) *Results {
	return &Results{
		Config:    config,
		snapshots: snapshots,
		trades:    trades,
		skipped:   skipped,
		benchmark: benchmark,
	}
}

// Report returns a copy of the performance report
func (r *Results) Report() types.PerformanceReport {
	r.reportOnce.Do(func() {
		r.report = ComputeReport(r.snapshots, r.Config.InitialCapital.InexactFloat64(), r.benchmark)
	})

	out := make(types.PerformanceReport, len(r.report))
	for k, v := range r.report {
		out[k] = v
	}
	return out
}

// Summary returns the headline numbers of the run
func (r *Results) Summary() types.Summary {
	report := r.Report()
	return types.Summary{
		InitialCapital:    r.Config.InitialCapital.InexactFloat64(),
		FinalValue:        r.FinalValue(),
		TotalReturn:       report[types.MetricTotalReturn],
		AnnualizedReturn:  report[types.MetricCAGR],
		SharpeRatio:       report[types.MetricSharpeRatio],
		MaxDrawdown:       report[types.MetricMaxDrawdown],
		WinRate:           report[types.MetricWinRate],
		NumberOfTrades:    len(r.trades),
		PortfolioTurnover: report[types.MetricTurnover],
	}
}

// FinalValue is the value of the last snapshot, or the initial capital when there is none
func (r *Results) FinalValue() float64 {
	if len(r.snapshots) == 0 {
		return r.Config.InitialCapital.InexactFloat64()
	}
	return r.snapshots[len(r.snapshots)-1].Value.InexactFloat64()
}

// ValueSeries returns a copy of the portfolio value samples in date order
func (r *Results) ValueSeries() []types.PortfolioSnapshot {
	out := make([]types.PortfolioSnapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// TradeLog returns a copy of every executed trade in execution order
func (r *Results) TradeLog() []types.Trade {
	out := make([]types.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

// SkippedTrades returns the buys skipped for lack of cash
func (r *Results) SkippedTrades() []InsufficientCashWarning {
	out := make([]InsufficientCashWarning, len(r.skipped))
	copy(out, r.skipped)
	return out
}

// Benchmark returns the benchmark series used for relative metrics
func (r *Results) Benchmark() []types.PricePoint {
	out := make([]types.PricePoint, len(r.benchmark))
	copy(out, r.benchmark)
	return out
}

type resultsJSON struct {
	ID          string                    `json:"id"`
	Config      types.BacktestConfig      `json:"config"`
	StartedAt   time.Time                 `json:"startedAt"`
	CompletedAt time.Time                 `json:"completedAt"`
	Summary     types.Summary             `json:"summary"`
	Report      types.PerformanceReport   `json:"report"`
	Values      []types.PortfolioSnapshot `json:"values"`
	Trades      []types.Trade             `json:"trades"`
	Skipped     []InsufficientCashWarning `json:"skipped,omitempty"`
}

// MarshalJSON renders the full results document
func (r *Results) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultsJSON{
		ID:          r.Config.ID,
		Config:      r.Config,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Summary:     r.Summary(),
		Report:      r.Report(),
		Values:      r.snapshots,
		Trades:      r.trades,
		Skipped:     r.skipped,
	})
}
