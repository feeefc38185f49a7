// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"gonum.org/v1/gonum/stat"
)

const (
	// RiskFreeRate is the annual rate subtracted in Sharpe and Sortino
	RiskFreeRate = 0.02
	// TradingDaysPerYear annualizes daily statistics
	TradingDaysPerYear = 252
	// DaysPerYear converts calendar days into years
	DaysPerYear = 365.25
)

// datedReturn is a simple return attributed to the later of its two observations
type datedReturn struct {
	date time.Time
	ret  float64
}

// ComputeReport derives the performance statistics of a value series.
// Benchmark keys are added only when the benchmark overlaps the series on at
// least two dates. Every value in the report is finite.
func ComputeReport(
	snapshots []types.PortfolioSnapshot,
	initialValue float64,
	benchmark []types.PricePoint,
) types.PerformanceReport {
	report := make(types.PerformanceReport, len(types.CoreMetricKeys)+len(types.BenchmarkMetricKeys))
	for _, key := range types.CoreMetricKeys {
		report[key] = 0
	}
	if len(snapshots) == 0 || initialValue <= 0 {
		return report
	}

	values := snapshotValues(snapshots)
	finalValue := values[len(values)-1]
	days := snapshots[len(snapshots)-1].Date.Sub(snapshots[0].Date).Hours() / 24

	totalReturn := (finalValue/initialValue - 1) * 100
	cagr := cagrPercent(finalValue/initialValue, days)

	returns := dailyReturns(snapshots)
	plain := make([]float64, len(returns))
	for i, r := range returns {
		plain[i] = r.ret
	}

	volatility := sampleStdDev(plain) * math.Sqrt(TradingDaysPerYear) * 100
	sharpe := 0.0
	if volatility != 0 {
		sharpe = (cagr/100 - RiskFreeRate) / (volatility / 100)
	}

	maxDD := maxDrawdownPercent(plain)
	calmar := 0.0
	if maxDD != 0 {
		calmar = cagr / math.Abs(maxDD)
	}

	var wins, losses []float64
	for _, r := range plain {
		switch {
		case r > 0:
			wins = append(wins, r)
		case r < 0:
			losses = append(losses, r)
		}
	}

	winRate := 0.0
	if len(plain) > 0 {
		winRate = float64(len(wins)) / float64(len(plain)) * 100
	}

	lossSum := math.Abs(floats(losses).sum())
	if lossSum == 0 {
		lossSum = 1
	}
	profitFactor := floats(wins).sum() / lossSum

	downside := sampleStdDev(losses) * math.Sqrt(TradingDaysPerYear)
	sortino := 0.0
	if downside != 0 {
		sortino = (cagr/100 - RiskFreeRate) / downside
	}

	bestMonth, worstMonth := monthlyExtremes(returns)

	report[types.MetricTotalReturn] = totalReturn
	report[types.MetricCAGR] = cagr
	report[types.MetricVolatility] = volatility
	report[types.MetricSharpeRatio] = sharpe
	report[types.MetricMaxDrawdown] = maxDD
	report[types.MetricCalmarRatio] = calmar
	report[types.MetricWinRate] = winRate
	report[types.MetricAvgWin] = floats(wins).mean() * 100
	report[types.MetricAvgLoss] = floats(losses).mean() * 100
	report[types.MetricProfitFactor] = profitFactor
	report[types.MetricBestDay] = floats(plain).max() * 100
	report[types.MetricWorstDay] = floats(plain).min() * 100
	report[types.MetricBestMonth] = bestMonth * 100
	report[types.MetricWorstMonth] = worstMonth * 100
	report[types.MetricSortinoRatio] = sortino
	report[types.MetricTurnover] = turnover(values, days)

	if len(benchmark) > 0 {
		addBenchmarkMetrics(report, snapshots, benchmark, totalReturn)
	}

	for key, value := range report {
		report[key] = finite(value)
	}
	return report
}

// snapshotValues converts snapshot values to float64
func snapshotValues(snapshots []types.PortfolioSnapshot) []float64 {
	values := make([]float64, len(snapshots))
	for i, s := range snapshots {
		values[i] = s.Value.InexactFloat64()
	}
	return values
}

// dailyReturns calculates simple returns between consecutive snapshots.
// A step from a zero value has no defined return and is dropped.
func dailyReturns(snapshots []types.PortfolioSnapshot) []datedReturn {
	if len(snapshots) < 2 {
		return nil
	}

	returns := make([]datedReturn, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].Value.InexactFloat64()
		if prev == 0 {
			continue
		}
		curr := snapshots[i].Value.InexactFloat64()
		returns = append(returns, datedReturn{date: snapshots[i].Date, ret: curr/prev - 1})
	}
	return returns
}

// cagrPercent annualizes a growth ratio over a span of calendar days
func cagrPercent(growth, days float64) float64 {
	if days <= 0 {
		return 0
	}
	if growth <= 0 {
		return -100
	}
	return (math.Pow(growth, DaysPerYear/days) - 1) * 100
}

// maxDrawdownPercent compares the cumulative return curve with its running peak
func maxDrawdownPercent(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	cumulative := 1.0
	peak := math.Inf(-1)
	worst := 0.0
	for _, r := range returns {
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		if peak == 0 {
			continue
		}
		if dd := cumulative/peak - 1; dd < worst {
			worst = dd
		}
	}
	return worst * 100
}

// monthlyExtremes compounds returns per calendar month and returns the best and worst month
func monthlyExtremes(returns []datedReturn) (best, worst float64) {
	if len(returns) == 0 {
		return 0, 0
	}

	growth := make(map[int]float64)
	for _, r := range returns {
		key := r.date.Year()*12 + int(r.date.Month()) - 1
		g, ok := growth[key]
		if !ok {
			g = 1
		}
		growth[key] = g * (1 + r.ret)
	}

	months := make([]int, 0, len(growth))
	for key := range growth {
		months = append(months, key)
	}
	sort.Ints(months)

	best, worst = math.Inf(-1), math.Inf(1)
	for _, key := range months {
		m := growth[key] - 1
		best = math.Max(best, m)
		worst = math.Min(worst, m)
	}
	return best, worst
}

// turnover approximates trading activity from the value path.
// It is Σ|Δvalue| / (mean value × years), not traded volume.
func turnover(values []float64, days float64) float64 {
	years := days / DaysPerYear
	if len(values) < 2 || years <= 0 {
		return 0
	}

	var moved float64
	for i := 1; i < len(values); i++ {
		moved += math.Abs(values[i] - values[i-1])
	}
	mean := stat.Mean(values, nil)
	if mean == 0 {
		return 0
	}
	return moved / (mean * years)
}

// addBenchmarkMetrics inner-joins the series by calendar day and adds relative statistics
func addBenchmarkMetrics(
	report types.PerformanceReport,
	snapshots []types.PortfolioSnapshot,
	benchmark []types.PricePoint,
	portfolioReturn float64,
) {
	benchByDay := make(map[string]float64, len(benchmark))
	for _, p := range benchmark {
		benchByDay[p.Date.Format(dateLayout)] = p.Price.InexactFloat64()
	}

	// Keep the last snapshot of each day, in order
	var days []string
	portByDay := make(map[string]float64, len(snapshots))
	for _, s := range snapshots {
		day := s.Date.Format(dateLayout)
		if _, seen := portByDay[day]; !seen {
			days = append(days, day)
		}
		portByDay[day] = s.Value.InexactFloat64()
	}

	var port, bench []float64
	for _, day := range days {
		b, ok := benchByDay[day]
		if !ok {
			continue
		}
		port = append(port, portByDay[day])
		bench = append(bench, b)
	}
	if len(port) < 2 || bench[0] == 0 {
		return
	}

	var portRets, benchRets, diffs []float64
	for i := 1; i < len(port); i++ {
		if port[i-1] == 0 || bench[i-1] == 0 {
			continue
		}
		pr := port[i]/port[i-1] - 1
		br := bench[i]/bench[i-1] - 1
		portRets = append(portRets, pr)
		benchRets = append(benchRets, br)
		diffs = append(diffs, pr-br)
	}

	benchmarkReturn := (bench[len(bench)-1]/bench[0] - 1) * 100
	alpha := portfolioReturn - benchmarkReturn

	beta := 0.0
	if len(benchRets) >= 2 {
		if variance := stat.Variance(benchRets, nil); variance > 0 {
			beta = stat.Covariance(portRets, benchRets, nil) / variance
		}
	}

	trackingError := sampleStdDev(diffs) * math.Sqrt(TradingDaysPerYear)
	informationRatio := 0.0
	if trackingError != 0 {
		informationRatio = (alpha / 100) / trackingError
	}

	report[types.MetricBenchmarkReturn] = benchmarkReturn
	report[types.MetricAlpha] = alpha
	report[types.MetricBeta] = beta
	report[types.MetricInformationRatio] = informationRatio
	report[types.MetricTrackingError] = trackingError
}

// sampleStdDev is the n-1 standard deviation, zero when undefined
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return finite(stat.StdDev(values, nil))
}

// finite replaces NaN and ±Inf with zero
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

type floats []float64

func (f floats) sum() float64 {
	var s float64
	for _, v := range f {
		s += v
	}
	return s
}

func (f floats) mean() float64 {
	if len(f) == 0 {
		return 0
	}
	return stat.Mean(f, nil)
}

func (f floats) max() float64 {
	if len(f) == 0 {
		return 0
	}
	m := f[0]
	for _, v := range f[1:] {
		m = math.Max(m, v)
	}
	return m
}

func (f floats) min() float64 {
	if len(f) == 0 {
		return 0
	}
	m := f[0]
	for _, v := range f[1:] {
		m = math.Min(m, v)
	}
	return m
}
