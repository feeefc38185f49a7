package backtester_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const floatTol = 1e-9

// dayTime returns a UTC date at a day offset from 2023-01-02
func dayTime(offset int) time.Time {
	return time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func valueSeries(values ...float64) []types.PortfolioSnapshot {
	snaps := make([]types.PortfolioSnapshot, len(values))
	for i, v := range values {
		snaps[i] = types.PortfolioSnapshot{
			Date:  dayTime(i),
			Value: decimal.NewFromFloat(v),
			Cash:  decimal.NewFromFloat(v),
		}
	}
	return snaps
}

func TestComputeReportKnownSeries(t *testing.T) {
	report := backtester.ComputeReport(valueSeries(100, 110, 99, 121), 100, nil)

	for _, key := range types.CoreMetricKeys {
		assert.True(t, report.Has(key), "missing key %s", key)
	}
	for _, key := range types.BenchmarkMetricKeys {
		assert.False(t, report.Has(key), "unexpected benchmark key %s", key)
	}

	assert.InDelta(t, 21.0, report[types.MetricTotalReturn], floatTol)
	assert.InDelta(t, -10.0, report[types.MetricMaxDrawdown], 1e-6)

	returns := []float64{0.10, -0.10, 121.0/99.0 - 1}
	assert.InDelta(t, returns[2]*100, report[types.MetricBestDay], 1e-6)
	assert.InDelta(t, -10.0, report[types.MetricWorstDay], 1e-6)
	assert.InDelta(t, 200.0/3.0, report[types.MetricWinRate], 1e-6)
	assert.InDelta(t, (returns[0]+returns[2])/2*100, report[types.MetricAvgWin], 1e-6)
	assert.InDelta(t, -10.0, report[types.MetricAvgLoss], 1e-6)
	assert.InDelta(t, (returns[0]+returns[2])/0.10, report[types.MetricProfitFactor], 1e-6)

	mean := (returns[0] + returns[1] + returns[2]) / 3
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	wantVol := math.Sqrt(ss/2) * math.Sqrt(252) * 100
	assert.InDelta(t, wantVol, report[types.MetricVolatility], 1e-6)

	wantCAGR := (math.Pow(1.21, 365.25/3) - 1) * 100
	assert.InDelta(t, 1.0, report[types.MetricCAGR]/wantCAGR, 1e-9)
	wantSharpe := (wantCAGR/100 - 0.02) / (wantVol / 100)
	assert.InDelta(t, 1.0, report[types.MetricSharpeRatio]/wantSharpe, 1e-9)
	assert.InDelta(t, 1.0, report[types.MetricCalmarRatio]/(wantCAGR/10), 1e-9)

	// All in one month
	assert.InDelta(t, 21.0, report[types.MetricBestMonth], 1e-6)
	assert.InDelta(t, 21.0, report[types.MetricWorstMonth], 1e-6)

	// A single negative return has no sample deviation
	assert.Zero(t, report[types.MetricSortinoRatio])
}

func TestComputeReportFlatSeries(t *testing.T) {
	report := backtester.ComputeReport(valueSeries(100, 100, 100, 100), 100, nil)

	for key, value := range report {
		assert.Zero(t, value, "flat series should give zero %s", key)
	}
}

func TestComputeReportDegenerateInputs(t *testing.T) {
	tests := []struct {
		name      string
		snapshots []types.PortfolioSnapshot
		initial   float64
	}{
		{"empty", nil, 100},
		{"single snapshot", valueSeries(105), 100},
		{"zero initial", valueSeries(100, 120), 0},
		{"wiped out", valueSeries(100, 0, 0), 100},
		{"same day", []types.PortfolioSnapshot{
			{Date: dayTime(0), Value: decimal.NewFromInt(100)},
			{Date: dayTime(0), Value: decimal.NewFromInt(110)},
		}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := backtester.ComputeReport(tt.snapshots, tt.initial, nil)
			for _, key := range types.CoreMetricKeys {
				require.True(t, report.Has(key), "missing key %s", key)
			}
			for key, value := range report {
				assert.False(t, math.IsNaN(value) || math.IsInf(value, 0), "%s is not finite: %v", key, value)
			}
		})
	}
}

func TestComputeReportSingleSnapshotCAGR(t *testing.T) {
	report := backtester.ComputeReport(valueSeries(105), 100, nil)
	assert.InDelta(t, 5.0, report[types.MetricTotalReturn], floatTol)
	assert.Zero(t, report[types.MetricCAGR], "no elapsed time means no annualization")
}

func TestComputeReportMonthlyCompounding(t *testing.T) {
	snaps := []types.PortfolioSnapshot{
		{Date: time.Date(2023, 1, 30, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(100)},
		{Date: time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(110)},
		{Date: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(99)},
		{Date: time.Date(2023, 2, 2, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(90)},
	}
	report := backtester.ComputeReport(snaps, 100, nil)

	assert.InDelta(t, 10.0, report[types.MetricBestMonth], 1e-6)
	// February: 0.9 * (90/99) - 1
	assert.InDelta(t, (0.9*90.0/99.0-1)*100, report[types.MetricWorstMonth], 1e-6)
}

func TestComputeReportSortino(t *testing.T) {
	report := backtester.ComputeReport(valueSeries(100, 95, 100, 92, 100), 100, nil)

	losses := []float64{-0.05, -0.08}
	mean := (losses[0] + losses[1]) / 2
	downside := math.Sqrt(((losses[0]-mean)*(losses[0]-mean)+(losses[1]-mean)*(losses[1]-mean))/1) * math.Sqrt(252)
	assert.InDelta(t, (report[types.MetricCAGR]/100-0.02)/downside, report[types.MetricSortinoRatio], 1e-9)
}

func TestComputeReportTurnover(t *testing.T) {
	snaps := valueSeries(100, 110, 100)
	report := backtester.ComputeReport(snaps, 100, nil)

	years := 2 / 365.25
	mean := (100.0 + 110 + 100) / 3
	assert.InDelta(t, 20/(mean*years), report[types.MetricTurnover], 1e-6)
}

func TestComputeReportBenchmark(t *testing.T) {
	snaps := valueSeries(100, 110, 99, 121)
	bench := []types.PricePoint{
		{Date: dayTime(0), Price: decimal.NewFromInt(50)},
		{Date: dayTime(1), Price: decimal.NewFromInt(51)},
		{Date: dayTime(2), Price: decimal.NewFromInt(50)},
		{Date: dayTime(3), Price: decimal.NewFromInt(55)},
	}
	report := backtester.ComputeReport(snaps, 100, bench)

	for _, key := range types.BenchmarkMetricKeys {
		require.True(t, report.Has(key), "missing key %s", key)
	}
	assert.InDelta(t, 10.0, report[types.MetricBenchmarkReturn], 1e-9)
	assert.InDelta(t, 11.0, report[types.MetricAlpha], 1e-9)
	assert.Greater(t, report[types.MetricBeta], 0.0)
	assert.Greater(t, report[types.MetricTrackingError], 0.0)
	assert.InDelta(t, 0.11/report[types.MetricTrackingError], report[types.MetricInformationRatio], 1e-9)
}

func TestComputeReportBenchmarkIdentical(t *testing.T) {
	snaps := valueSeries(100, 110, 99, 121)
	bench := make([]types.PricePoint, len(snaps))
	for i, s := range snaps {
		bench[i] = types.PricePoint{Date: s.Date, Price: s.Value}
	}
	report := backtester.ComputeReport(snaps, 100, bench)

	assert.InDelta(t, 1.0, report[types.MetricBeta], 1e-9)
	assert.InDelta(t, 0.0, report[types.MetricAlpha], 1e-9)
	assert.Zero(t, report[types.MetricTrackingError])
	assert.Zero(t, report[types.MetricInformationRatio])
}

func TestComputeReportBenchmarkNeedsOverlap(t *testing.T) {
	snaps := valueSeries(100, 110, 99, 121)
	bench := []types.PricePoint{
		{Date: dayTime(3), Price: decimal.NewFromInt(55)},
		{Date: dayTime(10), Price: decimal.NewFromInt(60)},
	}
	report := backtester.ComputeReport(snaps, 100, bench)

	for _, key := range types.BenchmarkMetricKeys {
		assert.False(t, report.Has(key), "benchmark key %s needs two overlapping dates", key)
	}
}

func TestComputeReportFlatBenchmark(t *testing.T) {
	snaps := valueSeries(100, 110, 99)
	bench := []types.PricePoint{
		{Date: dayTime(0), Price: decimal.NewFromInt(50)},
		{Date: dayTime(1), Price: decimal.NewFromInt(50)},
		{Date: dayTime(2), Price: decimal.NewFromInt(50)},
	}
	report := backtester.ComputeReport(snaps, 100, bench)
	assert.Zero(t, report[types.MetricBeta], "zero benchmark variance gives zero beta")
}
