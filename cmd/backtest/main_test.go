package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportThenRun(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	var csv strings.Builder
	csv.WriteString("date,symbol,open,high,low,close,volume\n")
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		d := start.AddDate(0, 0, i).Format("2006-01-02")
		a := 100 + i
		fmt.Fprintf(&csv, "%s,spy,%d,%d,%d,%d,1000\n", d, a, a, a, a)
		fmt.Fprintf(&csv, "%s,agg,50,50,50,50,1000\n", d)
	}
	writeFile(t, filepath.Join(dir, "bars.csv"), csv.String())

	cfgPath := filepath.Join(dir, "backtest.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`
backtest:
  id: sixty-forty
  start_date: 2023-01-01
  end_date: 2023-04-01
  initial_capital: 100000
  universe: [SPY, AGG]
  lookback_days: 30
  strategy:
    name: fixed_weights
    parameters:
      weights: {SPY: 0.6, AGG: 0.4}
data:
  driver: json
  data_dir: %q
logging:
  level: error
`, dataDir))

	out, err := execute(t, "import", "-c", cfgPath, "--csv", filepath.Join(dir, "bars.csv"))
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 240 bars for 2 symbols (0 dropped), 0 fundamentals")
	assert.Contains(t, out, "SPY")

	resultsDir := filepath.Join(dir, "results")
	out, err = execute(t, "run", "-c", cfgPath, "--format", "csv", "--out", resultsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "=== sixty-forty ===")
	assert.Contains(t, out, "Initial capital:   100000.00")

	for _, name := range []string{"summary.csv", "portfolio_values.csv", "trades.csv"} {
		assert.FileExists(t, filepath.Join(resultsDir, name))
	}

	// A second config reusing the same data runs alongside the first
	otherPath := filepath.Join(dir, "equal.yaml")
	writeFile(t, otherPath, `
backtest:
  start_date: 2023-01-01
  end_date: 2023-04-01
  initial_capital: 100000
  universe: [SPY, AGG]
  strategy:
    name: equal_weight
`)
	out, err = execute(t, "batch", "-c", cfgPath, "--format", "json", "--out", resultsDir, cfgPath, otherPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== sixty-forty ===")
	assert.Contains(t, out, "=== equal ===")
	assert.FileExists(t, filepath.Join(resultsDir, "equal", "results.json"))

	// Without an id the run is named by its generated id
	noID := filepath.Join(dir, "noid.yaml")
	writeFile(t, noID, strings.Replace(readFile(t, cfgPath), "id: sixty-forty", "", 1))
	out, err = execute(t, "run", "-c", noID, "--format", "csv", "--out", filepath.Join(dir, "noid"))
	require.NoError(t, err)
	assert.NotContains(t, out, "===  ===")
	assert.Regexp(t, `=== [0-9a-f-]{36} ===`, out)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func TestPrintSummaryPercentages(t *testing.T) {
	cfg := types.DefaultBacktestConfig()
	cfg.ID = "pct"
	cfg.InitialCapital = decimal.NewFromInt(100000)
	cfg.StartDate = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.EndDate = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	snapshots := []types.PortfolioSnapshot{
		{Date: cfg.StartDate, Value: decimal.NewFromInt(100000), Cash: decimal.NewFromInt(100000)},
		{Date: cfg.EndDate, Value: decimal.NewFromInt(150000), Cash: decimal.NewFromInt(150000), Synthetic: true},
	}
	results := backtester.NewResults(cfg, snapshots, nil, nil, nil)
	require.InDelta(t, 50.0, results.Summary().TotalReturn, 1e-9)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, printSummary(cmd, results.Config.ID, results))

	assert.Contains(t, out.String(), "=== pct ===")
	assert.Contains(t, out.String(), "Total return:      50.00%")
	assert.Contains(t, out.String(), "Win rate:          100.00%")
	assert.NotContains(t, out.String(), "5000.00%")
}

func TestRunRejectsBadInput(t *testing.T) {
	_, err := execute(t, "run", "--format", "xml")
	assert.ErrorContains(t, err, "unknown format")

	_, err = execute(t, "import", "--format", "csv")
	assert.Error(t, err)

	_, err = execute(t, "batch")
	assert.Error(t, err, "batch needs at least one config")
}
