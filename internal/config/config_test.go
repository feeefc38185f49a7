package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
backtest:
  start_date: 2020-01-01
  end_date: "2021-12-31"
  initial_capital: "100000.50"
  rebalance_frequency: quarterly
  universe: [aapl, " msft "]
  max_position_size: 0.5
  transaction_cost: 0.001
  slippage: 0.0005
  benchmark: SPY
  on_step_error: hold
  strategy:
    name: momentum
    parameters:
      top_n: 2
server:
  port: 9000
  read_timeout: 5s
data:
  driver: sqlite
  sqlite_path: /tmp/prices.db
logging:
  level: debug
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "backtest.yaml", sampleYAML))
	require.NoError(t, err)

	bt, err := cfg.BacktestConfig()
	require.NoError(t, err)

	assert.True(t, bt.StartDate.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, bt.EndDate.Equal(time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "100000.5", bt.InitialCapital.String())
	assert.Equal(t, types.FrequencyQuarterly, bt.RebalanceFrequency)
	assert.Equal(t, []string{"AAPL", "MSFT"}, bt.Universe)
	assert.Equal(t, 0.5, bt.MaxPositionSize)
	assert.Equal(t, 0.001, bt.TransactionCost)
	assert.Equal(t, "SPY", bt.Benchmark)
	assert.Equal(t, types.StepErrorHold, bt.OnStepError)
	assert.Equal(t, "momentum", bt.Strategy.Name)
	assert.EqualValues(t, 2, bt.Strategy.Parameters["top_n"])
	assert.Equal(t, types.DefaultLookbackDays, bt.LookbackDays, "unset fields take defaults")

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "sqlite", cfg.Data.Driver)
	assert.Equal(t, "/tmp/prices.db", cfg.Data.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	body := `{"backtest": {"start_date": "2022-01-01", "end_date": "2022-06-30",
		"initial_capital": 5000, "universe": ["SPY"]}}`
	cfg, err := config.Load(writeFile(t, "backtest.json", body))
	require.NoError(t, err)

	bt, err := cfg.BacktestConfig()
	require.NoError(t, err)
	assert.Equal(t, "5000", bt.InitialCapital.String())
	assert.Equal(t, types.FrequencyMonthly, bt.RebalanceFrequency)
	assert.Equal(t, "equal_weight", bt.Strategy.Name)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BACKTEST_SERVER_PORT", "9191")
	t.Setenv("BACKTEST_DATA_DRIVER", "parquet")
	t.Setenv("BACKTEST_BACKTEST_UNIVERSE", "qqq,iwm")

	cfg, err := config.Load(writeFile(t, "backtest.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "parquet", cfg.Data.Driver)
	bt, err := cfg.BacktestConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"QQQ", "IWM"}, bt.Universe)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.MaxRuns)
	assert.Equal(t, "json", cfg.Data.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)

	_, err = cfg.BacktestConfig()
	var cfgErr *backtester.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "an empty backtest section is invalid, got %v", err)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad date", "backtest:\n  start_date: 01/02/2020\n"},
		{"bad capital", "backtest:\n  initial_capital: lots\n"},
		{"bad driver", "data:\n  driver: mongo\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad encoding", "logging:\n  encoding: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "cfg.yaml", tt.body))
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeBacktest(t *testing.T) {
	bt, err := config.DecodeBacktest(map[string]any{
		"start_date":      "2023-01-01",
		"end_date":        "2023-12-31",
		"initial_capital": 250000.0,
		"universe":        []any{"spy", "agg"},
		"lookback_days":   90.0,
		"strategy": map[string]any{
			"name":       "fixed_weights",
			"parameters": map[string]any{"SPY": 0.6, "AGG": 0.4},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "250000", bt.InitialCapital.String())
	assert.Equal(t, []string{"SPY", "AGG"}, bt.Universe)
	assert.Equal(t, 90, bt.LookbackDays)
	assert.Equal(t, types.StepErrorAbort, bt.OnStepError)
	assert.Equal(t, 0.6, bt.Strategy.Parameters["SPY"])
}

func TestDecodeBacktestRejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"start_date":      "2023-01-01",
			"end_date":        "2023-12-31",
			"initial_capital": 1000,
		}
	}

	unknown := base()
	unknown["leverage"] = 3
	_, err := config.DecodeBacktest(unknown)
	assert.Error(t, err, "unknown keys are rejected")

	reversed := base()
	reversed["end_date"] = "2022-12-31"
	_, err = config.DecodeBacktest(reversed)
	var cfgErr *backtester.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "end_date", cfgErr.Field)
}
