package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	formatCSV     = "csv"
	formatParquet = "parquet"
	formatJSON    = "json"
)

var (
	runFormat string
	runOut    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backtest described by the config file",
	Long: `Run the backtest in the config file's "backtest" section and print its
summary. With --out the results are also written in the chosen format.`,
	Args: cobra.NoArgs,
	RunE: runBacktest,
}

func init() {
	runCmd.Flags().StringVar(&runFormat, "format", formatCSV, "Output format: csv, parquet or json")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "Directory for result files")
	rootCmd.AddCommand(runCmd)
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	if err := checkFormat(runFormat); err != nil {
		return err
	}

	a, err := setup(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	bt, err := a.cfg.BacktestConfig()
	if err != nil {
		return err
	}
	strat, err := a.registry.Create(bt.Strategy)
	if err != nil {
		return err
	}

	engine := backtester.NewEngine(a.logger, a.provider, strat).WithCollectors(a.collectors)
	results, err := engine.Run(cmd.Context(), bt)
	if err != nil {
		return err
	}

	if err := printSummary(cmd, results.Config.ID, results); err != nil {
		return err
	}
	if runOut == "" {
		return nil
	}
	if err := writeResults(results, runFormat, runOut); err != nil {
		return err
	}
	a.logger.Info("Results written", zap.String("dir", runOut), zap.String("format", runFormat))
	return nil
}

func checkFormat(format string) error {
	switch format {
	case formatCSV, formatParquet, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown format %q (want csv, parquet or json)", format)
	}
}

// writeResults exports results to dir in format
func writeResults(results *backtester.Results, format, dir string) error {
	switch format {
	case formatParquet:
		return results.ExportParquet(dir)
	case formatJSON:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		raw, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "results.json"), raw, 0o644)
	default:
		return results.ExportCSV(dir)
	}
}

// printSummary writes the run summary. Return, drawdown and win rate are
// already percentages.
func printSummary(cmd *cobra.Command, name string, results *backtester.Results) error {
	s := results.Summary()
	out := cmd.OutOrStdout()
	_, err := fmt.Fprintf(out, `=== %s ===
Initial capital:   %.2f
Final value:       %.2f
Total return:      %.2f%%
Annualized return: %.2f%%
Sharpe ratio:      %.3f
Max drawdown:      %.2f%%
Win rate:          %.2f%%
Trades:            %d
Turnover:          %.3f
`,
		name, s.InitialCapital, s.FinalValue, s.TotalReturn, s.AnnualizedReturn,
		s.SharpeRatio, s.MaxDrawdown, s.WinRate, s.NumberOfTrades, s.PortfolioTurnover)
	return err
}
