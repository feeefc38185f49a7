package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/atlas-desktop/backtest-engine/internal/batch"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	batchParallel int
	batchFailFast bool
	batchFormat   string
	batchOut      string
)

var batchCmd = &cobra.Command{
	Use:   "batch <config>...",
	Short: "Run several backtests concurrently",
	Long: `Run the backtest section of every given config file against the data
source named by --config. Each run gets its own strategy instance.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 0, "Maximum concurrent runs (0 = number of CPUs)")
	batchCmd.Flags().BoolVar(&batchFailFast, "fail-fast", false, "Cancel remaining runs after the first failure")
	batchCmd.Flags().StringVar(&batchFormat, "format", formatCSV, "Output format: csv, parquet or json")
	batchCmd.Flags().StringVarP(&batchOut, "out", "o", "", "Directory for result files, one subdirectory per run")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	if err := checkFormat(batchFormat); err != nil {
		return err
	}

	a, err := setup(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	jobs := make([]batch.Job, 0, len(args))
	for _, path := range args {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		bt, err := cfg.BacktestConfig()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		name := bt.ID
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			bt.ID = name
		}
		jobs = append(jobs, batch.Job{Name: name, Config: bt})
	}

	runner := batch.NewRunner(a.logger, a.provider, a.registry).WithCollectors(a.collectors)
	runner.Parallelism = batchParallel
	runner.FailFast = batchFailFast

	outcomes, runErr := runner.Run(cmd.Context(), jobs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: FAILED: %v\n", o.Name, o.Err)
			continue
		}
		if err := printSummary(cmd, o.Name, o.Results); err != nil {
			return err
		}
		if batchOut == "" {
			continue
		}
		dir := filepath.Join(batchOut, o.Name)
		if err := writeResults(o.Results, batchFormat, dir); err != nil {
			a.logger.Error("Failed to write results", zap.String("job", o.Name), zap.Error(err))
			failed++
		}
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(outcomes))
	}
	return nil
}
