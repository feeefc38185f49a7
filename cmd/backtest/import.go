package main

import (
	"fmt"
	"os"

	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/spf13/cobra"
)

var (
	importCSV          []string
	importFundamentals string
	importDriver       string
	importDB           string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Validate, clean and load historical data into the data store",
	Long: `Import daily bars from CSV files (date, symbol, open, high, low, close
and optional volume columns) and fundamentals from a YAML file. Bars are
quality checked and cleaned before they are written.`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringSliceVar(&importCSV, "csv", nil, "CSV file(s) of daily bars")
	importCmd.Flags().StringVar(&importFundamentals, "fundamentals", "", "YAML file of fundamentals")
	importCmd.Flags().StringVar(&importDriver, "driver", "", "Override data.driver (json, sqlite or parquet)")
	importCmd.Flags().StringVar(&importDB, "db", "", "Override the store location (sqlite file or data directory)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, _ []string) error {
	if len(importCSV) == 0 && importFundamentals == "" {
		return fmt.Errorf("nothing to import: pass --csv and/or --fundamentals")
	}

	a, err := setup(configPath, func(cfg *config.Config) {
		if importDriver != "" {
			cfg.Data.Driver = importDriver
		}
		if importDB == "" {
			return
		}
		if cfg.Data.Driver == data.DriverSQLite {
			cfg.Data.SQLitePath = importDB
		} else {
			cfg.Data.DataDir = importDB
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	bars := make(map[string][]types.Bar)
	for _, path := range importCSV {
		parsed, err := parseCSVFile(path)
		if err != nil {
			return err
		}
		for symbol, series := range parsed {
			bars[symbol] = append(bars[symbol], series...)
		}
	}

	var funds []data.Fundamental
	if importFundamentals != "" {
		f, err := os.Open(importFundamentals)
		if err != nil {
			return err
		}
		funds, err = data.LoadFundamentalsYAML(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", importFundamentals, err)
		}
	}

	summary, err := data.Import(cmd.Context(), a.logger, a.provider, bars, funds)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range summary.Reports {
		usable := "usable"
		if !r.IsUsable {
			usable = "NOT USABLE"
		}
		fmt.Fprintf(out, "%-8s bars=%-6d issues=%-4d score=%3d %s\n",
			r.Symbol, r.TotalBars, len(r.Issues), r.QualityScore, usable)
	}
	fmt.Fprintf(out, "Imported %d bars for %d symbols (%d dropped), %d fundamentals\n",
		summary.Bars, summary.Symbols, summary.Dropped, summary.Fundamentals)
	return nil
}

func parseCSVFile(path string) (map[string][]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bars, err := data.ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bars, nil
}
