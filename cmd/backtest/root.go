package main

import (
	"fmt"

	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/telemetry"
	"github.com/atlas-desktop/backtest-engine/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "backtest",
	Short:         "Walk-forward portfolio backtesting engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML, JSON or TOML)")
}

// app holds the components shared by every subcommand
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	provider   data.Provider
	registry   *strategy.Registry
	metrics    *prometheus.Registry
	collectors *telemetry.Collectors
}

// setup loads path, applies any overrides, and builds the logger, data
// provider and strategy registry
func setup(path string, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	provider, err := data.NewProvider(logger.Named("data"), cfg.Data)
	if err != nil {
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	collectors, err := telemetry.NewCollectors(metrics)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		registry:   strategy.NewRegistry(logger.Named("strategy")),
		metrics:    metrics,
		collectors: collectors,
	}, nil
}

func (a *app) close() {
	if err := a.provider.Close(); err != nil {
		a.logger.Warn("Failed to close data provider", zap.Error(err))
	}
	_ = a.logger.Sync()
}
