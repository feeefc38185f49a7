// Package types provides configuration types for the backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RebalanceFrequency controls how often the portfolio is rebalanced
type RebalanceFrequency string

const (
	FrequencyMonthly   RebalanceFrequency = "monthly"
	FrequencyQuarterly RebalanceFrequency = "quarterly"
	FrequencyAnnually  RebalanceFrequency = "annually"
)

// StepErrorPolicy decides what happens when a collaborator fails on a rebalance date
type StepErrorPolicy string

const (
	// StepErrorAbort stops the run at the failing date.
	StepErrorAbort StepErrorPolicy = "abort"
	// StepErrorHold skips the rebalance and keeps the previous holdings.
	StepErrorHold StepErrorPolicy = "hold"
)

// Default values applied by DefaultBacktestConfig
const (
	DefaultLookbackDays    = 365
	DefaultMaxPositionSize = 1.0
)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	ID                 string             `json:"id" mapstructure:"id"`
	StartDate          time.Time          `json:"startDate" mapstructure:"start_date"`
	EndDate            time.Time          `json:"endDate" mapstructure:"end_date"`
	InitialCapital     decimal.Decimal    `json:"initialCapital" mapstructure:"initial_capital"`
	RebalanceFrequency RebalanceFrequency `json:"rebalanceFrequency" mapstructure:"rebalance_frequency"`
	Universe           []string           `json:"universe" mapstructure:"universe"`
	MinPositionSize    float64            `json:"minPositionSize" mapstructure:"min_position_size"`
	MaxPositionSize    float64            `json:"maxPositionSize" mapstructure:"max_position_size"`
	TransactionCost    float64            `json:"transactionCost" mapstructure:"transaction_cost"`
	Slippage           float64            `json:"slippage" mapstructure:"slippage"`
	Benchmark          string             `json:"benchmark,omitempty" mapstructure:"benchmark"`
	LookbackDays       int                `json:"lookbackDays" mapstructure:"lookback_days"`
	Strategy           StrategyConfig     `json:"strategy" mapstructure:"strategy"`
	OnStepError        StepErrorPolicy    `json:"onStepError,omitempty" mapstructure:"on_step_error"`
}

// StrategyConfig names a registered strategy and its parameters
type StrategyConfig struct {
	Name       string         `json:"name" mapstructure:"name"`
	Parameters map[string]any `json:"parameters,omitempty" mapstructure:"parameters"`
}

// DefaultBacktestConfig returns a config with every optional field populated
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		RebalanceFrequency: FrequencyMonthly,
		MaxPositionSize:    DefaultMaxPositionSize,
		LookbackDays:       DefaultLookbackDays,
		OnStepError:        StepErrorAbort,
		Strategy:           StrategyConfig{Name: "equal_weight"},
	}
}

// HasBenchmark reports whether a benchmark symbol was configured
func (c *BacktestConfig) HasBenchmark() bool {
	return c.Benchmark != ""
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	MaxRuns       int           `json:"maxRuns" mapstructure:"max_runs"`
}

// DataConfig represents market data storage configuration
type DataConfig struct {
	// Driver is one of "json", "sqlite" or "parquet".
	Driver  string `json:"driver" mapstructure:"driver"`
	DataDir string `json:"dataDir" mapstructure:"data_dir"`
	// SQLitePath is only read by the sqlite driver.
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Encoding   string `json:"encoding" mapstructure:"encoding"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}
