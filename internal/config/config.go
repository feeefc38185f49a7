// Package config loads backtest and application settings with viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BACKTEST_SERVER_PORT.
const EnvPrefix = "BACKTEST"

// Config is the full contents of a config file
type Config struct {
	Backtest types.BacktestConfig `mapstructure:"backtest"`
	Server   types.ServerConfig   `mapstructure:"server"`
	Data     types.DataConfig     `mapstructure:"data"`
	Logging  types.LoggingConfig  `mapstructure:"logging"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

// Load reads path (YAML, JSON or TOML by extension), applies BACKTEST_*
// environment overrides and defaults, and validates the application
// sections. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BacktestConfig returns the validated backtest section
func (c *Config) BacktestConfig() (*types.BacktestConfig, error) {
	bt := c.Backtest
	bt.Universe = normalizeUniverse(bt.Universe)
	if err := backtester.ValidateConfig(&bt); err != nil {
		return nil, err
	}
	return &bt, nil
}

// DecodeBacktest builds a validated backtest config from a generic map, as
// decoded from a JSON request body. Keys use the config file's snake_case
// names and missing fields take the same defaults as Load.
func DecodeBacktest(raw map[string]any) (*types.BacktestConfig, error) {
	cfg := types.DefaultBacktestConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("parsing backtest failed: %w", err)
	}

	cfg.Universe = normalizeUniverse(cfg.Universe)
	if err := backtester.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	bt := types.DefaultBacktestConfig()
	v.SetDefault("backtest.id", "")
	v.SetDefault("backtest.start_date", "")
	v.SetDefault("backtest.end_date", "")
	v.SetDefault("backtest.initial_capital", "0")
	v.SetDefault("backtest.rebalance_frequency", string(bt.RebalanceFrequency))
	v.SetDefault("backtest.universe", []string{})
	v.SetDefault("backtest.min_position_size", bt.MinPositionSize)
	v.SetDefault("backtest.max_position_size", bt.MaxPositionSize)
	v.SetDefault("backtest.transaction_cost", bt.TransactionCost)
	v.SetDefault("backtest.slippage", bt.Slippage)
	v.SetDefault("backtest.benchmark", "")
	v.SetDefault("backtest.lookback_days", bt.LookbackDays)
	v.SetDefault("backtest.on_step_error", string(bt.OnStepError))
	v.SetDefault("backtest.strategy.name", bt.Strategy.Name)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.max_runs", 100)

	v.SetDefault("data.driver", "json")
	v.SetDefault("data.data_dir", "./data")
	v.SetDefault("data.sqlite_path", "./data/prices.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", false)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.MaxRuns < 0 {
		return errors.New("server.max_runs must not be negative")
	}
	switch strings.ToLower(c.Data.Driver) {
	case "json", "sqlite", "parquet":
	default:
		return fmt.Errorf("data.driver %q is not one of json, sqlite, parquet", c.Data.Driver)
	}
	switch strings.ToLower(c.Logging.Encoding) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.encoding %q is not one of console, json", c.Logging.Encoding)
	}
	return nil
}

func normalizeUniverse(universe []string) []string {
	out := make([]string, 0, len(universe))
	for _, s := range universe {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDateHook,
		toDecimalHook,
	)
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

// stringToDateHook accepts YYYY-MM-DD and RFC 3339 dates. An empty string is the zero time.
func stringToDateHook(from, to reflect.Type, data any) (any, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
}

// toDecimalHook decodes strings and numbers into decimals without a float round trip for strings
func toDecimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot decode %s into a decimal", from)
}
