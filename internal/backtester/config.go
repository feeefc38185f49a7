package backtester

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidateConfig checks a backtest configuration once, before any state is built
func ValidateConfig(config *types.BacktestConfig) error {
	if config == nil {
		return &ConfigurationError{Field: "config", Reason: "missing"}
	}
	if config.StartDate.IsZero() || config.EndDate.IsZero() {
		return &ConfigurationError{Field: "start_date/end_date", Reason: "both dates are required"}
	}
	if config.EndDate.Before(config.StartDate) {
		return &ConfigurationError{
			Field: "end_date",
			Reason: fmt.Sprintf("%s is before start date %s",
				config.EndDate.Format(dateLayout), config.StartDate.Format(dateLayout)),
		}
	}
	if !config.InitialCapital.IsPositive() {
		return &ConfigurationError{Field: "initial_capital", Reason: "must be greater than zero"}
	}
	if _, err := frequencyMonths(config.RebalanceFrequency); err != nil {
		return err
	}
	if config.TransactionCost < 0 {
		return &ConfigurationError{Field: "transaction_cost", Reason: "must not be negative"}
	}
	if config.Slippage < 0 {
		return &ConfigurationError{Field: "slippage", Reason: "must not be negative"}
	}
	if config.MinPositionSize < 0 || config.MinPositionSize > 1 {
		return &ConfigurationError{Field: "min_position_size", Reason: "must be within [0, 1]"}
	}
	if config.MaxPositionSize < 0 || config.MaxPositionSize > 1 {
		return &ConfigurationError{Field: "max_position_size", Reason: "must be within [0, 1]"}
	}
	if config.MaxPositionSize > 0 && config.MinPositionSize > config.MaxPositionSize {
		return &ConfigurationError{Field: "min_position_size", Reason: "exceeds max_position_size"}
	}
	if config.LookbackDays < 0 {
		return &ConfigurationError{Field: "lookback_days", Reason: "must not be negative"}
	}
	switch config.OnStepError {
	case "", types.StepErrorAbort, types.StepErrorHold:
	default:
		return &ConfigurationError{
			Field:  "on_step_error",
			Reason: fmt.Sprintf("unknown policy %q (want abort or hold)", config.OnStepError),
		}
	}
	for _, symbol := range config.Universe {
		if strings.TrimSpace(symbol) == "" {
			return &ConfigurationError{Field: "universe", Reason: "contains an empty symbol"}
		}
	}
	return nil
}

// normalizeConfig returns a copy with defaults filled in
func normalizeConfig(config *types.BacktestConfig) types.BacktestConfig {
	cfg := *config
	cfg.Universe = append([]string(nil), config.Universe...)
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.OnStepError == "" {
		cfg.OnStepError = types.StepErrorAbort
	}
	return cfg
}

// costRates converts the fractional cost rates into decimals
func costRates(config *types.BacktestConfig) (transactionCost, slippage decimal.Decimal) {
	return decimal.NewFromFloat(config.TransactionCost), decimal.NewFromFloat(config.Slippage)
}
