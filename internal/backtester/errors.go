package backtester

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ConfigurationError reports an invalid backtest configuration
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// MissingPriceError reports a ticker that must trade but has no usable price
type MissingPriceError struct {
	Ticker string
	Date   time.Time
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("missing price for %s on %s", e.Ticker, e.Date.Format(dateLayout))
}

// InsufficientCashWarning records a buy skipped because cash ran short.
// It is never returned as an error from Rebalance; it is carried in RebalanceResult.
type InsufficientCashWarning struct {
	Date          time.Time       `json:"date"`
	Ticker        string          `json:"ticker"`
	Shares        decimal.Decimal `json:"shares"`
	RequiredCash  decimal.Decimal `json:"requiredCash"`
	AvailableCash decimal.Decimal `json:"availableCash"`
}

func (w InsufficientCashWarning) Error() string {
	return fmt.Sprintf("insufficient cash to buy %s %s on %s: need %s, have %s",
		w.Shares.StringFixed(4), w.Ticker, w.Date.Format(dateLayout),
		w.RequiredCash.StringFixed(2), w.AvailableCash.StringFixed(2))
}

// DataProviderError wraps a failure of the data provider on a rebalance date
type DataProviderError struct {
	Date time.Time
	Err  error
}

func (e *DataProviderError) Error() string {
	return fmt.Sprintf("data provider failed on %s: %v", e.Date.Format(dateLayout), e.Err)
}

func (e *DataProviderError) Unwrap() error { return e.Err }

// StrategyError wraps a failure of the strategy on a rebalance date
type StrategyError struct {
	Date     time.Time
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %q failed on %s: %v", e.Strategy, e.Date.Format(dateLayout), e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// LookAheadError reports a snapshot carrying data dated after its as-of date
type LookAheadError struct {
	Date     time.Time
	Ticker   string
	Observed time.Time
}

func (e *LookAheadError) Error() string {
	return fmt.Sprintf("look-ahead data for %s: snapshot as of %s contains %s",
		e.Ticker, e.Date.Format(dateLayout), e.Observed.Format(dateLayout))
}
