// Package backtester provides portfolio simulation for backtesting.
package backtester

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ShareEpsilon is the smallest position kept on the books. Anything below it is float dust.
var ShareEpsilon = decimal.New(1, -3)

// CashKey is the synthetic ticker used for the cash weight
const CashKey = "cash"

var one = decimal.NewFromInt(1)

// shareScale is the number of decimal places kept in target share counts.
// Targets are truncated, never rounded up, so a full allocation fits in cash.
const shareScale = 10

// Portfolio owns cash, holdings and cost basis for a single run.
// It has exactly one writer and is not safe for concurrent use.
type Portfolio struct {
	cash        decimal.Decimal
	initialCash decimal.Decimal
	holdings    map[string]decimal.Decimal
	costBasis   map[string]decimal.Decimal
	trades      []types.Trade
}

// RebalanceResult is the outcome of one rebalance call
type RebalanceResult struct {
	// Trades holds sells first, then buys, each phase in ticker order.
	Trades  []types.Trade
	Skipped []InsufficientCashWarning
}

// NewPortfolio creates a new all-cash portfolio
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:        initialCash,
		initialCash: initialCash,
		holdings:    make(map[string]decimal.Decimal),
		costBasis:   make(map[string]decimal.Decimal),
	}
}

// Cash returns available cash
func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

// Holdings returns a copy of the share holdings
func (p *Portfolio) Holdings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.holdings))
	for ticker, shares := range p.holdings {
		out[ticker] = shares
	}
	return out
}

// Shares returns the shares held for a ticker (zero when not held)
func (p *Portfolio) Shares(ticker string) decimal.Decimal {
	return p.holdings[ticker]
}

// CostBasis returns the average cost per share of a held ticker
func (p *Portfolio) CostBasis(ticker string) (decimal.Decimal, bool) {
	basis, ok := p.costBasis[ticker]
	return basis, ok
}

// Trades returns a copy of every trade executed by this portfolio
func (p *Portfolio) Trades() []types.Trade {
	out := make([]types.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

// Value returns cash plus the market value of holdings.
// A held ticker with no price contributes nothing.
func (p *Portfolio) Value(prices types.Prices) decimal.Decimal {
	value := p.cash
	for ticker, shares := range p.holdings {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		value = value.Add(shares.Mul(price))
	}
	return value
}

// Weights returns each holding's fraction of total value plus a "cash" entry.
// It returns an empty map when the portfolio is worth nothing.
func (p *Portfolio) Weights(prices types.Prices) types.Weights {
	total := p.Value(prices)
	weights := make(types.Weights, len(p.holdings)+1)
	if total.IsZero() {
		return weights
	}

	for ticker, shares := range p.holdings {
		price, ok := prices[ticker]
		if !ok {
			price = decimal.Zero
		}
		weights[ticker] = shares.Mul(price).Div(total).InexactFloat64()
	}
	weights[CashKey] = p.cash.Div(total).InexactFloat64()

	return weights
}

// Rebalance trades the portfolio toward the target weights.
// Sells run before buys so their proceeds can fund the buys. A buy that cannot
// be paid for in full is skipped and reported in the result. Prices are checked
// up front, so a MissingPriceError leaves the portfolio untouched.
func (p *Portfolio) Rebalance(
	targets types.Weights,
	prices types.Prices,
	transactionCost, slippage decimal.Decimal,
	date time.Time,
) (*RebalanceResult, error) {
	if err := p.checkPrices(targets, prices, date); err != nil {
		return nil, err
	}

	total := p.Value(prices)
	targetShares := make(map[string]decimal.Decimal, len(targets))
	for ticker, weight := range targets {
		shares, _ := total.Mul(decimal.NewFromFloat(weight)).QuoRem(prices[ticker], shareScale)
		if shares.IsNegative() {
			shares = decimal.Zero
		}
		targetShares[ticker] = shares
	}

	result := &RebalanceResult{}

	// Sell phase
	for _, ticker := range sortedTickers(p.holdings) {
		excess := p.holdings[ticker].Sub(targetShares[ticker])
		if excess.LessThan(ShareEpsilon) {
			continue
		}
		trade, err := p.Sell(ticker, excess, prices[ticker], transactionCost, slippage, date)
		if err != nil {
			return result, err
		}
		result.Trades = append(result.Trades, trade)
	}

	// Buy phase
	costFactor := one.Add(transactionCost).Add(slippage)
	for _, ticker := range sortedTickers(targetShares) {
		needed := targetShares[ticker].Sub(p.holdings[ticker])
		if needed.LessThan(ShareEpsilon) {
			continue
		}

		price := prices[ticker]
		required := needed.Mul(price).Mul(costFactor)
		if required.GreaterThan(p.cash) {
			result.Skipped = append(result.Skipped, InsufficientCashWarning{
				Date:          date,
				Ticker:        ticker,
				Shares:        needed,
				RequiredCash:  required,
				AvailableCash: p.cash,
			})
			continue
		}

		trade, err := p.Buy(ticker, needed, price, transactionCost, slippage, date)
		if err != nil {
			return result, err
		}
		result.Trades = append(result.Trades, trade)
	}

	return result, nil
}

// checkPrices makes sure every ticker that may trade has a positive price
func (p *Portfolio) checkPrices(targets types.Weights, prices types.Prices, date time.Time) error {
	tickers := make(map[string]struct{}, len(targets)+len(p.holdings))
	for ticker := range targets {
		tickers[ticker] = struct{}{}
	}
	for ticker := range p.holdings {
		if _, ok := targets[ticker]; !ok {
			tickers[ticker] = struct{}{}
		}
	}

	for _, ticker := range sortedTickers(tickers) {
		price, ok := prices[ticker]
		if !ok || !price.IsPositive() {
			return &MissingPriceError{Ticker: ticker, Date: date}
		}
	}
	return nil
}

// Buy executes a buy order at price adjusted up by slippage
func (p *Portfolio) Buy(ticker string, shares, price, transactionCost, slippage decimal.Decimal, date time.Time) (types.Trade, error) {
	if !shares.IsPositive() {
		return types.Trade{}, fmt.Errorf("buy %s: shares must be positive, got %s", ticker, shares)
	}
	if !price.IsPositive() {
		return types.Trade{}, &MissingPriceError{Ticker: ticker, Date: date}
	}

	executionPrice := price.Mul(one.Add(slippage))
	gross := shares.Mul(executionPrice)
	commission := gross.Mul(transactionCost)

	p.cash = p.cash.Sub(gross).Sub(commission)

	held := p.holdings[ticker]
	newShares := held.Add(shares)
	if basis, ok := p.costBasis[ticker]; ok && held.IsPositive() {
		// Weighted average of old basis and this fill
		p.costBasis[ticker] = basis.Mul(held).Add(gross).Div(newShares)
	} else {
		p.costBasis[ticker] = executionPrice
	}
	p.holdings[ticker] = newShares

	trade := types.Trade{
		ID:             uuid.New().String(),
		Date:           date,
		Ticker:         ticker,
		Action:         types.ActionBuy,
		Shares:         shares,
		ExecutionPrice: executionPrice,
		GrossValue:     gross,
		Commission:     commission,
		SlippageCost:   shares.Mul(price).Mul(slippage),
	}
	p.trades = append(p.trades, trade)

	return trade, nil
}

// Sell executes a sell order at price adjusted down by slippage.
// Selling more than is held sells the whole position.
func (p *Portfolio) Sell(ticker string, shares, price, transactionCost, slippage decimal.Decimal, date time.Time) (types.Trade, error) {
	held, ok := p.holdings[ticker]
	if !ok {
		return types.Trade{}, fmt.Errorf("sell %s: no position", ticker)
	}
	if !shares.IsPositive() {
		return types.Trade{}, fmt.Errorf("sell %s: shares must be positive, got %s", ticker, shares)
	}
	if !price.IsPositive() {
		return types.Trade{}, &MissingPriceError{Ticker: ticker, Date: date}
	}
	if shares.GreaterThan(held) {
		shares = held
	}

	executionPrice := price.Mul(one.Sub(slippage))
	gross := shares.Mul(executionPrice)
	commission := gross.Mul(transactionCost)

	p.cash = p.cash.Add(gross).Sub(commission)

	remaining := held.Sub(shares)
	if remaining.LessThan(ShareEpsilon) {
		delete(p.holdings, ticker)
		delete(p.costBasis, ticker)
	} else {
		p.holdings[ticker] = remaining
	}

	trade := types.Trade{
		ID:             uuid.New().String(),
		Date:           date,
		Ticker:         ticker,
		Action:         types.ActionSell,
		Shares:         shares,
		ExecutionPrice: executionPrice,
		GrossValue:     gross,
		Commission:     commission,
		SlippageCost:   shares.Mul(price).Mul(slippage),
	}
	p.trades = append(p.trades, trade)

	return trade, nil
}

// RealizedPnL returns the profit of positions that are fully closed.
// Tickers still held are excluded.
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	perTicker := make(map[string]decimal.Decimal)
	for _, trade := range p.trades {
		if _, held := p.holdings[trade.Ticker]; held {
			continue
		}
		switch trade.Action {
		case types.ActionSell:
			perTicker[trade.Ticker] = perTicker[trade.Ticker].Add(trade.NetProceeds())
		case types.ActionBuy:
			perTicker[trade.Ticker] = perTicker[trade.Ticker].Sub(trade.TotalCost())
		}
	}

	var realized decimal.Decimal
	for _, pnl := range perTicker {
		realized = realized.Add(pnl)
	}
	return realized
}

// UnrealizedPnL returns unrealized PnL for all positions with a known price
func (p *Portfolio) UnrealizedPnL(prices types.Prices) decimal.Decimal {
	var unrealized decimal.Decimal
	for ticker, shares := range p.holdings {
		price, ok := prices[ticker]
		if !ok {
			continue
		}
		unrealized = unrealized.Add(shares.Mul(price.Sub(p.costBasis[ticker])))
	}
	return unrealized
}

// TotalPnL returns value minus starting cash
func (p *Portfolio) TotalPnL(prices types.Prices) decimal.Decimal {
	return p.Value(prices).Sub(p.initialCash)
}

// Snapshot captures the portfolio at a date
func (p *Portfolio) Snapshot(date time.Time, prices types.Prices) types.PortfolioSnapshot {
	return types.PortfolioSnapshot{
		Date:     date,
		Value:    p.Value(prices),
		Cash:     p.cash,
		Holdings: p.Holdings(),
	}
}

func sortedTickers[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
