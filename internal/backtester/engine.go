// Package backtester provides the core walk-forward backtesting engine.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/telemetry"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCancelled is returned when Cancel stops a run between steps
var ErrCancelled = errors.New("backtest cancelled")

// DataProvider serves point-in-time market snapshots.
// A snapshot for date must not contain anything dated after date.
type DataProvider interface {
	Snapshot(ctx context.Context, date time.Time, tickers []string, lookbackDays int) (*types.MarketSnapshot, error)
}

// BenchmarkProvider is implemented by providers that can serve a benchmark series
type BenchmarkProvider interface {
	PriceSeries(ctx context.Context, symbol string, start, end time.Time) ([]types.PricePoint, error)
}

// Strategy turns a market snapshot into target weights.
// Weights need not sum to one; the remainder stays in cash.
type Strategy interface {
	Name() string
	GenerateSignals(ctx context.Context, snapshot *types.MarketSnapshot, holdings map[string]decimal.Decimal, date time.Time) (types.Weights, error)
}

// Engine drives one backtest at a time over rebalance dates
type Engine struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	provider   DataProvider
	strategy   Strategy
	collectors *telemetry.Collectors

	// State
	running   atomic.Bool
	cancelled atomic.Bool
	state     types.RunState
	config    types.BacktestConfig
	portfolio *Portfolio

	// Progress, guarded by mu
	currentDate  time.Time
	currentValue float64
	stepsDone    int
	totalSteps   int

	// Run output
	trades     []types.Trade
	skipped    []InsufficientCashWarning
	snapshots  []types.PortfolioSnapshot
	lastPrices types.Prices

	progressChan chan *types.BacktestProgress
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, provider DataProvider, strategy Strategy) *Engine {
	return &Engine{
		logger:       logger,
		provider:     provider,
		strategy:     strategy,
		state:        types.RunStateIdle,
		progressChan: make(chan *types.BacktestProgress, 100),
	}
}

// WithCollectors attaches prometheus collectors to the engine
func (e *Engine) WithCollectors(c *telemetry.Collectors) *Engine {
	e.collectors = c
	return e
}

// Run executes a backtest with the given configuration.
// Rebalance dates are processed strictly in ascending order.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig) (*Results, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("backtest already running")
	}
	defer e.running.Store(false)
	defer e.closeProgress()
	e.cancelled.Store(false)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	cfg := normalizeConfig(config)

	dates, err := GenerateRebalanceDates(cfg.StartDate, cfg.EndDate, cfg.RebalanceFrequency)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	e.reset(cfg, len(dates))

	e.logger.Info("Starting backtest",
		zap.String("id", cfg.ID),
		zap.String("strategy", e.strategy.Name()),
		zap.Int("symbols", len(cfg.Universe)),
		zap.Int("rebalances", len(dates)),
		zap.Time("start", cfg.StartDate),
		zap.Time("end", cfg.EndDate),
	)

	results, err := e.run(ctx, dates)
	if err != nil {
		status := types.RunStateFailed
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = types.RunStateCancelled
		}
		e.setState(status)
		e.collectors.RunFinished(string(status), time.Since(startTime))
		e.sendProgress(err)
		e.logger.Error("Backtest aborted", zap.String("id", cfg.ID), zap.Error(err))
		return nil, err
	}

	results.StartedAt = startTime
	results.CompletedAt = time.Now()
	e.setState(types.RunStateCompleted)
	e.collectors.RunFinished(string(types.RunStateCompleted), results.CompletedAt.Sub(startTime))
	e.sendProgress(nil)

	summary := results.Summary()
	e.logger.Info("Backtest completed",
		zap.String("id", cfg.ID),
		zap.Duration("duration", results.CompletedAt.Sub(startTime)),
		zap.Int("trades", summary.NumberOfTrades),
		zap.Int("skippedBuys", len(results.SkippedTrades())),
		zap.Float64("finalValue", summary.FinalValue),
		zap.Float64("totalReturn", summary.TotalReturn),
	)

	return results, nil
}

// run walks the rebalance dates, finalizes, and builds the results
func (e *Engine) run(ctx context.Context, dates []time.Time) (*Results, error) {
	e.setState(types.RunStateRunning)

	for _, date := range dates {
		if err := e.checkCancelled(ctx); err != nil {
			return nil, err
		}
		if err := e.step(ctx, date); err != nil {
			return nil, err
		}
		e.sendProgress(nil)
	}

	e.setState(types.RunStateFinalizing)
	if err := e.finalize(ctx); err != nil {
		return nil, err
	}

	benchmark := e.loadBenchmark(ctx)
	return NewResults(e.config, e.snapshots, e.trades, e.skipped, benchmark), nil
}

// step performs one rebalance: snapshot, signals, trades, value sample
func (e *Engine) step(ctx context.Context, date time.Time) error {
	snapshot, err := e.provider.Snapshot(ctx, date, e.config.Universe, e.config.LookbackDays)
	if err != nil {
		return e.handleStepError(date, &DataProviderError{Date: date, Err: err}, "data_provider", nil)
	}
	if snapshot == nil {
		snapshot = &types.MarketSnapshot{Date: date}
	}
	if err := checkPointInTime(snapshot, date); err != nil {
		return err
	}

	targets, err := e.strategy.GenerateSignals(ctx, snapshot, e.portfolio.Holdings(), date)
	if err != nil {
		stepErr := &StrategyError{Date: date, Strategy: e.strategy.Name(), Err: err}
		return e.handleStepError(date, stepErr, "strategy", snapshot.CurrentPrices)
	}
	targets = applyPositionBounds(targets, e.config.MinPositionSize, e.config.MaxPositionSize)

	transactionCost, slippage := costRates(&e.config)
	result, err := e.portfolio.Rebalance(targets, snapshot.CurrentPrices, transactionCost, slippage, date)
	if err != nil {
		return fmt.Errorf("rebalance on %s: %w", date.Format(dateLayout), err)
	}

	var buys, sells int
	for _, trade := range result.Trades {
		if trade.Action == types.ActionBuy {
			buys++
		} else {
			sells++
		}
	}
	for _, warning := range result.Skipped {
		e.logger.Warn("Skipped buy", zap.String("ticker", warning.Ticker), zap.Error(warning))
	}
	e.mu.Lock()
	e.trades = append(e.trades, result.Trades...)
	e.skipped = append(e.skipped, result.Skipped...)
	e.mu.Unlock()
	e.collectors.Rebalanced(buys, sells, len(result.Skipped))

	e.record(date, snapshot.CurrentPrices)

	e.logger.Debug("Rebalanced",
		zap.Time("date", date),
		zap.Int("buys", buys),
		zap.Int("sells", sells),
		zap.Int("skipped", len(result.Skipped)),
	)
	return nil
}

// handleStepError aborts or holds depending on the configured policy
func (e *Engine) handleStepError(date time.Time, err error, collaborator string, prices types.Prices) error {
	e.collectors.StepFailed(collaborator)
	if e.config.OnStepError != types.StepErrorHold {
		return err
	}

	e.logger.Warn("Holding previous positions",
		zap.Time("date", date),
		zap.String("collaborator", collaborator),
		zap.Error(err),
	)
	e.record(date, prices)
	return nil
}

// record appends a value sample using the freshest prices known at date
func (e *Engine) record(date time.Time, prices types.Prices) {
	for ticker, price := range prices {
		e.lastPrices[ticker] = price
	}
	snap := e.portfolio.Snapshot(date, e.lastPrices)
	e.snapshots = append(e.snapshots, snap)

	e.mu.Lock()
	e.currentDate = date
	e.currentValue = snap.Value.InexactFloat64()
	e.stepsDone++
	e.mu.Unlock()
}

// finalize values the portfolio at end-date prices and appends the liquidation row
func (e *Engine) finalize(ctx context.Context) error {
	end := e.config.EndDate
	tickers := append([]string(nil), e.config.Universe...)
	for _, ticker := range sortedTickers(e.portfolio.Holdings()) {
		if !slices.Contains(tickers, ticker) {
			tickers = append(tickers, ticker)
		}
	}

	snapshot, err := e.provider.Snapshot(ctx, end, tickers, 0)
	if err != nil {
		if e.config.OnStepError != types.StepErrorHold {
			return &DataProviderError{Date: end, Err: err}
		}
		e.logger.Warn("Final prices unavailable, using last known prices", zap.Error(err))
	} else if snapshot != nil {
		for ticker, price := range snapshot.CurrentPrices {
			e.lastPrices[ticker] = price
		}
	}

	value := e.portfolio.Value(e.lastPrices)
	e.snapshots = append(e.snapshots, types.PortfolioSnapshot{
		Date:      end,
		Value:     value,
		Cash:      value,
		Holdings:  map[string]decimal.Decimal{},
		Synthetic: true,
	})

	e.mu.Lock()
	e.currentDate = end
	e.currentValue = value.InexactFloat64()
	e.mu.Unlock()
	return nil
}

// loadBenchmark fetches the benchmark series when configured and supported
func (e *Engine) loadBenchmark(ctx context.Context) []types.PricePoint {
	if !e.config.HasBenchmark() {
		return nil
	}
	bp, ok := e.provider.(BenchmarkProvider)
	if !ok {
		e.logger.Warn("Data provider cannot serve benchmark series", zap.String("benchmark", e.config.Benchmark))
		return nil
	}

	series, err := bp.PriceSeries(ctx, e.config.Benchmark, e.config.StartDate, e.config.EndDate)
	if err != nil {
		e.logger.Warn("Benchmark series unavailable",
			zap.String("benchmark", e.config.Benchmark),
			zap.Error(err),
		)
		return nil
	}
	return series
}

// Cancel cancels a running backtest before its next step
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// State returns the lifecycle state of the current or last run
func (e *Engine) State() types.RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetProgress returns the current progress
func (e *Engine) GetProgress() *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progressLocked()
}

// ProgressChan returns the progress channel of the next or current run.
// It is closed when that run returns.
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progressChan
}

func (e *Engine) checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

func (e *Engine) reset(cfg types.BacktestConfig, totalSteps int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config = cfg
	e.portfolio = NewPortfolio(cfg.InitialCapital)
	e.trades = nil
	e.skipped = nil
	e.snapshots = make([]types.PortfolioSnapshot, 0, totalSteps+1)
	e.lastPrices = make(types.Prices)
	e.currentDate = cfg.StartDate
	e.currentValue = cfg.InitialCapital.InexactFloat64()
	e.stepsDone = 0
	e.totalSteps = totalSteps
	e.state = types.RunStateInitialized
}

func (e *Engine) setState(state types.RunState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) progressLocked() *types.BacktestProgress {
	pct := 0.0
	if e.totalSteps > 0 {
		pct = float64(e.stepsDone) / float64(e.totalSteps) * 100
	}
	return &types.BacktestProgress{
		ID:             e.config.ID,
		Status:         e.state,
		Progress:       pct,
		StepsCompleted: e.stepsDone,
		TotalSteps:     e.totalSteps,
		CurrentDate:    e.currentDate,
		TradesExecuted: len(e.trades),
		CurrentValue:   e.currentValue,
	}
}

// sendProgress sends a progress update without blocking the run
func (e *Engine) sendProgress(runErr error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	update := e.progressLocked()
	if runErr != nil {
		update.Error = runErr.Error()
	}

	select {
	case e.progressChan <- update:
	default:
		// Channel full, skip update
	}
}

// closeProgress ends the current run's stream and prepares one for the next run
func (e *Engine) closeProgress() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.progressChan)
	e.progressChan = make(chan *types.BacktestProgress, 100)
}

// checkPointInTime rejects snapshots that leak data from after date
func checkPointInTime(snapshot *types.MarketSnapshot, date time.Time) error {
	for _, ticker := range sortedTickers(snapshot.PriceHistory) {
		for _, point := range snapshot.PriceHistory[ticker] {
			if point.Date.After(date) {
				return &LookAheadError{Date: date, Ticker: ticker, Observed: point.Date}
			}
		}
	}
	return nil
}

// applyPositionBounds drops weights below min and caps weights above max.
// A max of zero means no cap.
func applyPositionBounds(targets types.Weights, min, max float64) types.Weights {
	bounded := make(types.Weights, len(targets))
	for _, ticker := range sortedTickers(targets) {
		weight := targets[ticker]
		if weight <= 0 || weight < min {
			bounded[ticker] = 0
			continue
		}
		if max > 0 && weight > max {
			weight = max
		}
		bounded[ticker] = weight
	}
	return bounded
}
