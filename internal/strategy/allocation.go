package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Built-in strategy names
const (
	EqualWeightName  = "equal_weight"
	FixedWeightsName = "fixed_weights"
	MomentumName     = "momentum"
)

// EqualWeight splits the portfolio evenly over every priced ticker.
type EqualWeight struct {
	logger *zap.Logger
}

// NewEqualWeight creates an equal weight strategy.
func NewEqualWeight(logger *zap.Logger) *EqualWeight {
	return &EqualWeight{logger: logger}
}

func (s *EqualWeight) Name() string { return EqualWeightName }
func (s *EqualWeight) Description() string {
	return "Holds every priced ticker at the same weight"
}
func (s *EqualWeight) Parameters() map[string]Parameter { return map[string]Parameter{} }

func (s *EqualWeight) GenerateSignals(_ context.Context, snapshot *types.MarketSnapshot, _ map[string]decimal.Decimal, date time.Time) (types.Weights, error) {
	tickers := pricedTickers(snapshot)
	weights := make(types.Weights, len(tickers))
	for _, ticker := range tickers {
		weights[ticker] = 1 / float64(len(tickers))
	}

	s.logger.Debug("Equal weight targets", zap.Time("date", date), zap.Int("tickers", len(tickers)))
	return weights, nil
}

// FixedWeights holds a configured ticker to weight mapping. Tickers without a
// current price are left out and their share stays in cash.
type FixedWeights struct {
	logger  *zap.Logger
	targets types.Weights
}

// NewFixedWeights builds a fixed weight strategy from params["weights"], or
// from the params themselves when no "weights" key is present.
func NewFixedWeights(logger *zap.Logger, params map[string]any) (Strategy, error) {
	raw := params
	if nested, ok := params["weights"]; ok {
		m, ok := nested.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("weights must be a mapping, got %T", nested)
		}
		raw = m
	}
	if len(raw) == 0 {
		return nil, errors.New("at least one weight is required")
	}

	targets := make(types.Weights, len(raw))
	var total float64
	for ticker, v := range raw {
		w, err := floatParam(ticker, v)
		if err != nil {
			return nil, err
		}
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("weight for %s must be non-negative, got %v", ticker, w)
		}
		targets[strings.ToUpper(ticker)] = w
		total += w
	}
	if total > 1+1e-9 {
		return nil, fmt.Errorf("weights sum to %.4f, more than 1", total)
	}

	return &FixedWeights{logger: logger, targets: targets}, nil
}

func (s *FixedWeights) Name() string { return FixedWeightsName }
func (s *FixedWeights) Description() string {
	return "Rebalances back to a fixed set of weights"
}

func (s *FixedWeights) Parameters() map[string]Parameter {
	current := make(map[string]float64, len(s.targets))
	for k, v := range s.targets {
		current[k] = v
	}
	return map[string]Parameter{
		"weights": {Name: "weights", Description: "Ticker to target weight", Type: "map", Current: current},
	}
}

func (s *FixedWeights) GenerateSignals(_ context.Context, snapshot *types.MarketSnapshot, _ map[string]decimal.Decimal, date time.Time) (types.Weights, error) {
	weights := make(types.Weights, len(s.targets))
	for ticker, w := range s.targets {
		if price, ok := snapshot.CurrentPrices[ticker]; !ok || !price.IsPositive() {
			s.logger.Debug("No price for fixed weight ticker", zap.String("ticker", ticker), zap.Time("date", date))
			continue
		}
		weights[ticker] = w
	}
	return weights, nil
}

// Momentum holds the TopN tickers with the best trailing return over the
// lookback window, equally weighted.
type Momentum struct {
	logger       *zap.Logger
	topN         int
	lookbackDays int
	positiveOnly bool
}

// NewMomentum creates a momentum strategy. Params: top_n (default 3),
// lookback_days (default 0 meaning the whole snapshot history) and
// positive_only (default true).
func NewMomentum(logger *zap.Logger, params map[string]any) (Strategy, error) {
	topN, err := intParam(params, "top_n", 3)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		return nil, fmt.Errorf("top_n must be positive, got %d", topN)
	}
	lookback, err := intParam(params, "lookback_days", 0)
	if err != nil {
		return nil, err
	}
	if lookback < 0 {
		return nil, fmt.Errorf("lookback_days must not be negative, got %d", lookback)
	}
	positiveOnly, err := boolParam(params, "positive_only", true)
	if err != nil {
		return nil, err
	}

	return &Momentum{logger: logger, topN: topN, lookbackDays: lookback, positiveOnly: positiveOnly}, nil
}

func (s *Momentum) Name() string { return MomentumName }
func (s *Momentum) Description() string {
	return "Holds the tickers with the strongest trailing return"
}

func (s *Momentum) Parameters() map[string]Parameter {
	return map[string]Parameter{
		"top_n":         {Name: "top_n", Description: "Number of tickers to hold", Type: "int", Default: 3, Current: s.topN},
		"lookback_days": {Name: "lookback_days", Description: "Return window in calendar days, 0 for the whole history", Type: "int", Default: 0, Current: s.lookbackDays},
		"positive_only": {Name: "positive_only", Description: "Only hold tickers with a positive return", Type: "bool", Default: true, Current: s.positiveOnly},
	}
}

type ranked struct {
	ticker string
	ret    float64
}

func (s *Momentum) GenerateSignals(_ context.Context, snapshot *types.MarketSnapshot, _ map[string]decimal.Decimal, date time.Time) (types.Weights, error) {
	var candidates []ranked
	for _, ticker := range pricedTickers(snapshot) {
		ret, ok := s.trailingReturn(snapshot.PriceHistory[ticker], date)
		if !ok || (s.positiveOnly && ret <= 0) {
			continue
		}
		candidates = append(candidates, ranked{ticker: ticker, ret: ret})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ret != candidates[j].ret {
			return candidates[i].ret > candidates[j].ret
		}
		return candidates[i].ticker < candidates[j].ticker
	})
	if len(candidates) > s.topN {
		candidates = candidates[:s.topN]
	}

	// Empty slots stay in cash.
	weights := make(types.Weights, len(candidates))
	for _, c := range candidates {
		weights[c.ticker] = 1 / float64(s.topN)
	}

	s.logger.Debug("Momentum targets",
		zap.Time("date", date),
		zap.Int("selected", len(candidates)),
	)
	return weights, nil
}

func (s *Momentum) trailingReturn(history []types.PricePoint, date time.Time) (float64, bool) {
	if s.lookbackDays > 0 {
		from := date.AddDate(0, 0, -s.lookbackDays)
		i := sort.Search(len(history), func(i int) bool { return !history[i].Date.Before(from) })
		history = history[i:]
	}
	if len(history) < 2 {
		return 0, false
	}
	first := history[0].Price
	if !first.IsPositive() {
		return 0, false
	}
	return history[len(history)-1].Price.Div(first).InexactFloat64() - 1, true
}
