package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var asOf = time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)

// history builds a price history ending at asOf, one point per entry, spaced
// ten days apart.
func history(prices ...float64) []types.PricePoint {
	out := make([]types.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = types.PricePoint{
			Date:  asOf.AddDate(0, 0, -10*(len(prices)-1-i)),
			Price: decimal.NewFromFloat(p),
		}
	}
	return out
}

func snapshot(histories map[string][]types.PricePoint) *types.MarketSnapshot {
	snap := &types.MarketSnapshot{
		Date:          asOf,
		CurrentPrices: make(types.Prices),
		PriceHistory:  histories,
	}
	for ticker, h := range histories {
		snap.CurrentPrices[ticker] = h[len(h)-1].Price
	}
	return snap
}

func create(t *testing.T, name string, params map[string]any) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewRegistry(zap.NewNop()).Create(types.StrategyConfig{Name: name, Parameters: params})
	require.NoError(t, err)
	return s
}

func TestRegistry(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	assert.Equal(t, []string{"equal_weight", "fixed_weights", "momentum"}, r.List())

	_, err := r.Create(types.StrategyConfig{Name: "martingale"})
	assert.Error(t, err)

	r.Register("custom", func(l *zap.Logger, _ map[string]any) (strategy.Strategy, error) {
		return strategy.NewEqualWeight(l), nil
	})
	s, err := r.Create(types.StrategyConfig{Name: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "equal_weight", s.Name())
}

func TestEqualWeight(t *testing.T) {
	s := create(t, "equal_weight", nil)
	snap := snapshot(map[string][]types.PricePoint{
		"A": history(10),
		"B": history(20),
		"C": history(30),
		"D": history(40),
	})
	snap.CurrentPrices["E"] = decimal.Zero

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Len(t, weights, 4)
	for ticker, w := range weights {
		assert.InDelta(t, 0.25, w, 1e-12, ticker)
	}
}

func TestEqualWeightNoPrices(t *testing.T) {
	s := create(t, "equal_weight", nil)
	weights, err := s.GenerateSignals(context.Background(), snapshot(nil), nil, asOf)
	require.NoError(t, err)
	assert.Empty(t, weights, "no prices means all cash")
}

func TestFixedWeights(t *testing.T) {
	s := create(t, "fixed_weights", map[string]any{
		"weights": map[string]any{"spy": 0.6, "AGG": "0.3", "GLD": 0.1},
	})
	snap := snapshot(map[string][]types.PricePoint{
		"SPY": history(400),
		"AGG": history(100),
	})

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"SPY": 0.6, "AGG": 0.3}, weights, "unpriced GLD stays in cash")
	assert.Contains(t, s.Parameters(), "weights")
}

func TestFixedWeightsFlatParams(t *testing.T) {
	s := create(t, "fixed_weights", map[string]any{"QQQ": 1})
	weights, err := s.GenerateSignals(context.Background(), snapshot(map[string][]types.PricePoint{"QQQ": history(300)}), nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"QQQ": 1.0}, weights)
}

func TestFixedWeightsInvalid(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	for name, params := range map[string]map[string]any{
		"empty":       nil,
		"negative":    {"A": -0.1},
		"over one":    {"A": 0.7, "B": 0.7},
		"not number":  {"A": true},
		"not mapping": {"weights": []any{"A"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(types.StrategyConfig{Name: "fixed_weights", Parameters: params})
			assert.Error(t, err)
		})
	}
}

func TestMomentumRanksByTrailingReturn(t *testing.T) {
	s := create(t, "momentum", map[string]any{"top_n": 2})
	snap := snapshot(map[string][]types.PricePoint{
		"A": history(100, 110), // +10%
		"B": history(100, 130), // +30%
		"C": history(100, 120), // +20%
		"D": history(100, 90),  // -10%
	})

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"B": 0.5, "C": 0.5}, weights)
}

func TestMomentumLeavesEmptySlotsInCash(t *testing.T) {
	s := create(t, "momentum", map[string]any{"top_n": 4})
	snap := snapshot(map[string][]types.PricePoint{
		"A": history(100, 110),
		"B": history(100, 95),
		"C": history(100), // too short to rank
	})

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"A": 0.25}, weights)
}

func TestMomentumAllowsNegativeReturns(t *testing.T) {
	s := create(t, "momentum", map[string]any{"top_n": 1.0, "positive_only": false})
	snap := snapshot(map[string][]types.PricePoint{
		"A": history(100, 80),
		"B": history(100, 95),
	})

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"B": 1.0}, weights)
}

func TestMomentumLookbackWindow(t *testing.T) {
	// Over the full history A leads; over the last 10 days B does.
	s := create(t, "momentum", map[string]any{"top_n": 1, "lookback_days": 10})
	snap := snapshot(map[string][]types.PricePoint{
		"A": history(50, 100, 101),
		"B": history(100, 100, 110),
	})

	weights, err := s.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"B": 1.0}, weights)

	full := create(t, "momentum", map[string]any{"top_n": 1})
	weights, err = full.GenerateSignals(context.Background(), snap, nil, asOf)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{"A": 1.0}, weights)
}

func TestMomentumInvalidParams(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	for name, params := range map[string]map[string]any{
		"zero top_n":        {"top_n": 0},
		"fractional top_n":  {"top_n": 1.5},
		"negative lookback": {"lookback_days": -1},
		"bad bool":          {"positive_only": "sometimes"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(types.StrategyConfig{Name: "momentum", Parameters: params})
			assert.Error(t, err)
		})
	}
}
