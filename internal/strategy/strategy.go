// Package strategy provides reference allocation strategies for backtests.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy turns a point-in-time market snapshot into target weights.
type Strategy interface {
	Name() string
	Description() string
	Parameters() map[string]Parameter
	GenerateSignals(ctx context.Context, snapshot *types.MarketSnapshot, holdings map[string]decimal.Decimal, date time.Time) (types.Weights, error)
}

// Parameter describes a strategy parameter.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"` // "int", "float", "bool", "map"
	Default     any    `json:"default"`
	Current     any    `json:"current"`
}

// Factory builds a strategy from its configured parameters.
type Factory func(logger *zap.Logger, params map[string]any) (Strategy, error)

// Registry manages available strategies.
type Registry struct {
	logger    *zap.Logger
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding the built-in strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}

	r.Register(EqualWeightName, func(l *zap.Logger, _ map[string]any) (Strategy, error) {
		return NewEqualWeight(l), nil
	})
	r.Register(FixedWeightsName, NewFixedWeights)
	r.Register(MomentumName, NewMomentum)

	return r
}

// Register registers a strategy factory, replacing any with the same name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the strategy named by cfg.
func (r *Registry) Create(cfg types.StrategyConfig) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}

	s, err := factory(r.logger.Named(cfg.Name), cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.Name, err)
	}
	return s, nil
}

// List returns all registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pricedTickers returns the snapshot's tickers that have a current price, sorted.
func pricedTickers(snapshot *types.MarketSnapshot) []string {
	tickers := make([]string, 0, len(snapshot.CurrentPrices))
	for ticker, price := range snapshot.CurrentPrices {
		if price.IsPositive() {
			tickers = append(tickers, ticker)
		}
	}
	sort.Strings(tickers)
	return tickers
}

func intParam(params map[string]any, name string, def int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", name, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", name, raw)
	}
}

func floatParam(name string, raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", name, raw)
	}
}

func boolParam(params map[string]any, name string, def bool) (bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	default:
		return false, fmt.Errorf("%s has unsupported type %T", name, raw)
	}
}
