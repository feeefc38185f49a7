// Package telemetry exposes prometheus collectors for backtest runs.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backtest"

// Collectors groups the counters and histograms updated by the engine.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	runs         *prometheus.CounterVec
	rebalances   prometheus.Counter
	trades       *prometheus.CounterVec
	skippedBuys  prometheus.Counter
	stepFailures *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// NewCollectors creates the collectors and registers them on reg
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Backtest runs by final status.",
		}, []string{"status"}),
		rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Rebalance steps executed.",
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Simulated trades by action.",
		}, []string{"action"}),
		skippedBuys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_buys_total",
			Help:      "Buys skipped for insufficient cash.",
		}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Collaborator failures on a rebalance date.",
		}, []string{"collaborator"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of backtest runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.runs, c.rebalances, c.trades, c.skippedBuys, c.stepFailures, c.runDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RunFinished records the outcome and duration of a run
func (c *Collectors) RunFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// Rebalanced records one rebalance step with its trade counts
func (c *Collectors) Rebalanced(buys, sells, skipped int) {
	if c == nil {
		return
	}
	c.rebalances.Inc()
	c.trades.WithLabelValues("buy").Add(float64(buys))
	c.trades.WithLabelValues("sell").Add(float64(sells))
	c.skippedBuys.Add(float64(skipped))
}

// StepFailed records a collaborator failure
func (c *Collectors) StepFailed(collaborator string) {
	if c == nil {
		return
	}
	c.stepFailures.WithLabelValues(collaborator).Inc()
}
