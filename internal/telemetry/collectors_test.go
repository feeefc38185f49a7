package telemetry_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValues flattens gathered counters into name{label} -> value
func counterValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetValue() + "}"
			}
			out[key] = m.GetCounter().GetValue()
		}
	}
	return out
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := telemetry.NewCollectors(reg)
	require.NoError(t, err)

	c.Rebalanced(3, 1, 0)
	c.Rebalanced(0, 2, 1)
	c.StepFailed("strategy")
	c.RunFinished("completed", 2*time.Second)
	c.RunFinished("failed", time.Second)

	values := counterValues(t, reg)
	assert.Equal(t, 2.0, values["backtest_rebalances_total"])
	assert.Equal(t, 3.0, values["backtest_trades_total{buy}"])
	assert.Equal(t, 3.0, values["backtest_trades_total{sell}"])
	assert.Equal(t, 1.0, values["backtest_skipped_buys_total"])
	assert.Equal(t, 1.0, values["backtest_step_failures_total{strategy}"])
	assert.Equal(t, 1.0, values["backtest_runs_total{completed}"])
	assert.Equal(t, 1.0, values["backtest_runs_total{failed}"])
}

func TestCollectorsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := telemetry.NewCollectors(reg)
	require.NoError(t, err)

	_, err = telemetry.NewCollectors(reg)
	assert.Error(t, err)
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *telemetry.Collectors
	assert.NotPanics(t, func() {
		c.Rebalanced(1, 1, 1)
		c.StepFailed("data_provider")
		c.RunFinished("cancelled", time.Millisecond)
	})
}
