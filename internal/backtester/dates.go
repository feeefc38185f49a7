package backtester

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// frequencyMonths returns the step size of a rebalance frequency in months
func frequencyMonths(freq types.RebalanceFrequency) (int, error) {
	switch freq {
	case types.FrequencyMonthly:
		return 1, nil
	case types.FrequencyQuarterly:
		return 3, nil
	case types.FrequencyAnnually:
		return 12, nil
	default:
		return 0, &ConfigurationError{
			Field:  "rebalance_frequency",
			Reason: fmt.Sprintf("unknown frequency %q (want monthly, quarterly or annually)", freq),
		}
	}
}

// GenerateRebalanceDates returns the ascending rebalance dates in [start, end].
// The first date is always start when start <= end.
func GenerateRebalanceDates(start, end time.Time, freq types.RebalanceFrequency) ([]time.Time, error) {
	months, err := frequencyMonths(freq)
	if err != nil {
		return nil, err
	}

	var dates []time.Time
	// Offsets are taken from start so a month-end start does not drift.
	for k := 0; ; k++ {
		current := addMonthsClamped(start, k*months)
		if current.After(end) {
			break
		}
		dates = append(dates, current)
	}

	return dates, nil
}

// addMonthsClamped adds n months, clamping the day to the target month's length
func addMonthsClamped(t time.Time, n int) time.Time {
	if n == 0 {
		return t
	}
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(n), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}
