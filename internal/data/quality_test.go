package data_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func issueTypes(report *data.QualityReport) map[string]int {
	out := make(map[string]int)
	for _, issue := range report.Issues {
		out[issue.Type]++
	}
	return out
}

func TestValidateCleanSeries(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate("AAPL", dailyBars("2023-01-01", 30, 100, 0.5))

	if len(report.Issues) != 0 {
		t.Fatalf("Expected no issues, got %+v", report.Issues)
	}
	if report.QualityScore != 100 || !report.IsUsable {
		t.Errorf("Expected score 100 and usable, got %d/%v", report.QualityScore, report.IsUsable)
	}
	if report.TotalBars != 30 {
		t.Errorf("Expected 30 bars, got %d", report.TotalBars)
	}
}

func TestValidateEmptySeries(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate("AAPL", nil)

	if report.IsUsable {
		t.Error("Empty series should not be usable")
	}
	if issueTypes(report)[data.IssueNoData] != 1 {
		t.Errorf("Expected a NO_DATA issue, got %+v", report.Issues)
	}
}

func TestValidateFlagsProblems(t *testing.T) {
	bars := []types.Bar{
		bar("2023-01-02", 100),
		bar("2023-01-03", 101),
		bar("2023-01-03", 101), // duplicate
		bar("2023-01-20", 102), // 17 day gap
		bar("2023-01-19", 180), // out of order, extreme move
		bar("2023-01-23", 0),   // non-positive
		bar("2023-01-24", 100),
	}
	broken := bar("2023-01-25", 100)
	broken.High = decimal.NewFromInt(90)
	broken.Volume = decimal.Zero
	bars = append(bars, broken)

	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate("X", bars)
	kinds := issueTypes(report)

	for _, want := range []string{
		data.IssueDuplicate, data.IssueGap, data.IssueOutOfOrder,
		data.IssueExtremeMove, data.IssueBadPrice, data.IssueOHLC, data.IssueZeroVolume,
	} {
		if kinds[want] == 0 {
			t.Errorf("Expected a %s issue, got %v", want, kinds)
		}
	}
	if report.IsUsable {
		t.Error("Series with critical issues should not be usable")
	}
	if report.QualityScore != 0 {
		t.Errorf("Expected score 0 for a short broken series, got %d", report.QualityScore)
	}
}

func TestValidateGapThreshold(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	v.MaxGapDays = 3

	// Friday to Monday is 3 days and allowed
	report := v.Validate("X", []types.Bar{bar("2023-01-06", 10), bar("2023-01-09", 10)})
	if len(report.Issues) != 0 {
		t.Errorf("Weekend should not be a gap: %+v", report.Issues)
	}

	report = v.Validate("X", []types.Bar{bar("2023-01-06", 10), bar("2023-01-10", 10)})
	if issueTypes(report)[data.IssueGap] != 1 {
		t.Errorf("Expected one gap, got %+v", report.Issues)
	}
}

func TestCleanData(t *testing.T) {
	wide := bar("2023-01-03", 105)
	wide.High = decimal.NewFromInt(100)
	wide.Low = decimal.NewFromInt(104)

	input := []types.Bar{
		bar("2023-01-04", 107),
		wide,
		bar("2023-01-02", 100),
		bar("2023-01-02", 999),
		bar("2023-01-05", -1),
	}

	v := data.NewQualityValidator(zap.NewNop())
	cleaned := v.CleanData(input)

	if len(cleaned) != 3 {
		t.Fatalf("Expected 3 bars after cleaning, got %d", len(cleaned))
	}
	for i := 1; i < len(cleaned); i++ {
		if !cleaned[i].Date.After(cleaned[i-1].Date) {
			t.Fatalf("Cleaned bars not strictly ascending at %d", i)
		}
	}
	if !cleaned[0].Close.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected first duplicate kept, got %s", cleaned[0].Close)
	}
	if !cleaned[1].High.Equal(decimal.NewFromInt(105)) || !cleaned[1].Low.Equal(decimal.NewFromInt(104)) {
		t.Errorf("Expected high widened to 105 and low kept at 104, got %s/%s", cleaned[1].High, cleaned[1].Low)
	}
	if len(input) != 5 || !input[0].Date.Equal(day("2023-01-04")) {
		t.Error("CleanData must not modify its input")
	}
}
