package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue kinds reported by the QualityValidator
const (
	IssueNoData       = "NO_DATA"
	IssueGap          = "GAP_DETECTED"
	IssueBadPrice     = "NON_POSITIVE_PRICE"
	IssueExtremeMove  = "EXTREME_MOVE"
	IssueOHLC         = "OHLC_INCONSISTENT"
	IssueDuplicate    = "DUPLICATE_DATE"
	IssueOutOfOrder   = "OUT_OF_ORDER"
	IssueZeroVolume   = "ZERO_VOLUME"
	SeverityCritical  = "critical"
	SeverityHigh      = "high"
	SeverityMedium    = "medium"
	SeverityLow       = "low"
	minUsableScore    = 70
	penaltyScaleBars  = 100.0
	penaltyMultiplier = 10.0
)

// QualityValidator checks daily bar series before they are imported
type QualityValidator struct {
	logger *zap.Logger

	// MaxGapDays is the longest calendar gap between bars before it is flagged.
	MaxGapDays int
	// MaxDailyMove is the largest close-to-close move accepted as real.
	MaxDailyMove float64
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	Message  string    `json:"message"`
	BarIndex int       `json:"barIndex"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"`
	IsUsable     bool        `json:"isUsable"`
	StartDate    time.Time   `json:"startDate"`
	EndDate      time.Time   `json:"endDate"`
}

// NewQualityValidator creates a validator with equity market defaults
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:       logger,
		MaxGapDays:   5,
		MaxDailyMove: 0.5,
	}
}

// Validate runs all quality checks on a bar series in the given order
func (v *QualityValidator) Validate(symbol string, bars []types.Bar) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol: symbol,
			Issues: []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "no bars"}},
		}
	}

	var issues []DataIssue
	issues = append(issues, v.checkOrder(symbol, bars)...)
	issues = append(issues, v.checkPrices(symbol, bars)...)
	issues = append(issues, v.checkGaps(symbol, bars)...)

	score := qualityScore(len(bars), issues)
	report := &QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= minUsableScore && !hasCritical(issues),
		StartDate:    bars[0].Date,
		EndDate:      bars[len(bars)-1].Date,
	}

	if len(issues) > 0 {
		v.logger.Warn("Data quality issues",
			zap.String("symbol", symbol),
			zap.Int("issues", len(issues)),
			zap.Int("score", score),
			zap.Bool("usable", report.IsUsable),
		)
	}
	return report
}

// checkOrder flags duplicate and out-of-order dates
func (v *QualityValidator) checkOrder(symbol string, bars []types.Bar) []DataIssue {
	var issues []DataIssue
	seen := make(map[string]int, len(bars))
	for i, bar := range bars {
		day := bar.Date.Format(dateLayout)
		if first, dup := seen[day]; dup {
			issues = append(issues, DataIssue{
				Type: IssueDuplicate, Severity: SeverityHigh, Date: bar.Date, Symbol: symbol, BarIndex: i,
				Message: fmt.Sprintf("duplicate of bar %d", first),
			})
		} else {
			seen[day] = i
		}
		if i > 0 && bar.Date.Before(bars[i-1].Date) {
			issues = append(issues, DataIssue{
				Type: IssueOutOfOrder, Severity: SeverityCritical, Date: bar.Date, Symbol: symbol, BarIndex: i,
				Message: "bar is out of chronological order",
			})
		}
	}
	return issues
}

// checkPrices flags non-positive prices, broken OHLC ranges and extreme moves
func (v *QualityValidator) checkPrices(symbol string, bars []types.Bar) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type: IssueBadPrice, Severity: SeverityCritical, Date: bar.Date, Symbol: symbol, BarIndex: i,
				Message: "zero or negative price",
			})
			continue
		}

		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) ||
			bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
			issues = append(issues, DataIssue{
				Type: IssueOHLC, Severity: SeverityMedium, Date: bar.Date, Symbol: symbol, BarIndex: i,
				Message: fmt.Sprintf("O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}

		if bar.Volume.IsZero() {
			issues = append(issues, DataIssue{
				Type: IssueZeroVolume, Severity: SeverityLow, Date: bar.Date, Symbol: symbol, BarIndex: i,
				Message: "zero volume",
			})
		}

		if i > 0 && bars[i-1].Close.IsPositive() {
			move := math.Abs(bar.Close.Div(bars[i-1].Close).InexactFloat64() - 1)
			if move > v.MaxDailyMove {
				issues = append(issues, DataIssue{
					Type: IssueExtremeMove, Severity: SeverityHigh, Date: bar.Date, Symbol: symbol, BarIndex: i,
					Message: fmt.Sprintf("close moved %.1f%% in one bar", move*100),
				})
			}
		}
	}
	return issues
}

// checkGaps flags calendar gaps longer than MaxGapDays
func (v *QualityValidator) checkGaps(symbol string, bars []types.Bar) []DataIssue {
	if v.MaxGapDays <= 0 {
		return nil
	}
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		days := int(bars[i].Date.Sub(bars[i-1].Date).Hours() / 24)
		if days <= v.MaxGapDays {
			continue
		}
		severity := SeverityMedium
		if days > 4*v.MaxGapDays {
			severity = SeverityHigh
		}
		issues = append(issues, DataIssue{
			Type: IssueGap, Severity: severity, Date: bars[i-1].Date, Symbol: symbol, BarIndex: i - 1,
			Message: fmt.Sprintf("%d day gap", days),
		})
	}
	return issues
}

// CleanData sorts bars, drops duplicates and bars with non-positive prices,
// and widens high/low to cover open and close.
func (v *QualityValidator) CleanData(bars []types.Bar) []types.Bar {
	sorted := append([]types.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	cleaned := make([]types.Bar, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, bar := range sorted {
		day := bar.Date.Format(dateLayout)
		if seen[day] {
			continue
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}
		seen[day] = true

		bar.High = decimal.Max(bar.High, bar.Open, bar.Close)
		bar.Low = decimal.Min(bar.Low, bar.Open, bar.Close)
		cleaned = append(cleaned, bar)
	}

	v.logger.Debug("Data cleaning complete",
		zap.Int("originalBars", len(bars)),
		zap.Int("cleanedBars", len(cleaned)),
	)
	return cleaned
}

// qualityScore returns 0-100, penalising issues by severity relative to series length
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	var penalty float64
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/penaltyScaleBars) * penaltyMultiplier
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
