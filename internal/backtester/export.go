package backtester

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// Export file names, shared by the CSV and Parquet writers
const (
	SummaryFile = "summary"
	ValuesFile  = "portfolio_values"
	TradesFile  = "trades"
)

// SummaryRecord is the on-disk schema of the one-row summary table
type SummaryRecord struct {
	ID                string  `parquet:"id"`
	Strategy          string  `parquet:"strategy"`
	InitialCapital    float64 `parquet:"initial_capital"`
	FinalValue        float64 `parquet:"final_value"`
	TotalReturn       float64 `parquet:"total_return"`
	AnnualizedReturn  float64 `parquet:"annualized_return"`
	SharpeRatio       float64 `parquet:"sharpe_ratio"`
	MaxDrawdown       float64 `parquet:"max_drawdown"`
	WinRate           float64 `parquet:"win_rate"`
	NumberOfTrades    int64   `parquet:"number_of_trades"`
	PortfolioTurnover float64 `parquet:"portfolio_turnover"`
}

// ValueRecord is the on-disk schema of one value series row.
// Holdings are stored as a JSON object of ticker to shares.
type ValueRecord struct {
	Date      string  `parquet:"date"`
	Value     float64 `parquet:"value"`
	Cash      float64 `parquet:"cash"`
	Holdings  string  `parquet:"holdings"`
	Synthetic bool    `parquet:"synthetic"`
}

// TradeRecord is the on-disk schema of one trade log row
type TradeRecord struct {
	ID             string  `parquet:"id"`
	Date           string  `parquet:"date"`
	Ticker         string  `parquet:"ticker"`
	Action         string  `parquet:"action"`
	Shares         float64 `parquet:"shares"`
	ExecutionPrice float64 `parquet:"execution_price"`
	GrossValue     float64 `parquet:"gross_value"`
	Commission     float64 `parquet:"commission"`
	SlippageCost   float64 `parquet:"slippage_cost"`
}

// SummaryRecord flattens the summary into a single row
func (r *Results) SummaryRecord() SummaryRecord {
	s := r.Summary()
	return SummaryRecord{
		ID:                r.Config.ID,
		Strategy:          r.Config.Strategy.Name,
		InitialCapital:    s.InitialCapital,
		FinalValue:        s.FinalValue,
		TotalReturn:       s.TotalReturn,
		AnnualizedReturn:  s.AnnualizedReturn,
		SharpeRatio:       s.SharpeRatio,
		MaxDrawdown:       s.MaxDrawdown,
		WinRate:           s.WinRate,
		NumberOfTrades:    int64(s.NumberOfTrades),
		PortfolioTurnover: s.PortfolioTurnover,
	}
}

// ValueRecords flattens the value series
func (r *Results) ValueRecords() ([]ValueRecord, error) {
	records := make([]ValueRecord, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		holdings := make(map[string]float64, len(s.Holdings))
		for ticker, shares := range s.Holdings {
			holdings[ticker] = shares.InexactFloat64()
		}
		encoded, err := json.Marshal(holdings)
		if err != nil {
			return nil, fmt.Errorf("encoding holdings for %s: %w", s.Date.Format(dateLayout), err)
		}
		records = append(records, ValueRecord{
			Date:      s.Date.Format(dateLayout),
			Value:     s.Value.InexactFloat64(),
			Cash:      s.Cash.InexactFloat64(),
			Holdings:  string(encoded),
			Synthetic: s.Synthetic,
		})
	}
	return records, nil
}

// TradeRecords flattens the trade log
func (r *Results) TradeRecords() []TradeRecord {
	records := make([]TradeRecord, 0, len(r.trades))
	for _, t := range r.trades {
		records = append(records, TradeRecord{
			ID:             t.ID,
			Date:           t.Date.Format(dateLayout),
			Ticker:         t.Ticker,
			Action:         string(t.Action),
			Shares:         t.Shares.InexactFloat64(),
			ExecutionPrice: t.ExecutionPrice.InexactFloat64(),
			GrossValue:     t.GrossValue.InexactFloat64(),
			Commission:     t.Commission.InexactFloat64(),
			SlippageCost:   t.SlippageCost.InexactFloat64(),
		})
	}
	return records
}

// ExportParquet writes summary.parquet, portfolio_values.parquet and trades.parquet into dir
func (r *Results) ExportParquet(dir string) error {
	values, err := r.ValueRecords()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := parquet.WriteFile(filepath.Join(dir, SummaryFile+".parquet"), []SummaryRecord{r.SummaryRecord()}); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	if err := parquet.WriteFile(filepath.Join(dir, ValuesFile+".parquet"), values); err != nil {
		return fmt.Errorf("writing value series: %w", err)
	}
	if err := parquet.WriteFile(filepath.Join(dir, TradesFile+".parquet"), r.TradeRecords()); err != nil {
		return fmt.Errorf("writing trade log: %w", err)
	}
	return nil
}

// ExportCSV writes summary.csv, portfolio_values.csv and trades.csv into dir
func (r *Results) ExportCSV(dir string) error {
	values, err := r.ValueRecords()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	s := r.SummaryRecord()
	summaryRows := [][]string{
		{"id", "strategy", "initial_capital", "final_value", "total_return", "annualized_return",
			"sharpe_ratio", "max_drawdown", "win_rate", "number_of_trades", "portfolio_turnover"},
		{s.ID, s.Strategy, ftoa(s.InitialCapital), ftoa(s.FinalValue), ftoa(s.TotalReturn),
			ftoa(s.AnnualizedReturn), ftoa(s.SharpeRatio), ftoa(s.MaxDrawdown), ftoa(s.WinRate),
			strconv.FormatInt(s.NumberOfTrades, 10), ftoa(s.PortfolioTurnover)},
	}
	if err := writeCSV(filepath.Join(dir, SummaryFile+".csv"), summaryRows); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	valueRows := [][]string{{"date", "value", "cash", "holdings", "synthetic"}}
	for _, v := range values {
		valueRows = append(valueRows, []string{
			v.Date, ftoa(v.Value), ftoa(v.Cash), v.Holdings, strconv.FormatBool(v.Synthetic),
		})
	}
	if err := writeCSV(filepath.Join(dir, ValuesFile+".csv"), valueRows); err != nil {
		return fmt.Errorf("writing value series: %w", err)
	}

	tradeRows := [][]string{{"id", "date", "ticker", "action", "shares", "execution_price",
		"gross_value", "commission", "slippage_cost"}}
	for _, t := range r.trades {
		tradeRows = append(tradeRows, []string{
			t.ID, t.Date.Format(dateLayout), t.Ticker, string(t.Action),
			t.Shares.String(), t.ExecutionPrice.String(), t.GrossValue.String(),
			t.Commission.String(), t.SlippageCost.String(),
		})
	}
	if err := writeCSV(filepath.Join(dir, TradesFile+".csv"), tradeRows); err != nil {
		return fmt.Errorf("writing trade log: %w", err)
	}
	return nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
