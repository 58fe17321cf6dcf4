package report

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"ethforecast/pkg/model"
)

// DateLayout is the calendar format used in tables and plots
const DateLayout = "2006-01-02"

// FutureDates returns the n calendar days following last
func FutureDates(last time.Time, n int) []time.Time {
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = last.AddDate(0, 0, i+1)
	}
	return dates
}

// FormatPrice renders p with exactly two decimals
func FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(2)
}

// PrintForecast writes the last known price and the prediction table to w
func PrintForecast(w io.Writer, f model.Forecast) error {
	if _, err := fmt.Fprintf(w, "\nLast known price: $%s\n", FormatPrice(f.LastKnownPrice)); err != nil {
		return fmt.Errorf("write last price: %w", err)
	}
	if _, err := fmt.Fprintln(w, "\nEthereum Price Predictions:"); err != nil {
		return fmt.Errorf("write heading: %w", err)
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Date", "Predicted_Price"}),
	)
	for _, p := range f.Points {
		if err := table.Append([]string{p.Date.Format(DateLayout), "$" + FormatPrice(p.Price)}); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return table.Render()
}
