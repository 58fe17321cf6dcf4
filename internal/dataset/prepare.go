package dataset

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ethforecast/pkg/model"
)

// Row is a price bar enriched with its day offset and series label
type Row struct {
	model.Candle
	TimeIdx int
	Group   string
}

// Value returns the named column of the row
func (r Row) Value(column string) (float64, error) {
	switch column {
	case "open":
		return r.Open, nil
	case "high":
		return r.High, nil
	case "low":
		return r.Low, nil
	case "close":
		return r.Close, nil
	case "volumeto", "volume":
		return r.Volume, nil
	case "time_idx":
		return float64(r.TimeIdx), nil
	}
	return 0, fmt.Errorf("unknown column %q", column)
}

// Frame is an ordered time series table
type Frame struct {
	Rows []Row
}

// Prepare derives time_idx (whole days since the first bar) and assigns every
// bar to group. Candles are sorted by time first.
func Prepare(candles []model.Candle, group string) (*Frame, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles", ErrInsufficientData)
	}

	sorted := make([]model.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	first := sorted[0].Time
	rows := make([]Row, len(sorted))
	for i, c := range sorted {
		rows[i] = Row{
			Candle:  c,
			TimeIdx: int(math.Floor(c.Time.Sub(first).Hours() / 24)),
			Group:   group,
		}
	}
	return &Frame{Rows: rows}, nil
}

// Len returns the number of rows
func (f *Frame) Len() int {
	return len(f.Rows)
}

// Last returns the most recent row
func (f *Frame) Last() Row {
	return f.Rows[len(f.Rows)-1]
}

// MaxTime returns the latest timestamp in the frame
func (f *Frame) MaxTime() time.Time {
	var latest time.Time
	for _, r := range f.Rows {
		if r.Time.After(latest) {
			latest = r.Time
		}
	}
	return latest
}

// TrainingCutoff returns max(time) minus horizon days
func (f *Frame) TrainingCutoff(horizon int) time.Time {
	return f.MaxTime().Add(-time.Duration(horizon) * 24 * time.Hour)
}

// Split partitions the frame into rows at or before cutoff and rows after it
func (f *Frame) Split(cutoff time.Time) (train, heldOut *Frame) {
	train, heldOut = &Frame{}, &Frame{}
	for _, r := range f.Rows {
		if r.Time.After(cutoff) {
			heldOut.Rows = append(heldOut.Rows, r)
		} else {
			train.Rows = append(train.Rows, r)
		}
	}
	return train, heldOut
}

// Times returns the timestamps of all rows
func (f *Frame) Times() []time.Time {
	out := make([]time.Time, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Time
	}
	return out
}

// Closes returns the close prices of all rows
func (f *Frame) Closes() []float64 {
	out := make([]float64, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Close
	}
	return out
}
