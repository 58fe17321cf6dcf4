package report

import (
	"errors"
	"fmt"
	"image/color"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	historyColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	forecastColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// Series is a dated sequence of prices
type Series struct {
	Times  []time.Time
	Values []float64
}

func (s Series) xys() (plotter.XYs, error) {
	if len(s.Times) != len(s.Values) {
		return nil, fmt.Errorf("%d times for %d values", len(s.Times), len(s.Values))
	}
	pts := make(plotter.XYs, len(s.Times))
	for i := range pts {
		pts[i].X = float64(s.Times[i].Unix())
		pts[i].Y = s.Values[i]
	}
	return pts, nil
}

// PlotOptions control the rendered image
type PlotOptions struct {
	Title  string
	Width  vg.Length
	Height vg.Length
}

// DefaultPlotOptions returns a 12x6 inch "Ethereum Price Prediction" chart
func DefaultPlotOptions() PlotOptions {
	return PlotOptions{Title: "Ethereum Price Prediction", Width: 12 * vg.Inch, Height: 6 * vg.Inch}
}

// Plot renders historical closes and the forecast into an image at path.
// The format follows the file extension (png, svg, pdf).
func Plot(path string, history, forecast Series, opts PlotOptions) error {
	if len(history.Times) == 0 && len(forecast.Times) == 0 {
		return errors.New("plot: nothing to draw")
	}

	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "Date"
	p.Y.Label.Text = "Price (USD)"
	p.X.Tick.Marker = plot.TimeTicks{Format: DateLayout}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())

	if len(history.Times) > 0 {
		pts, err := history.xys()
		if err != nil {
			return fmt.Errorf("plot history: %w", err)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot history: %w", err)
		}
		line.LineStyle.Color = historyColor
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("Historical Prices", line)
	}

	if len(forecast.Times) > 0 {
		pts, err := forecast.xys()
		if err != nil {
			return fmt.Errorf("plot forecast: %w", err)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot forecast: %w", err)
		}
		line.LineStyle.Color = forecastColor
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		p.Add(line)
		p.Legend.Add("Forecasted Prices", line)
	}

	if err := p.Save(opts.Width, opts.Height, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
