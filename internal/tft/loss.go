package tft

import (
	"ethforecast/internal/nn"
)

// QuantileLoss is the pinball loss over a fixed set of quantiles. Only the
// first len(Quantiles) output columns are scored.
type QuantileLoss struct {
	Quantiles []float64
}

// Sum returns the summed loss of pred (steps x outputs) against target
func (l QuantileLoss) Sum(pred *nn.Tensor, target []float64) *nn.Tensor {
	return nn.Pinball(pred, target, l.Quantiles)
}

// Elements is the number of loss terms for steps decoder steps
func (l QuantileLoss) Elements(steps int) int {
	return steps * len(l.Quantiles)
}

// Value returns the mean loss of pred against target
func (l QuantileLoss) Value(pred *nn.Tensor, target []float64) float64 {
	if len(target) == 0 {
		return 0
	}
	return l.Sum(pred, target).Item() / float64(l.Elements(len(target)))
}

// PointIndex is the output column holding the median, falling back to the
// middle quantile when 0.5 is not configured.
func (l QuantileLoss) PointIndex() int {
	for i, q := range l.Quantiles {
		if q == 0.5 {
			return i
		}
	}
	return len(l.Quantiles) / 2
}

// ToPrediction extracts the point forecast of every step
func (l QuantileLoss) ToPrediction(pred *nn.Tensor) []float64 {
	idx := l.PointIndex()
	out := make([]float64, pred.Rows)
	for i := range out {
		out[i] = pred.At(i, idx)
	}
	return out
}

// ToQuantiles returns the quantile columns of every step
func (l QuantileLoss) ToQuantiles(pred *nn.Tensor) [][]float64 {
	out := make([][]float64, pred.Rows)
	for i := range out {
		out[i] = make([]float64, len(l.Quantiles))
		for k := range l.Quantiles {
			out[i][k] = pred.At(i, k)
		}
	}
	return out
}
