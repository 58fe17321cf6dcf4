package dataset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// float16 machine epsilon, added to every group scale
const scaleEps = 0.0009765625

// TargetScale is the center and scale used to normalize one group's target
type TargetScale struct {
	Center float64
	Scale  float64
}

// GroupNormalizer standardizes the target per group with statistics fit once
type GroupNormalizer struct {
	scales map[string]TargetScale
}

// FitGroupNormalizer computes the per-group mean and sample standard deviation
// of column over the frame.
func FitGroupNormalizer(frame *Frame, column string) (*GroupNormalizer, error) {
	values := make(map[string][]float64)
	for _, r := range frame.Rows {
		v, err := r.Value(column)
		if err != nil {
			return nil, err
		}
		values[r.Group] = append(values[r.Group], v)
	}

	n := &GroupNormalizer{scales: make(map[string]TargetScale, len(values))}
	for group, vs := range values {
		mean, std := stat.MeanStdDev(vs, nil)
		if math.IsNaN(std) {
			std = 0
		}
		n.scales[group] = TargetScale{Center: mean, Scale: std + scaleEps}
	}
	return n, nil
}

// Scale returns the fitted statistics of group
func (n *GroupNormalizer) Scale(group string) (TargetScale, error) {
	s, ok := n.scales[group]
	if !ok {
		return TargetScale{}, fmt.Errorf("group normalizer: unknown group %q", group)
	}
	return s, nil
}

// Transform normalizes v for group
func (n *GroupNormalizer) Transform(group string, v float64) (float64, error) {
	s, err := n.Scale(group)
	if err != nil {
		return 0, err
	}
	return (v - s.Center) / s.Scale, nil
}

// Inverse maps a normalized value back to the original scale
func (n *GroupNormalizer) Inverse(group string, v float64) (float64, error) {
	s, err := n.Scale(group)
	if err != nil {
		return 0, err
	}
	return v*s.Scale + s.Center, nil
}

// StandardScaler standardizes a real feature with population statistics
type StandardScaler struct {
	Mean  float64
	Scale float64
}

// FitStandardScaler fits a scaler on values; a zero spread maps to scale 1
func FitStandardScaler(values []float64) *StandardScaler {
	if len(values) == 0 {
		return &StandardScaler{Scale: 1}
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	scale := math.Sqrt(variance)
	if scale == 0 || math.IsNaN(scale) {
		scale = 1
	}
	return &StandardScaler{Mean: mean, Scale: scale}
}

// Transform standardizes v
func (s *StandardScaler) Transform(v float64) float64 {
	return (v - s.Mean) / s.Scale
}

// LabelEncoder maps category labels to dense integer codes
type LabelEncoder struct {
	codes map[string]int
}

// FitLabelEncoder assigns codes in the order labels are given
func FitLabelEncoder(labels []string) *LabelEncoder {
	e := &LabelEncoder{codes: make(map[string]int)}
	for _, l := range labels {
		if _, ok := e.codes[l]; !ok {
			e.codes[l] = len(e.codes)
		}
	}
	return e
}

// Encode returns the code of label
func (e *LabelEncoder) Encode(label string) (int, error) {
	c, ok := e.codes[label]
	if !ok {
		return 0, fmt.Errorf("label encoder: unknown category %q", label)
	}
	return c, nil
}

// Cardinality returns the number of known labels
func (e *LabelEncoder) Cardinality() int {
	return len(e.codes)
}
