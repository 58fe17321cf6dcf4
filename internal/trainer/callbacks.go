package trainer

import (
	"fmt"
	"math"
)

// EarlyStoppingConfig configures EarlyStopping
type EarlyStoppingConfig struct {
	Monitor  string
	MinDelta float64
	Patience int
	Mode     string // "min" or "max"
}

// EarlyStopping stops training when the monitored metric stops improving
type EarlyStopping struct {
	cfg  EarlyStoppingConfig
	best float64
	wait int
}

// NewEarlyStopping validates cfg and returns a fresh callback
func NewEarlyStopping(cfg EarlyStoppingConfig) (*EarlyStopping, error) {
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("early stopping: negative patience %d", cfg.Patience)
	}
	best := math.Inf(1)
	switch cfg.Mode {
	case "min", "":
		cfg.Mode = "min"
	case "max":
		best = math.Inf(-1)
	default:
		return nil, fmt.Errorf("early stopping: unknown mode %q", cfg.Mode)
	}
	return &EarlyStopping{cfg: cfg, best: best}, nil
}

// Update records value and reports whether training should stop.
// An improvement must beat the best value by more than MinDelta.
func (e *EarlyStopping) Update(value float64) bool {
	improved := value < e.best-e.cfg.MinDelta
	if e.cfg.Mode == "max" {
		improved = value > e.best+e.cfg.MinDelta
	}
	if improved {
		e.best = value
		e.wait = 0
		return false
	}
	e.wait++
	return e.wait >= e.cfg.Patience
}

// Best returns the best value seen so far
func (e *EarlyStopping) Best() float64 {
	return e.best
}

// Wait returns the number of epochs since the last improvement
func (e *EarlyStopping) Wait() int {
	return e.wait
}

// metricAccumulator averages logged metrics over an epoch, weighting each
// value by its batch size.
type metricAccumulator struct {
	sums    map[string]float64
	weights map[string]int
}

func newMetricAccumulator() *metricAccumulator {
	return &metricAccumulator{sums: make(map[string]float64), weights: make(map[string]int)}
}

func (a *metricAccumulator) Log(name string, value float64, batchSize int) {
	a.sums[name] += value * float64(batchSize)
	a.weights[name] += batchSize
}

func (a *metricAccumulator) Mean(name string) (float64, bool) {
	w := a.weights[name]
	if w == 0 {
		return 0, false
	}
	return a.sums[name] / float64(w), true
}
