package trainer

import (
	"ethforecast/internal/dataset"
	"ethforecast/internal/nn"
)

// LogFunc records a metric produced by a step, weighted by batchSize
type LogFunc func(name string, value float64, batchSize int)

// OptimizerConfig is what a module hands the trainer to optimize it
type OptimizerConfig struct {
	Optimizer nn.Optimizer
	// Scheduler is stepped once per epoch; may be nil
	Scheduler nn.Scheduler
	// Monitor names the metric used by early stopping
	Monitor string
}

// Module is a trainable model with explicit step hooks
type Module interface {
	// TrainingStep runs forward and backward on batch, leaving gradients in
	// Parameters, and returns the batch loss.
	TrainingStep(batch dataset.Batch, log LogFunc) (float64, error)
	// ValidationStep returns the batch loss without touching gradients
	ValidationStep(batch dataset.Batch, log LogFunc) (float64, error)
	ConfigureOptimizers() (OptimizerConfig, error)
	Parameters() []*nn.Tensor
	Train(mode bool)
}
