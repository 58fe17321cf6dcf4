package tft

import (
	"errors"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"ethforecast/internal/dataset"
	"ethforecast/internal/nn"
	"ethforecast/internal/trainer"
)

// OptimizerOptions configure the optimizer built by the training adapter
type OptimizerOptions struct {
	LearningRate float64
	WeightDecay  float64
	TMax         int
	EtaMin       float64
}

// DefaultOptimizerOptions returns AdamW(1e-3, wd 1e-5) with a 10 epoch cosine cycle
func DefaultOptimizerOptions() OptimizerOptions {
	return OptimizerOptions{LearningRate: 1e-3, WeightDecay: 1e-5, TMax: 10}
}

// LightningModule adapts a Model to the trainer
type LightningModule struct {
	model    *Model
	opts     OptimizerOptions
	rng      *rand.Rand
	training bool
	workers  int
	shards   []*nn.Grads
}

var _ trainer.Module = (*LightningModule)(nil)

// NewLightningModule wraps model. rng drives dropout in training mode.
// Batches are spread over GOMAXPROCS workers; see SetWorkers.
func NewLightningModule(model *Model, opts OptimizerOptions, rng *rand.Rand) *LightningModule {
	return &LightningModule{model: model, opts: opts, rng: rng, training: true, workers: runtime.GOMAXPROCS(0)}
}

// SetWorkers sets how many samples of a batch run concurrently. Values below
// one select GOMAXPROCS. Every worker beyond the first holds a private copy
// of the parameter gradients.
func (l *LightningModule) SetWorkers(n int) {
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	l.workers = n
}

// Workers returns the configured concurrency
func (l *LightningModule) Workers() int {
	return l.workers
}

// Train switches between training (dropout on) and evaluation mode
func (l *LightningModule) Train(mode bool) {
	l.training = mode
}

func (l *LightningModule) Parameters() []*nn.Tensor {
	return l.model.Parameters()
}

// TrainingStep accumulates the gradient of the batch mean loss into the
// parameters and returns that mean.
func (l *LightningModule) TrainingStep(batch dataset.Batch, log trainer.LogFunc) (float64, error) {
	rng := l.rng
	if !l.training {
		rng = nil
	}
	loss, err := l.step(batch, rng, true)
	if err != nil {
		return 0, err
	}
	log("train_loss", loss, len(batch))
	return loss, nil
}

// ValidationStep returns the batch mean loss in evaluation mode
func (l *LightningModule) ValidationStep(batch dataset.Batch, log trainer.LogFunc) (float64, error) {
	loss, err := l.step(batch, nil, false)
	if err != nil {
		return 0, err
	}
	log("val_loss", loss, len(batch))
	return loss, nil
}

func (l *LightningModule) step(batch dataset.Batch, rng *rand.Rand, backward bool) (float64, error) {
	if len(batch) == 0 {
		return 0, errors.New("empty batch")
	}
	criterion := l.model.Loss()
	var elements int
	for _, s := range batch {
		elements += criterion.Elements(s.DecoderLength)
	}
	scale := 1 / float64(elements)

	// dropout streams are drawn up front so results do not depend on scheduling
	var seeds []uint64
	if rng != nil {
		seeds = make([]uint64, len(batch))
		for i := range seeds {
			seeds[i] = rng.Uint64()
		}
	}

	workers := min(l.workers, len(batch))
	var shards []*nn.Grads
	if backward && workers > 1 {
		shards = l.gradShards(workers)
	}

	losses := make([]float64, len(batch))
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		var grads *nn.Grads
		if shards != nil {
			grads = shards[w]
		}
		g.Go(func() error {
			for i := w; i < len(batch); i += workers {
				var sampleRNG *rand.Rand
				if seeds != nil {
					sampleRNG = rand.New(rand.NewPCG(seeds[i], uint64(i)))
				}
				out, err := l.model.Forward(batch[i], sampleRNG)
				if err != nil {
					return err
				}
				loss := criterion.Sum(out.Prediction, batch[i].Target)
				losses[i] = loss.Item()
				if backward {
					nn.BackwardInto(loss, scale, grads)
				} else {
					nn.Detach(loss)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, shard := range shards {
		shard.AddTo()
	}
	return floats.Sum(losses) * scale, nil
}

// gradShards returns n zeroed gradient buffers, reusing earlier allocations
func (l *LightningModule) gradShards(n int) []*nn.Grads {
	for len(l.shards) < n {
		l.shards = append(l.shards, nn.NewGrads(l.model.Parameters()))
	}
	shards := l.shards[:n]
	for _, s := range shards {
		s.Zero()
	}
	return shards
}

// ConfigureOptimizers returns AdamW with cosine annealing, monitoring val_loss
func (l *LightningModule) ConfigureOptimizers() (trainer.OptimizerConfig, error) {
	if l.opts.LearningRate <= 0 {
		return trainer.OptimizerConfig{}, errors.New("learning rate must be positive")
	}
	if l.opts.TMax < 1 {
		return trainer.OptimizerConfig{}, errors.New("cosine T_max must be positive")
	}
	opt := nn.NewAdamW(l.model.Parameters(), l.opts.LearningRate, l.opts.WeightDecay)
	return trainer.OptimizerConfig{
		Optimizer: opt,
		Scheduler: nn.NewCosineAnnealingLR(opt, l.opts.TMax, l.opts.EtaMin),
		Monitor:   "val_loss",
	}, nil
}
