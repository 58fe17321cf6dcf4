package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"ethforecast/internal/dataset"
	"ethforecast/internal/nn"
)

// ErrNonFiniteLoss means a step produced a NaN or infinite loss or gradient
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Stop reasons reported in Result
const (
	StopMaxEpochs     = "max_epochs"
	StopEarlyStopping = "early_stopping"
)

// Config controls a training run
type Config struct {
	MaxEpochs       int
	GradientClipVal float64
	LogEveryNSteps  int
	EarlyStopping   EarlyStoppingConfig
	Device          Device
	// ProgressBar enables the per-epoch progress bar on ProgressOutput
	ProgressBar    bool
	ProgressOutput io.Writer
}

// DefaultConfig returns the production trainer settings
func DefaultConfig() Config {
	return Config{
		MaxEpochs:       100,
		GradientClipVal: 0.1,
		LogEveryNSteps:  1,
		EarlyStopping: EarlyStoppingConfig{
			Monitor:  "val_loss",
			MinDelta: 1e-4,
			Patience: 10,
			Mode:     "min",
		},
		Device:         CPU,
		ProgressBar:    true,
		ProgressOutput: os.Stderr,
	}
}

// EpochMetrics are the aggregated metrics of one epoch
type EpochMetrics struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	LR        float64
	Duration  time.Duration
}

// Result summarizes a finished run
type Result struct {
	Epochs     int
	Steps      int
	BestScore  float64
	BestEpoch  int
	StopReason string
	LRHistory  []float64
	History    []EpochMetrics
}

// Trainer runs the epoch loop
type Trainer struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a trainer
func New(cfg Config, logger zerolog.Logger) *Trainer {
	if cfg.LogEveryNSteps < 1 {
		cfg.LogEveryNSteps = 1
	}
	if cfg.ProgressOutput == nil {
		cfg.ProgressOutput = os.Stderr
	}
	return &Trainer{cfg: cfg, logger: logger.With().Str("component", "trainer").Logger()}
}

// Fit trains module on train and evaluates it on val after every epoch
func (t *Trainer) Fit(ctx context.Context, module Module, train, val *dataset.Loader) (*Result, error) {
	if t.cfg.MaxEpochs < 1 {
		return nil, fmt.Errorf("max epochs must be positive, got %d", t.cfg.MaxEpochs)
	}
	optCfg, err := module.ConfigureOptimizers()
	if err != nil {
		return nil, fmt.Errorf("configure optimizers: %w", err)
	}
	if optCfg.Optimizer == nil {
		return nil, errors.New("configure optimizers: no optimizer")
	}
	esCfg := t.cfg.EarlyStopping
	if esCfg.Monitor == "" {
		esCfg.Monitor = optCfg.Monitor
	}
	stopper, err := NewEarlyStopping(esCfg)
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("device", string(t.cfg.Device)).
		Str("optimizer", optCfg.Optimizer.Name()).
		Float64("lr", optCfg.Optimizer.LearningRate()).
		Int("max_epochs", t.cfg.MaxEpochs).
		Int("train_batches", train.Len()).
		Int("val_batches", val.Len()).
		Msg("Starting training")

	result := &Result{BestScore: stopper.Best(), StopReason: StopMaxEpochs}
	params := module.Parameters()

	for epoch := 0; epoch < t.cfg.MaxEpochs; epoch++ {
		start := time.Now()
		metrics := newMetricAccumulator()

		if err := t.trainEpoch(ctx, epoch, module, optCfg.Optimizer, params, train, metrics, result); err != nil {
			return nil, err
		}
		if err := t.validate(ctx, module, val, metrics); err != nil {
			return nil, err
		}

		lr := optCfg.Optimizer.LearningRate()
		trainLoss, _ := metrics.Mean("train_loss")
		valLoss, _ := metrics.Mean("val_loss")
		result.History = append(result.History, EpochMetrics{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			ValLoss:   valLoss,
			LR:        lr,
			Duration:  time.Since(start),
		})
		result.Epochs = epoch + 1

		monitored, ok := metrics.Mean(esCfg.Monitor)
		if !ok {
			return nil, fmt.Errorf("early stopping: metric %q was never logged", esCfg.Monitor)
		}
		if math.IsNaN(monitored) || math.IsInf(monitored, 0) {
			return nil, fmt.Errorf("%w: %s = %v at epoch %d", ErrNonFiniteLoss, esCfg.Monitor, monitored, epoch)
		}

		t.logger.Info().
			Int("epoch", epoch).
			Float64("train_loss", trainLoss).
			Float64("val_loss", valLoss).
			Float64("lr", lr).
			Dur("elapsed", time.Since(start)).
			Msg("Epoch finished")

		if optCfg.Scheduler != nil {
			optCfg.Scheduler.Step()
		}

		prevBest := stopper.Best()
		stop := stopper.Update(monitored)
		if stopper.Best() != prevBest {
			result.BestScore = stopper.Best()
			result.BestEpoch = epoch
		}
		if stop {
			result.StopReason = StopEarlyStopping
			t.logger.Info().
				Int("epoch", epoch).
				Int("patience", esCfg.Patience).
				Float64("best", stopper.Best()).
				Msg("Early stopping")
			break
		}
	}
	return result, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, module Module, opt nn.Optimizer, params []*nn.Tensor,
	loader *dataset.Loader, metrics *metricAccumulator, result *Result) error {
	module.Train(true)
	batches, err := loader.Batches(ctx)
	if err != nil {
		return fmt.Errorf("load training batches: %w", err)
	}

	var bar *progressbar.ProgressBar
	if t.cfg.ProgressBar {
		bar = progressbar.NewOptions(len(batches),
			progressbar.OptionSetWriter(t.cfg.ProgressOutput),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", epoch)),
		)
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt.ZeroGrad()
		loss, err := module.TrainingStep(batch, metrics.Log)
		if err != nil {
			return fmt.Errorf("training step %d: %w", result.Steps, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) || !nn.GradsFinite(params) {
			return fmt.Errorf("%w at step %d (loss %v)", ErrNonFiniteLoss, result.Steps, loss)
		}
		if t.cfg.GradientClipVal > 0 {
			norm := nn.ClipGradNorm(params, t.cfg.GradientClipVal)
			t.logger.Trace().Float64("grad_norm", norm).Int("step", result.Steps).Msg("Clipped gradients")
		}
		opt.Step()
		result.Steps++

		if result.Steps%t.cfg.LogEveryNSteps == 0 {
			lr := opt.LearningRate()
			result.LRHistory = append(result.LRHistory, lr)
			t.logger.Debug().
				Int("step", result.Steps).
				Float64("lr-"+opt.Name(), lr).
				Float64("train_loss", loss).
				Msg("Step")
		}
		if bar != nil {
			bar.Describe(fmt.Sprintf("Epoch %d loss=%.4f", epoch, loss))
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(t.cfg.ProgressOutput)
	}
	return nil
}

func (t *Trainer) validate(ctx context.Context, module Module, loader *dataset.Loader, metrics *metricAccumulator) error {
	module.Train(false)
	defer module.Train(true)

	batches, err := loader.Batches(ctx)
	if err != nil {
		return fmt.Errorf("load validation batches: %w", err)
	}
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := module.ValidationStep(batch, metrics.Log); err != nil {
			return fmt.Errorf("validation step: %w", err)
		}
	}
	return nil
}
