package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"ethforecast/internal/config"
	"ethforecast/internal/dataset"
	"ethforecast/internal/provider"
	"ethforecast/internal/report"
	"ethforecast/internal/tft"
	"ethforecast/internal/trainer"
	"ethforecast/pkg/model"
)

// Deps are the collaborators a run needs besides its configuration
type Deps struct {
	// Provider overrides the provider built from the config
	Provider provider.Provider
	// Stdout receives the forecast table
	Stdout io.Writer
	// Progress receives the training progress bar
	Progress io.Writer
	Logger   zerolog.Logger
}

// Outcome is everything a run produced
type Outcome struct {
	Device   trainer.Device
	Frame    *dataset.Frame
	Training *trainer.Result
	Forecast model.Forecast
	PlotPath string
}

// NewProvider builds the configured price history provider, chained with the
// fallback source and wrapped in the disk cache when those are set.
func NewProvider(cfg config.DataConfig) (provider.Provider, error) {
	p, err := newSource(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback != "" && cfg.Fallback != cfg.Provider {
		// the base URL belongs to the primary source
		secondary := cfg
		secondary.BaseURL = ""
		fb, err := newSource(cfg.Fallback, secondary)
		if err != nil {
			return nil, err
		}
		p = provider.NewFallbackProvider(p, fb)
	}
	if cfg.CacheDir != "" && cfg.CacheTTL > 0 {
		p = provider.NewCachingProvider(p, cfg.CacheDir, cfg.CacheTTL)
	}
	return p, nil
}

func newSource(name string, cfg config.DataConfig) (provider.Provider, error) {
	switch name {
	case "cryptocompare", "":
		return provider.NewCryptoCompareProvider(provider.CryptoCompareOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
		}), nil
	case "yahoo":
		return provider.NewYahooProvider(provider.YahooOptions{
			BaseURL:   cfg.BaseURL,
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Fetch downloads the daily price history
func Fetch(ctx context.Context, p provider.Provider, cfg config.DataConfig) ([]model.Candle, error) {
	pair := model.Pair{Base: cfg.Symbol, Quote: cfg.Currency}
	candles, err := p.GetDailyCandles(ctx, pair, cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetching %s history: %w", pair, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("fetching %s history: %w", pair, provider.ErrMissingData)
	}
	return candles, nil
}

// Prepare derives time_idx and the group column
func Prepare(candles []model.Candle, cfg config.DataConfig) (*dataset.Frame, error) {
	frame, err := dataset.Prepare(candles, cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("preparing features: %w", err)
	}
	return frame, nil
}

// Datasets holds the windowed datasets and their loaders
type Datasets struct {
	Frame       *dataset.Frame
	Cutoff      time.Time
	Training    *dataset.TimeSeriesDataSet
	Validation  *dataset.TimeSeriesDataSet
	TrainLoader *dataset.Loader
	ValLoader   *dataset.Loader
}

// DatasetParams maps the config onto dataset construction parameters
func DatasetParams(cfg config.DatasetConfig) dataset.Params {
	p := dataset.DefaultParams()
	p.MaxEncoderLength = cfg.MaxEncoderLength
	p.MinEncoderLength = cfg.MinEncoderLength
	p.MaxPredictionLength = cfg.MaxPredictionLength
	p.MinPredictionLength = cfg.MinPredictionLength
	return p
}

// BuildDatasets splits frame at the training cutoff, fits the training dataset
// and derives the predict-mode validation dataset from the full frame.
func BuildDatasets(frame *dataset.Frame, cfg config.DatasetConfig, rng *rand.Rand) (*Datasets, error) {
	cutoff := frame.TrainingCutoff(cfg.MaxPredictionLength)
	train, _ := frame.Split(cutoff)
	if train.Len() == 0 {
		return nil, fmt.Errorf("building training dataset: %w: no rows before %s", dataset.ErrInsufficientData, cutoff.Format(report.DateLayout))
	}

	training, err := dataset.New(train, DatasetParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("building training dataset: %w", err)
	}
	validation, err := dataset.FromDataset(training, frame, dataset.FromOptions{Predict: true, StopRandomization: true})
	if err != nil {
		return nil, fmt.Errorf("building validation dataset: %w", err)
	}

	return &Datasets{
		Frame:       frame,
		Cutoff:      cutoff,
		Training:    training,
		Validation:  validation,
		TrainLoader: training.ToDataLoader(true, cfg.BatchSize, cfg.Workers, rng),
		ValLoader:   validation.ToDataLoader(false, cfg.BatchSize, cfg.Workers, nil),
	}, nil
}

// HParams maps the config onto network hyperparameters
func HParams(cfg config.ModelConfig) tft.HParams {
	return tft.HParams{
		HiddenSize:              cfg.HiddenSize,
		LSTMLayers:              cfg.LSTMLayers,
		Dropout:                 cfg.Dropout,
		OutputSize:              cfg.OutputSize,
		HiddenContinuousSize:    cfg.HiddenContinuousSize,
		AttentionHeadSize:       cfg.AttentionHeadSize,
		Quantiles:               append([]float64{}, cfg.Quantiles...),
		LearningRate:            cfg.LearningRate,
		ReduceOnPlateauPatience: cfg.ReduceOnPlateauPatience,
	}
}

// BuildModel creates the network from the training dataset
func BuildModel(ds *Datasets, cfg config.ModelConfig, rng *rand.Rand) (*tft.Model, error) {
	m, err := tft.FromDataset(ds.Training, HParams(cfg), rng)
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	return m, nil
}

// TrainerConfig maps the config onto trainer settings
func TrainerConfig(cfg config.TrainerConfig, device trainer.Device, progress io.Writer) trainer.Config {
	return trainer.Config{
		MaxEpochs:       cfg.MaxEpochs,
		GradientClipVal: cfg.GradientClipVal,
		LogEveryNSteps:  cfg.LogEveryNSteps,
		EarlyStopping: trainer.EarlyStoppingConfig{
			Monitor:  cfg.EarlyStopping.Monitor,
			MinDelta: cfg.EarlyStopping.MinDelta,
			Patience: cfg.EarlyStopping.Patience,
			Mode:     cfg.EarlyStopping.Mode,
		},
		Device:         device,
		ProgressBar:    cfg.ProgressBar,
		ProgressOutput: progress,
	}
}

// Train fits the model on the training loader, validating every epoch
func Train(ctx context.Context, m *tft.Model, ds *Datasets, cfg *config.Config, device trainer.Device,
	progress io.Writer, logger zerolog.Logger, rng *rand.Rand) (*trainer.Result, error) {
	module := tft.NewLightningModule(m, tft.OptimizerOptions{
		LearningRate: cfg.Optimizer.LearningRate,
		WeightDecay:  cfg.Optimizer.WeightDecay,
		TMax:         cfg.Optimizer.TMax,
		EtaMin:       cfg.Optimizer.EtaMin,
	}, rng)
	module.SetWorkers(cfg.Trainer.Workers)
	logger.Debug().Int("workers", module.Workers()).Msg("Training adapter ready")

	result, err := trainer.New(TrainerConfig(cfg.Trainer, device, progress), logger).
		Fit(ctx, module, ds.TrainLoader, ds.ValLoader)
	if err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}
	return result, nil
}

// Predict forecasts the days following the last observation. The point
// forecast of the first validation sample is paired with calendar days after
// the last known date.
func Predict(ctx context.Context, m *tft.Model, ds *Datasets, pair model.Pair) (model.Forecast, error) {
	preds, err := m.Predict(ctx, ds.ValLoader)
	if err != nil {
		return model.Forecast{}, fmt.Errorf("predicting: %w", err)
	}
	if len(preds) == 0 {
		return model.Forecast{}, errors.New("predicting: validation loader produced no samples")
	}

	last := ds.Frame.Last()
	first := preds[0]
	forecast := model.Forecast{
		Pair:           pair,
		LastKnownDate:  last.Time,
		LastKnownPrice: last.Close,
		Quantiles:      append([]float64{}, m.HParams().Quantiles...),
	}
	for i, date := range report.FutureDates(last.Time, len(first.Point)) {
		forecast.Points = append(forecast.Points, model.ForecastPoint{
			Date:      date,
			Price:     first.Point[i],
			Quantiles: first.Quantiles[i],
		})
	}
	return forecast, nil
}

// Report prints the forecast and, when enabled, renders the plot. It returns
// the path of the written plot or "".
func Report(w io.Writer, forecast model.Forecast, frame *dataset.Frame, cfg config.ReportConfig) (string, error) {
	if err := report.PrintForecast(w, forecast); err != nil {
		return "", fmt.Errorf("printing forecast: %w", err)
	}
	if !cfg.Plot {
		return "", nil
	}

	history := report.Series{Times: frame.Times(), Values: frame.Closes()}
	var future report.Series
	for _, p := range forecast.Points {
		future.Times = append(future.Times, p.Date)
		future.Values = append(future.Values, p.Price)
	}
	if dir := filepath.Dir(cfg.PlotPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating plot directory: %w", err)
		}
	}
	if err := report.Plot(cfg.PlotPath, history, future, report.DefaultPlotOptions()); err != nil {
		return "", err
	}
	return cfg.PlotPath, nil
}

// Run executes every stage in order and stops at the first error
func Run(ctx context.Context, cfg *config.Config, deps Deps) (*Outcome, error) {
	log := deps.Logger.With().Str("component", "pipeline").Logger()
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Progress == nil {
		deps.Progress = os.Stderr
	}

	device, err := trainer.ResolveDevice(cfg.Trainer.Accelerator)
	if err != nil {
		return nil, err
	}
	log.Info().Str("device", string(device)).Msg("Using device")

	if cfg.Model.LearningRate != cfg.Optimizer.LearningRate {
		log.Warn().
			Float64("model_learning_rate", cfg.Model.LearningRate).
			Float64("optimizer_learning_rate", cfg.Optimizer.LearningRate).
			Msg("Model learning_rate differs from the optimizer learning rate; training uses the optimizer value")
	}

	p := deps.Provider
	if p == nil {
		if p, err = NewProvider(cfg.Data); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(cfg.Model.Seed, cfg.Model.Seed^0x9e3779b97f4a7c15))

	start := time.Now()
	candles, err := Fetch(ctx, p, cfg.Data)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("provider", p.Name()).
		Int("candles", len(candles)).
		Time("first", candles[0].Time).
		Time("last", candles[len(candles)-1].Time).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched price history")

	frame, err := Prepare(candles, cfg.Data)
	if err != nil {
		return nil, err
	}

	ds, err := BuildDatasets(frame, cfg.Dataset, rng)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("cutoff", ds.Cutoff.Format(report.DateLayout)).
		Int("train_samples", ds.Training.Len()).
		Int("val_samples", ds.Validation.Len()).
		Msg("Built datasets")

	m, err := BuildModel(ds, cfg.Model, rng)
	if err != nil {
		return nil, err
	}
	log.Info().Float64("parameters_k", float64(m.Size())/1e3).Msg("Built model")

	result, err := Train(ctx, m, ds, cfg, device, deps.Progress, deps.Logger, rng)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("epochs", result.Epochs).
		Float64("best_val_loss", result.BestScore).
		Int("best_epoch", result.BestEpoch).
		Str("stop_reason", result.StopReason).
		Msg("Training finished")

	forecast, err := Predict(ctx, m, ds, model.Pair{Base: cfg.Data.Symbol, Quote: cfg.Data.Currency})
	if err != nil {
		return nil, err
	}

	plotPath, err := Report(deps.Stdout, forecast, frame, cfg.Report)
	if err != nil {
		return nil, err
	}
	if plotPath != "" {
		log.Info().Str("path", plotPath).Msg("Saved plot")
	}

	return &Outcome{
		Device:   device,
		Frame:    frame,
		Training: result,
		Forecast: forecast,
		PlotPath: plotPath,
	}, nil
}
