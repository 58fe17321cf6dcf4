package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv names the environment variable holding the CryptoCompare key
const APIKeyEnv = "CRYPTOCOMPARE_API_KEY"

// Config represents the application configuration
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Model     ModelConfig     `yaml:"model"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Trainer   TrainerConfig   `yaml:"trainer"`
	Report    ReportConfig    `yaml:"report"`
	Log       LogConfig       `yaml:"log"`
}

// DataConfig holds price history source settings
type DataConfig struct {
	Provider  string        `yaml:"provider" validate:"oneof=cryptocompare yahoo"`
	Fallback  string        `yaml:"fallback" validate:"omitempty,oneof=cryptocompare yahoo"` // tried when Provider fails
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"` // empty uses the provider default
	Symbol    string        `yaml:"symbol" validate:"required"`
	Currency  string        `yaml:"currency" validate:"required"`
	Limit     int           `yaml:"limit" validate:"gte=1,lte=2000"`
	APIKey    string        `yaml:"api_key"`
	RateLimit int           `yaml:"rate_limit" validate:"gte=1"` // requests per minute
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Group     string        `yaml:"group" validate:"required"`
	CacheDir  string        `yaml:"cache_dir"` // empty disables the candle cache
	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// DatasetConfig holds windowing settings
type DatasetConfig struct {
	MaxEncoderLength    int `yaml:"max_encoder_length" validate:"gte=1"`
	MinEncoderLength    int `yaml:"min_encoder_length" validate:"gte=1"`
	MaxPredictionLength int `yaml:"max_prediction_length" validate:"gte=1"`
	MinPredictionLength int `yaml:"min_prediction_length" validate:"gte=1"`
	BatchSize           int `yaml:"batch_size" validate:"gte=1"`
	Workers             int `yaml:"workers" validate:"gte=0"`
}

// ModelConfig holds network hyperparameters
type ModelConfig struct {
	HiddenSize              int       `yaml:"hidden_size" validate:"gte=1"`
	LSTMLayers              int       `yaml:"lstm_layers" validate:"gte=1"`
	Dropout                 float64   `yaml:"dropout" validate:"gte=0,lt=1"`
	OutputSize              int       `yaml:"output_size" validate:"gte=1"`
	HiddenContinuousSize    int       `yaml:"hidden_continuous_size" validate:"gte=1"`
	AttentionHeadSize       int       `yaml:"attention_head_size" validate:"gte=1"`
	Quantiles               []float64 `yaml:"quantiles" validate:"required,min=1,dive,gt=0,lt=1"`
	LearningRate            float64   `yaml:"learning_rate" validate:"gt=0"`
	ReduceOnPlateauPatience int       `yaml:"reduce_on_plateau_patience" validate:"gte=0"`
	Seed                    uint64    `yaml:"seed"`
}

// OptimizerConfig holds the optimizer and schedule used for training
type OptimizerConfig struct {
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	WeightDecay  float64 `yaml:"weight_decay" validate:"gte=0"`
	TMax         int     `yaml:"t_max" validate:"gte=1"`
	EtaMin       float64 `yaml:"eta_min" validate:"gte=0"`
}

// EarlyStoppingConfig holds early stopping settings
type EarlyStoppingConfig struct {
	Monitor  string  `yaml:"monitor" validate:"required"`
	MinDelta float64 `yaml:"min_delta" validate:"gte=0"`
	Patience int     `yaml:"patience" validate:"gte=0"`
	Mode     string  `yaml:"mode" validate:"oneof=min max"`
}

// TrainerConfig holds the training loop settings
type TrainerConfig struct {
	MaxEpochs       int                 `yaml:"max_epochs" validate:"gte=1"`
	Accelerator     string              `yaml:"accelerator" validate:"oneof=auto cpu cuda gpu mps"`
	GradientClipVal float64             `yaml:"gradient_clip_val" validate:"gte=0"`
	LogEveryNSteps  int                 `yaml:"log_every_n_steps" validate:"gte=1"`
	Workers         int                 `yaml:"workers" validate:"gte=0"` // samples trained concurrently, 0 = GOMAXPROCS
	ProgressBar     bool                `yaml:"progress_bar"`
	EarlyStopping   EarlyStoppingConfig `yaml:"early_stopping"`
}

// ReportConfig holds output settings
type ReportConfig struct {
	Plot     bool   `yaml:"plot"`
	PlotPath string `yaml:"plot_path" validate:"required_if=Plot true"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"` // stdout, stderr or a file path
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	const maxEncoder = 365
	return &Config{
		Data: DataConfig{
			Provider:  "cryptocompare",
			BaseURL:   "",
			Symbol:    "ETH",
			Currency:  "USD",
			Limit:     1729,
			APIKey:    os.Getenv(APIKeyEnv),
			RateLimit: 30,
			Timeout:   30 * time.Second,
			Group:     "eth_usd",
			CacheTTL:  12 * time.Hour,
		},
		Dataset: DatasetConfig{
			MaxEncoderLength:    maxEncoder,
			MinEncoderLength:    maxEncoder / 2,
			MaxPredictionLength: 7,
			MinPredictionLength: 1,
			BatchSize:           128,
			Workers:             0,
		},
		Model: ModelConfig{
			HiddenSize:              256,
			LSTMLayers:              2,
			Dropout:                 0.3,
			OutputSize:              7,
			HiddenContinuousSize:    64,
			AttentionHeadSize:       4,
			Quantiles:               []float64{0.1, 0.5, 0.9},
			LearningRate:            1e-4,
			ReduceOnPlateauPatience: 4,
			Seed:                    42,
		},
		Optimizer: OptimizerConfig{
			LearningRate: 1e-3,
			WeightDecay:  1e-5,
			TMax:         10,
		},
		Trainer: TrainerConfig{
			MaxEpochs:       100,
			Accelerator:     "auto",
			GradientClipVal: 0.1,
			LogEveryNSteps:  1,
			ProgressBar:     true,
			EarlyStopping: EarlyStoppingConfig{
				Monitor:  "val_loss",
				MinDelta: 1e-4,
				Patience: 10,
				Mode:     "min",
			},
		},
		Report: ReportConfig{
			Plot:     true,
			PlotPath: "eth_forecast.png",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// LoadDotEnv loads environment variables from the given .env files (".env"
// when none are given). Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// Load loads configuration from a YAML file. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// Override with environment variables if set
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Data.APIKey = key
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	d := c.Dataset
	if d.MinEncoderLength > d.MaxEncoderLength {
		return fmt.Errorf("min_encoder_length %d exceeds max_encoder_length %d", d.MinEncoderLength, d.MaxEncoderLength)
	}
	if d.MinPredictionLength > d.MaxPredictionLength {
		return fmt.Errorf("min_prediction_length %d exceeds max_prediction_length %d", d.MinPredictionLength, d.MaxPredictionLength)
	}
	if c.Model.OutputSize < len(c.Model.Quantiles) {
		return fmt.Errorf("output_size %d is smaller than the %d quantiles", c.Model.OutputSize, len(c.Model.Quantiles))
	}
	if c.Model.HiddenSize%c.Model.AttentionHeadSize != 0 {
		return fmt.Errorf("hidden_size %d is not divisible by attention_head_size %d", c.Model.HiddenSize, c.Model.AttentionHeadSize)
	}
	// the API returns limit+1 days; the newest max_prediction_length are held out
	if c.Data.Limit+1-d.MaxPredictionLength < d.MinEncoderLength+d.MinPredictionLength {
		return fmt.Errorf("limit %d is too small for encoder length %d and prediction length %d",
			c.Data.Limit, d.MinEncoderLength, d.MaxPredictionLength)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
