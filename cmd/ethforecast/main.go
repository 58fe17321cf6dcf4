package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ethforecast/internal/config"
	"ethforecast/internal/logger"
	"ethforecast/internal/pipeline"
)

var (
	cfgFile  string
	envFile  string
	epochs   int
	plotPath string
	noPlot   bool
	provider string
	fallback string
	verbose  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ethforecast",
		Short: "Forecast daily ETH/USD closes with a Temporal Fusion Transformer",
		Long: `ethforecast downloads daily ETH/USD history, trains a quantile
Temporal Fusion Transformer on it and prints a 7 day forecast.

Examples:
  ethforecast
  ethforecast --epochs 20 --plot forecast.png
  ethforecast --config config.yaml --no-plot --verbose`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags
	rootCmd.Flags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
	rootCmd.Flags().StringVar(&envFile, "env", ".env", "env file holding "+config.APIKeyEnv)
	rootCmd.Flags().IntVar(&epochs, "epochs", 0, "maximum training epochs (default from config)")
	rootCmd.Flags().StringVar(&plotPath, "plot", "", "write the forecast plot to this PNG path")
	rootCmd.Flags().BoolVar(&noPlot, "no-plot", false, "skip the forecast plot")
	rootCmd.Flags().StringVar(&provider, "provider", "", "price source: cryptocompare, yahoo")
	rootCmd.Flags().StringVar(&fallback, "fallback", "", "price source tried when the primary fails")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Override config with CLI flags
	if epochs > 0 {
		cfg.Trainer.MaxEpochs = epochs
	}
	if plotPath != "" {
		cfg.Report.Plot = true
		cfg.Report.PlotPath = plotPath
	}
	if noPlot {
		cfg.Report.Plot = false
	}
	if provider != "" {
		cfg.Data.Provider = provider
	}
	if cmd.Flags().Changed("fallback") {
		cfg.Data.Fallback = fallback
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	// Cancel on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, err = pipeline.Run(ctx, cfg, pipeline.Deps{
		Stdout:   os.Stdout,
		Progress: os.Stderr,
		Logger:   log,
	})
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nInterrupted.")
	}
	return err
}
