package provider

import (
	"context"

	"ethforecast/pkg/model"
)

// Provider defines the interface for market-data providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// GetDailyCandles fetches daily OHLCV bars for the pair. limit is passed to
	// the upstream API unchanged; candles are returned oldest first.
	GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error)
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider  string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
