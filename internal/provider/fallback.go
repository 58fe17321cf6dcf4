package provider

import (
	"context"
	"errors"
	"strings"

	"ethforecast/pkg/model"
)

// FallbackProvider tries multiple providers in order
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider creates a new fallback provider; nil entries are skipped
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	filtered := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &FallbackProvider{providers: filtered}
}

// Name returns the combined provider name
func (f *FallbackProvider) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

// GetDailyCandles tries each provider in order. A cancelled context stops
// the chain.
func (f *FallbackProvider) GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no providers configured")
	}
	var lastErr error
	for _, p := range f.providers {
		data, err := p.GetDailyCandles(ctx, pair, limit)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
