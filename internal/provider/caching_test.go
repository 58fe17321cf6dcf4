package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"ethforecast/pkg/model"
)

type countingProvider struct {
	calls int
	err   error
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []model.Candle{
		{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Close: 2300},
		{Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 2350},
	}, nil
}

func TestCachingProvider(t *testing.T) {
	inner := &countingProvider{}
	now := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	p := NewCachingProvider(inner, t.TempDir(), time.Hour)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := p.GetDailyCandles(ctx, ethUSD, 1729)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := p.GetDailyCandles(ctx, ethUSD, 1729)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 upstream call, got %d", inner.calls)
	}
	if len(second) != len(first) || !second[1].Time.Equal(first[1].Time) || second[1].Close != 2350 {
		t.Errorf("Cached candles differ: %+v vs %+v", second, first)
	}

	// a different limit is a different entry
	if _, err := p.GetDailyCandles(ctx, ethUSD, 30); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", inner.calls)
	}

	// expired entries are refetched
	now = now.Add(2 * time.Hour)
	if _, err := p.GetDailyCandles(ctx, ethUSD, 1729); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 upstream calls, got %d", inner.calls)
	}
}

func TestCachingProviderPassesErrors(t *testing.T) {
	want := &ProviderError{Provider: "counting", Err: errors.New("boom")}
	p := NewCachingProvider(&countingProvider{err: want}, t.TempDir(), time.Hour)
	if _, err := p.GetDailyCandles(context.Background(), ethUSD, 10); !errors.Is(err, want) {
		t.Errorf("Expected upstream error, got %v", err)
	}
	if p.Name() != "counting" {
		t.Errorf("Expected inner name, got %s", p.Name())
	}
}
