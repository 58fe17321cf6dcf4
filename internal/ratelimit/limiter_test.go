package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewLimiter(t *testing.T) {
	limiter := NewLimiter("test", 60) // 60 per minute = 1 per second

	if limiter.Name() != "test" {
		t.Errorf("Expected name 'test', got '%s'", limiter.Name())
	}

	// First few requests should pass immediately (burst)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Errorf("Request %d should have been allowed: %v", i, err)
		}
	}
}

func TestLimiterWait(t *testing.T) {
	limiter := NewLimiter("test", 120)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if time.Since(start) > 1*time.Second {
		t.Error("Wait took too long")
	}
}

func TestLimiterBackoff(t *testing.T) {
	limiter := NewLimiter("test", 60)

	initial := limiter.Backoff()

	limiter.SignalRateLimited()
	first := limiter.Backoff()
	if first != 2*initial {
		t.Errorf("Expected first signal to double backoff to %s, got %s", 2*initial, first)
	}

	limiter.SignalRateLimited()
	second := limiter.Backoff()
	if second <= first {
		t.Error("Backoff should increase on repeated rate limit signals")
	}

	limiter.ResetBackoff()
	if limiter.Backoff() != initial {
		t.Errorf("Expected backoff reset to %s, got %s", initial, limiter.Backoff())
	}
}

func TestLimiterBackoffCapped(t *testing.T) {
	limiter := NewLimiter("test", 60)
	for i := 0; i < 20; i++ {
		limiter.SignalRateLimited()
	}
	if limiter.Backoff() != 2*time.Minute {
		t.Errorf("Expected backoff capped at 2m, got %s", limiter.Backoff())
	}
}

func TestLimiterContextCancellation(t *testing.T) {
	limiter := NewLimiter("test", 1) // Very slow rate

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Error("Expected error from cancelled context")
	}
}
