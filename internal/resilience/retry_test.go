package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("validation failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, fastRetry(5), func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("temporary"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_PreservesValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("temporary"), 429)
		}
		return "result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "result" {
		t.Errorf("expected %q, got %q", "result", val)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) {
		retries = append(retries, attempt)
	}
	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("temporary"), 503)
	})
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(retries))
	}
	if retries[0] != 1 || retries[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", retries)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
	if got := cfg.Backoff(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", got)
	}
	if got := cfg.Backoff(1); got != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", got)
	}
	if got := cfg.Backoff(3); got != 300*time.Millisecond {
		t.Errorf("attempt 3: expected cap 300ms, got %v", got)
	}
}
