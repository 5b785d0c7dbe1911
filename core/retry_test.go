package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	policy := NewRetryPolicy(cfg, IsRetryableIOError)

	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewError(ErrSourceUnavailable, fmt.Errorf("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyReturnsImmediatelyOnFatalError(t *testing.T) {
	policy := NewRetryPolicy(RetryPolicyDefault(), IsRetryableIOError)
	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return NewError(ErrMalformed, fmt.Errorf("bad data"))
	})
	if err == nil {
		t.Fatalf("expected fatal error to be returned")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a fatal error, got %d", attempts)
	}
}

func TestRetryPolicyExhaustsMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	policy := NewRetryPolicy(cfg, IsRetryableIOError)
	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return NewError(ErrSourceUnavailable, fmt.Errorf("still flaky"))
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestRetryPolicyRespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	policy := NewRetryPolicy(cfg, IsRetryableIOError)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return NewError(ErrSourceUnavailable, fmt.Errorf("flaky"))
		})
	}()

	// Let the first attempt run, then cancel while the retry sleeps.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if KindOf(err) != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Execute did not return promptly after cancellation")
	}
}

func TestIsRetryableIOError(t *testing.T) {
	if !IsRetryableIOError(NewError(ErrSourceUnavailable, fmt.Errorf("x"))) {
		t.Fatalf("expected SourceUnavailable to be retryable")
	}
	if IsRetryableIOError(NewError(ErrMalformed, fmt.Errorf("x"))) {
		t.Fatalf("expected Malformed to not be retryable")
	}
	if IsRetryableIOError(fmt.Errorf("unclassified")) {
		t.Fatalf("expected unclassified errors to default to non-retryable")
	}
}
