package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerd/ledgerd/internal/infra/resilience"

	"github.com/sony/gobreaker"
)

var errRetryable = errors.New("retryable")

func TestRetryWithBackoff_Success(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_RetriesOnFailure(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		if callCount < 3 {
			return errRetryable
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	retries := 0
	cfg := resilience.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		OnRetry:        func(int, error) { retries++ },
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return errRetryable
	})

	if !errors.Is(err, errRetryable) {
		t.Fatalf("expected last error after retries exhausted, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
	if retries != 2 {
		t.Errorf("expected OnRetry twice, got %d", retries)
	}
}

func TestRetryWithBackoff_RetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return errors.Is(err, errRetryable) },
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected a single call, got %d", callCount)
	}
}

func TestRetryWithBackoff_ZeroBackoff(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 2}

	callCount := 0
	_ = resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return errRetryable
	})
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		return errRetryable
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestCircuitBreaker_IgnoresBusinessErrors(t *testing.T) {
	business := errors.New("validation")
	cb := resilience.NewCircuitBreaker("test", func(err error) bool { return errors.Is(err, business) })

	for i := 0; i < 10; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, business })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected breaker to stay closed, got %s", cb.State())
	}

	for i := 0; i < 20; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errors.New("db down") })
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker to open, got %s", cb.State())
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	// Third acquire should block: test with timeout context
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bh.Acquire(ctx)
	if err == nil {
		t.Fatal("expected timeout on third acquire")
	}

	// Release one slot
	bh.Release()

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}
