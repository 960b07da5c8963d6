package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoCtxStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.DoCtx(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestDoCtxExhaustsAttempts(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond)
	boom := errors.New("boom")
	calls := 0
	err := p.DoCtx(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want initial attempt plus 2 retries", calls)
	}
}

func TestDoCtxHonorsCancellation(t *testing.T) {
	p := NewRetryPolicy(10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.DoCtx(ctx, func() error {
			calls++
			return errors.New("transient")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled retry loop did not return")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, backoff must be interruptible", calls)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		cb.OnError(boom)
	}
	if !cb.Allow() {
		t.Fatal("breaker must stay closed below the threshold")
	}
	cb.OnError(boom)
	if cb.Allow() {
		t.Fatal("breaker must open at the threshold")
	}
	if cb.Failures() != 3 {
		t.Fatalf("failures = %d", cb.Failures())
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("a"))
	cb.OnSuccess()
	cb.OnError(errors.New("b"))
	if !cb.Allow() {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestIsRateLimit(t *testing.T) {
	err := error(RateLimitError{Provider: "assemblyai_stt", Message: "too many sessions"})
	if !IsRateLimit(err) {
		t.Fatal("direct rate limit error not detected")
	}
	wrapped := errors.Join(errors.New("dial"), err)
	if !IsRateLimit(wrapped) {
		t.Fatal("wrapped rate limit error not detected")
	}
	if IsRateLimit(errors.New("other")) {
		t.Fatal("false positive")
	}
}
