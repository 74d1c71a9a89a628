package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func fastPolicy(retries uint64) Policy {
	return Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: retries}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "flaky", func() error {
		calls++
		if calls < 3 {
			return Transient(fmt.Errorf("status 503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	declined := errors.New("declined")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "declined", func() error {
		calls++
		return declined
	})
	if !errors.Is(err, declined) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), "down", func() error {
		calls++
		return Transient(errors.New("status 502"))
	})
	if !IsTransient(err) {
		t.Errorf("Expected the last transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 1 call plus 2 retries, got %d", calls)
	}
}

func TestDo_NoRetryRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), NoRetry(), "once", func() error {
		calls++
		return Transient(errors.New("status 500"))
	})
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{InitialInterval: time.Hour, MaxInterval: time.Hour, MaxRetries: 5}, "slow", func() error {
		calls++
		cancel()
		return Transient(errors.New("status 500"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	got, err := DoValue(context.Background(), fastPolicy(1), "value", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("status 429"))
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("Expected 42, got %d (%v)", got, err)
	}
}

func TestClassifiers(t *testing.T) {
	for code, want := range map[int]bool{200: false, 400: false, 402: false, 404: false, 429: true, 500: true, 503: true} {
		if RetryableStatus(code) != want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", code, !want, want)
		}
	}

	if !IsNetworkError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}) {
		t.Error("Expected dial failure to be a network error")
	}
	if IsNetworkError(context.Canceled) || IsNetworkError(nil) || IsNetworkError(errors.New("bad json")) {
		t.Error("Expected cancellation, nil and decode errors not to be network errors")
	}
	if IsTransient(errors.New("plain")) || IsTransient(Transient(nil)) {
		t.Error("Expected plain and nil errors not to be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", Transient(errors.New("x")))) {
		t.Error("Expected wrapped transient error to be detected")
	}
}
