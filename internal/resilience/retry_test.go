package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return nil
	}, fastConfig(), nil)

	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastConfig(), IsRetryableNetworkError)

	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("connection refused")
	err := Retry(context.Background(), func() error {
		calls++
		return wantErr
	}, fastConfig(), IsRetryableNetworkError)

	if !errors.Is(err, wantErr) {
		t.Errorf("Retry error = %v, want last attempt error", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	wantErr := errors.New("bad handshake")
	err := Retry(context.Background(), func() error {
		calls++
		return wantErr
	}, fastConfig(), IsRetryableNetworkError)

	if !errors.Is(err, wantErr) {
		t.Errorf("Retry error = %v, want permanent error", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 for a permanent error", calls)
	}
}

func TestRetry_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		cancel()
		return errors.New("connection refused")
	}, &RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Hour,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}, IsRetryableNetworkError)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after cancellation, want 1", calls)
	}
}

func TestRetry_NilConfigUsesDefaults(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return nil
	}, nil, nil)
	if err != nil || calls != 1 {
		t.Errorf("Retry with nil config: err=%v calls=%d", err, calls)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:9090: connect: connection refused"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("websocket: bad handshake"), false},
		{errors.New("invalid credentials"), false},
	}

	for _, tt := range tests {
		if got := IsRetryableNetworkError(tt.err); got != tt.want {
			t.Errorf("IsRetryableNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
