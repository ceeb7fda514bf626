package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "explicit transient", err: NewTransientError(errors.New("x"), "transient"), expected: true},
		{name: "explicit permanent", err: NewPermanentError(errors.New("x"), "permanent"), expected: false},
		{name: "wrapped transient", err: fmt.Errorf("poll: %w", NewTransientError(errors.New("x"), "")), expected: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connection refused"), expected: true},
		{name: "syscall reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), expected: true},
		{name: "deadline", err: context.DeadlineExceeded, expected: true},
		{name: "cancelled", err: context.Canceled, expected: false},
		{name: "plain error", err: errors.New("task not found"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	assert.True(t, IsTransient(FromHTTPStatus(http.StatusServiceUnavailable, "busy")))
	assert.True(t, IsTransient(FromHTTPStatus(http.StatusTooManyRequests, "slow down")))

	err := FromHTTPStatus(http.StatusBadRequest, "bad")
	assert.False(t, IsTransient(err))
	assert.True(t, IsPermanent(err))

	var perm *PermanentError
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("flaky"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return NewPermanentError(errors.New("broken"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := NewTransientError(errors.New("still down"), "")
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(), func(context.Context) error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	value, err := RetryWithResult(context.Background(), fastRetry(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("once"), "")
		}
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestCalculateBackoffRespectsCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0.25}
	for attempt := 0; attempt < 6; attempt++ {
		delay := calculateBackoff(attempt, cfg)
		assert.LessOrEqual(t, delay, cfg.MaxDelay)
		assert.Greater(t, delay, time.Duration(0))
	}
}
