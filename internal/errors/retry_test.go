package errors

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryWithResultRetriesTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", FromHTTPStatus(http.StatusServiceUnavailable, nil)
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultStopsOnPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetry(), func(context.Context) (int, error) {
		calls++
		return 0, FromHTTPStatus(http.StatusUnauthorized, errors.New("bad key"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var permanent *PermanentError
	assert.True(t, errors.As(err, &permanent))
	assert.Equal(t, http.StatusUnauthorized, permanent.StatusCode)
}

func TestRetryWithResultExhausts(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetry(), func(context.Context) (int, error) {
		calls++
		return 0, &TransientError{Err: errors.New("flaky")}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestIsTransientClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", FromHTTPStatus(http.StatusTooManyRequests, nil), true},
		{"bad request", FromHTTPStatus(http.StatusBadRequest, nil), false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryAfterHintIsCapped(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, retryAfter(&TransientError{Err: errors.New("x"), RetryAfter: 30}, cfg))
	assert.Equal(t, time.Second, retryAfter(&TransientError{Err: errors.New("x"), RetryAfter: 1}, cfg))
	assert.Zero(t, retryAfter(&PermanentError{Err: errors.New("x")}, cfg))
}
