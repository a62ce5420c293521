package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Run(context.Background(), RetryConfig{Attempts: 3}, func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Run(context.Background(), RetryConfig{Attempts: 5}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRunReturnsLastFailure(t *testing.T) {
	wantErr := errors.New("still broken")
	calls := 0
	_, err := Run(context.Background(), RetryConfig{Attempts: 4}, func() (int, error) {
		calls++
		return 0, wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 4, calls)
}

func TestRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Run(ctx, RetryConfig{Attempts: 10, Delay: time.Hour}, func() (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestRunAtLeastOneAttempt(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), RetryConfig{Attempts: 0}, func() (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
