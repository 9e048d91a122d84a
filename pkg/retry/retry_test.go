package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spandb/spandb.go/pkg/status"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 80 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 80*time.Millisecond, b.Delay(3))
	assert.Equal(t, 80*time.Millisecond, b.Delay(10))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.3}
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 130*time.Millisecond)
	}
}

func TestSettingRetryable(t *testing.T) {
	s := Setting{Codes: []status.Code{status.Unavailable, status.Unknown}}

	assert.True(t, s.Retryable(status.New(status.Unavailable, "down")))
	assert.True(t, s.Retryable(errors.New("plain errors map to Unknown")))
	assert.False(t, s.Retryable(status.New(status.Aborted, "aborted")))
	assert.False(t, s.Retryable(nil))
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	s := Setting{
		Backoff: Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 1},
		Codes:   []status.Code{status.Unavailable},
	}

	calls := 0
	err := Invoke(context.Background(), s, func(context.Context) error {
		calls++
		if calls < 3 {
			return status.New(status.Unavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestInvokeStopsOnNonRetryable(t *testing.T) {
	s := Setting{
		Backoff: Backoff{Initial: time.Millisecond, Multiplier: 1},
		Codes:   []status.Code{status.Unavailable},
	}

	calls := 0
	err := Invoke(context.Background(), s, func(context.Context) error {
		calls++
		return status.New(status.InvalidArgument, "bad request")
	})
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestInvokeHonorsMaxAttempts(t *testing.T) {
	s := Setting{
		Backoff:     Backoff{Initial: time.Millisecond, Multiplier: 1},
		Codes:       []status.Code{status.Unavailable},
		MaxAttempts: 3,
	}

	calls := 0
	err := Invoke(context.Background(), s, func(context.Context) error {
		calls++
		return status.New(status.Unavailable, "down")
	})
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
	assert.Equal(t, 3, calls)
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	s := Setting{Backoff: Backoff{Initial: time.Minute, Max: time.Minute, Multiplier: 1}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Wait(ctx, s, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
