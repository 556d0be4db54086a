package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(retries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      retries,
	}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	}, func(err error) bool { return errors.Is(err, errTransient) })

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig(3)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour
	err := Do(ctx, cfg, func() error { return errTransient }, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsCapped(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Second, MaxInterval: 4 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 4*time.Second, cfg.Delay(10))

	cfg.Jitter = true
	for i := 1; i < 10; i++ {
		d := cfg.Delay(i)
		assert.LessOrEqual(t, d, 4*time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	}
}
