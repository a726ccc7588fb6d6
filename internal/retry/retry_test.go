package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, BackoffFactor: 2}
}

func TestRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), "publish", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Transport("bus", "publish", errors.New("connection reset"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExhaustedRetriesSurfaceError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), "append", func(ctx context.Context) error {
		calls++
		return apperr.Persistence("eventlog", "append", errors.New("disk full"))
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), "prepare", func(ctx context.Context) error {
		calls++
		return apperr.Validation("gateway", "prepare", "missing symbol")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 2}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, "query", func(ctx context.Context) error {
		return apperr.Transport("exchange", "query", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsCappedAndJittered(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, JitterFraction: 0.2}
	for attempt := 0; attempt < 10; attempt++ {
		d := Delay(cfg, attempt)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
	}
	assert.Equal(t, 400*time.Millisecond, Delay(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}, 2))
}
