package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Config holds retry settings for bus, database and exchange calls
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the context ends, or
// MaxAttempts is reached. Only errors classified retryable by apperr are retried.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				observ.IncCounter("retry_recovered_total", map[string]string{"op": op})
			}
			return nil
		}
		lastErr = err

		if !apperr.IsRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Delay(cfg, attempt)
		observ.IncCounter("retry_attempts_total", map[string]string{"op": op})
		observ.Debug("retry_backoff", map[string]any{
			"op":       op,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	if apperr.IsRetryable(lastErr) {
		observ.IncCounter("retry_exhausted_total", map[string]string{"op": op})
		return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
	}
	return lastErr
}

// Delay is the jittered backoff before retry number attempt+1
func Delay(cfg Config, attempt int) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFraction > 0 {
		jitter := float64(delay) * cfg.JitterFraction * (2*rand.Float64() - 1)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
