// Package retry runs an operation until it succeeds, with exponential
// backoff between attempts.
//
//	err := retry.Do(ctx, retry.Config{InitialBackoff: 50 * time.Millisecond}, func() error {
//		pid, err = proc.FindPidByName(name)
//		return err
//	}, func(err error) bool { return errors.Is(err, proc.ErrNotFound) })
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config configures Do.
type Config struct {
	// MaxAttempts bounds the number of calls. Zero retries until the
	// context is done.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. It doubles for
	// every further attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Zero means no cap.
	MaxBackoff time.Duration
}

// ShouldRetryFunc reports whether an error is worth another attempt. A nil
// ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it returns nil, it returns an error shouldRetry rejects,
// the attempts run out or ctx is done. The last error of fn is wrapped in
// the returned error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error
	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(Backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff returns the wait before the given attempt, counting from zero.
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff >= cfg.MaxBackoff {
			break
		}
	}
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}
