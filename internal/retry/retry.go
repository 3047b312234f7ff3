// Package retry runs outbound speech-service requests with exponential
// backoff. Transient failures are retried with jittered delays until a
// permanent error, the attempt cap, or the elapsed budget stops the loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix, such as a 4xx
// response. Do stops immediately and returns the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config bounds the retry loop.
type Config struct {
	// InitialDelay is the wait before the first retry; it doubles per
	// attempt up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// MaxElapsed is the total budget across all attempts.
	MaxElapsed time.Duration
	// MaxAttempts caps attempts; 0 leaves only MaxElapsed as the bound.
	MaxAttempts int
}

// DefaultConfig suits calls to the local speech services: bounded tightly
// enough that a voice command failure reaches the user within seconds.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		MaxAttempts:  3,
	}
}

// Do runs fn until it succeeds, returns a PermanentError, exhausts the
// configured bounds, or ctx is cancelled mid-wait. Zero config fields fall
// back to the DefaultConfig values. The returned error wraps fn's last
// error.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}

	start := time.Now()
	backoff := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("request succeeded after retry",
					"operation", op, "attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond))
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			slog.Warn("request failed permanently",
				"operation", op, "attempt", attempt, "error", perm.Err)
			return perm.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return exhausted(op, fmt.Sprintf("%d attempts", attempt), attempt, start, err)
		}
		if elapsed := time.Since(start); elapsed >= cfg.MaxElapsed {
			return exhausted(op, elapsed.Round(time.Millisecond).String(), attempt, start, err)
		}

		wait := backoff
		if half := int64(backoff) / 2; half > 0 {
			wait += time.Duration(rand.Int63n(half))
		}
		slog.Info("request failed, retrying",
			"operation", op, "attempt", attempt,
			"delay", wait.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", op, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}
}

func exhausted(op, after string, attempts int, start time.Time, lastErr error) error {
	slog.Warn("request retries exhausted",
		"operation", op, "attempts", attempts,
		"elapsed", time.Since(start).Round(time.Millisecond), "error", lastErr)
	return fmt.Errorf("%s: retries exhausted after %s: %w", op, after, lastErr)
}
