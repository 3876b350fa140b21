// Package retry runs startup operations with exponential backoff.
//
// Only connection establishment and startup provisioning go through here.
// Core operations (pipeline runs, shadow writes, captures) never retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config contains configuration for exponential backoff
type Config struct {
	MaxRetries    int           // Maximum number of retries after the first attempt (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultConfig returns the default backoff configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Func is one attempt of the operation being retried.
type Func func(ctx context.Context) error

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do calls fn until it succeeds, returns a *Permanent error, retries are
// exhausted or ctx is cancelled.
//
// Backoff schedule with the default config: 1s, 2s, 4s, 8s, 16s.
func Do(ctx context.Context, name string, cfg Config, fn Func) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("retry: operation succeeded", "operation", name, "retries", attempt)
			}
			return nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		attempt++
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("retry: %s: max retries exceeded (%d attempts): %w", name, cfg.MaxRetries, err)
		}

		delay := Backoff(attempt, cfg)
		slog.Warn("retry: operation failed, retrying",
			"operation", name,
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Backoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
