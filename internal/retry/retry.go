// Package retry runs fallible operations with bounded attempts and
// exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt, doubled for each further attempt.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// MaxJitter bounds the random amount added to each delay.
	MaxJitter time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxJitter:   time.Second,
	}
}

// ExhaustedError is returned when all attempts failed.
type ExhaustedError struct {
	// Operation names what was being retried.
	Operation string
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent, waits included.
	TotalDuration time.Duration
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempts over %v: %v",
		e.Operation, e.Attempts, e.TotalDuration.Round(time.Millisecond), e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Executor applies a Config to operations.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates an executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		jitter: randomJitter,
	}
}

// Config returns the executor's configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// WithAttempts returns a copy of e that makes at most n attempts.
func (e *Executor) WithAttempts(n int) *Executor {
	c := *e
	if n < 1 {
		n = 1
	}
	c.cfg.MaxAttempts = n
	return &c
}

// Do runs fn until it succeeds, returns a Permanent error, or the attempts
// are used up. No wait follows the final attempt.
func (e *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info(name+" succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(e.cfg, attempt, e.jitter(e.cfg.MaxJitter))
		e.logger.Warn(name+" failed, retrying",
			"attempt", attempt+1,
			"max_attempts", e.cfg.MaxAttempts,
			"delay", delay.Round(time.Millisecond),
			"error", err,
		)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{
		Operation:     name,
		Attempts:      e.cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Backoff computes the wait after the attempt with zero-based index attempt:
// min(BaseDelay*2^attempt + jitter, MaxDelay).
func Backoff(cfg Config, attempt int, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		if (cfg.MaxDelay > 0 && delay >= cfg.MaxDelay) || delay > math.MaxInt64/4 {
			break
		}
		delay *= 2
	}
	delay += jitter

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
