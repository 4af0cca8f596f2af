package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/telemetry"
)

type (
	// RetryConfig configures retries of streams that fail to start.
	RetryConfig struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// A value of 0 or 1 means no retries.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration
		// BackoffMultiplier grows the delay after each retry.
		BackoffMultiplier float64
		// Jitter randomizes each delay by up to this fraction.
		Jitter float64
	}

	// RetryExhaustedError is returned when every attempt failed with a
	// retryable error.
	RetryExhaustedError struct {
		Attempts  int
		Elapsed   time.Duration
		LastError error
	}

	retryClient struct {
		next   model.Client
		cfg    RetryConfig
		logger telemetry.Logger
		sleep  func(ctx context.Context, d time.Duration) error
	}
)

// DefaultRetryConfig returns three attempts with exponential backoff from
// 500ms up to 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retry returns a client that retries starting a stream when the provider
// throttles or is unavailable. Streams are never retried once started:
// chunks may already have reached the caller.
func Retry(next model.Client, cfg RetryConfig, logger telemetry.Logger) model.Client {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &retryClient{next: next, cfg: cfg, logger: logger, sleep: sleep}
}

// IsRetryable reports whether err is a transient failure a new attempt may
// overcome. Cancellation and deadlines are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (c *retryClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	attempts := max(c.cfg.MaxAttempts, 1)
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		st, err := c.next.Stream(ctx, req)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		backoff := c.cfg.backoff(attempt)
		c.logger.Warn(ctx, "model stream failed to start, retrying",
			"model", req.Model, "attempt", attempt, "backoff", backoff.String(), "err", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	if attempts == 1 {
		return nil, lastErr
	}
	return nil, &RetryExhaustedError{Attempts: attempts, Elapsed: time.Since(start), LastError: lastErr}
}

// backoff is InitialBackoff * multiplier^(attempt-1), capped and jittered.
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(d)
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("model stream failed after %d attempts over %v: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastError)
}

// Unwrap returns the error of the last attempt.
func (e *RetryExhaustedError) Unwrap() error { return e.LastError }

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
