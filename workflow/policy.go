package workflow

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy configures bounded re-attempts with exponential backoff.
//
// The delay before attempt n+1 is InitialDelay * Multiplier^(n-1), capped at
// MaxDelay when MaxDelay is positive. With InitialDelay 100ms and Multiplier
// 2.0 the waits are 100ms, 200ms, 400ms, ...
//
// Retryability is decided in order:
//  1. Retryable, when set, decides alone.
//  2. An error matching any AbortOn entry (errors.Is) is not retried.
//  3. An empty RetryOn retries every error.
//  4. Otherwise the error must match a RetryOn entry.
//
// Context cancellation of the execution is never retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Must be >= 1.
	MaxAttempts int

	InitialDelay time.Duration

	// Multiplier must be >= 1.0. Zero is treated as 1.0.
	Multiplier float64

	MaxDelay time.Duration

	RetryOn []error
	AbortOn []error

	Retryable func(error) bool
}

// Validate checks the policy's bounds.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.Multiplier != 0 && rp.Multiplier < 1.0 {
		return ErrInvalidRetryPolicy
	}
	if rp.InitialDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.InitialDelay > rp.MaxDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Delay returns the wait before the attempt following attempt (1-indexed).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || rp.InitialDelay <= 0 {
		return 0
	}
	mult := rp.Multiplier
	if mult == 0 {
		mult = 1.0
	}
	d := float64(rp.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if rp.MaxDelay > 0 && d > float64(rp.MaxDelay) {
		return rp.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err is eligible for another attempt.
func (rp *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	for _, target := range rp.AbortOn {
		if errors.Is(err, target) {
			return false
		}
	}
	if len(rp.RetryOn) == 0 {
		return true
	}
	for _, target := range rp.RetryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// resolveRetry picks the node policy, falling back to the workflow policy.
func resolveRetry(node *Node, def *WorkflowDefinition) *RetryPolicy {
	if node.Config.Retry != nil {
		return node.Config.Retry
	}
	return def.config.Retry
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
