package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
)

// DefaultTimeout bounds a single node's apply or delete, convergence included.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is how often a transient provider error is retried.
const DefaultRetryMax = 3

// RetryPolicy controls retries of provider calls within one node operation.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// delay is the wait before retry number attempt (0-based): an exponential
// ceiling capped at MaxDelay, with full jitter below it.
func (p *RetryPolicy) delay(attempt int) time.Duration {
	ceiling := p.BaseDelay << attempt
	if ceiling <= 0 || ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// WithTimeout bounds a node operation. A non-positive timeout means DefaultTimeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff calls fn until it succeeds, fails with an error shouldRetry
// rejects, runs out of retries or ctx ends.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func(context.Context) error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, err)
		}

		wait := policy.delay(attempt)
		logging.Debug("retrying provider call", "attempt", attempt+1, "delay", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// transientPatterns match throttling and network failures in provider error
// messages, AWS error codes included.
var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"requestlimitexceeded",
	"too many requests",
	"request limit",
	"service unavailable",
	"serviceunavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"tls handshake",
	"i/o timeout",
	"timeout",
	"temporary failure",
}

// IsTransientError reports whether a provider call that failed with err is
// worth retrying right away. Failures the engine classifies itself, such as a
// missing image or a cycle, never are, and neither is an expired node deadline.
func IsTransientError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ir.ErrImageNotFound),
		errors.Is(err, ir.ErrCyclicDependency),
		errors.Is(err, ir.ErrConvergenceTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// WaitFor polls check every interval until it reports done, returns an error, or
// timeout elapses. A timeout is reported as ir.ErrConvergenceTimeout.
func WaitFor(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ir.ErrConvergenceTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
