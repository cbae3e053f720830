package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/inferstack/internal/ir"
)

func fastPolicy(retries int) *RetryPolicy {
	return &RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, time.Minute)

	ctx, cancel = WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.True(t, deadline.Before(time.Now().Add(10*time.Second)))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := &RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	for attempt := 0; attempt < 40; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", attempt)
	}
	assert.LessOrEqual(t, p.delay(0), p.BaseDelay)
	assert.Zero(t, (&RetryPolicy{}).delay(3))
}

func TestRetryWithBackoff(t *testing.T) {
	always := func(error) bool { return true }

	tests := []struct {
		name         string
		policy       *RetryPolicy
		failures     int
		shouldRetry  func(error) bool
		wantAttempts int
		wantErr      string
	}{
		{name: "succeeds after transient failures", policy: fastPolicy(3), failures: 2, shouldRetry: always, wantAttempts: 3},
		{name: "permanent error is not retried", policy: fastPolicy(5), failures: 10, shouldRetry: func(error) bool { return false }, wantAttempts: 1, wantErr: "permanent"},
		{name: "gives up after max retries", policy: fastPolicy(2), failures: 10, shouldRetry: always, wantAttempts: 3, wantErr: "max retries (2) exceeded"},
		{name: "first call succeeds", policy: fastPolicy(2), failures: 0, shouldRetry: always, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := RetryWithBackoff(context.Background(), tt.policy, func(context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return errors.New("permanent throttling")
				}
				return nil
			}, tt.shouldRetry)

			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func(context.Context) error {
		attempts++
		return errors.New("would retry")
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{fmt.Errorf("throttling"), true},
		{fmt.Errorf("Rate exceeded"), true},
		{fmt.Errorf("api error RequestLimitExceeded: request limit exceeded"), true},
		{fmt.Errorf("Too Many Requests"), true},
		{fmt.Errorf("Service Unavailable"), true},
		{fmt.Errorf("connection reset by peer"), true},
		{fmt.Errorf("i/o timeout"), true},
		{fmt.Errorf("resource not found"), false},
		{fmt.Errorf("access denied"), false},
		{fmt.Errorf("quota exceeded"), false},
		{fmt.Errorf("deploy: %w", ir.ErrImageNotFound), false},
		{fmt.Errorf("%w after 1m", ir.ErrConvergenceTimeout), false},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransientError(tt.err))
		})
	}
}

func TestWaitFor_Converges(t *testing.T) {
	polls := 0
	err := WaitFor(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		polls++
		return polls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, polls)
}

func TestWaitFor_Timeout(t *testing.T) {
	err := WaitFor(context.Background(), time.Millisecond, 10*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ir.ErrConvergenceTimeout)
}

func TestWaitFor_CheckError(t *testing.T) {
	boom := errors.New("boom")
	err := WaitFor(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}
