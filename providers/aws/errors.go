package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/picklr-io/inferstack/internal/ir"
)

// isNotFound reports whether err is an API error for a resource that does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	switch {
	case strings.Contains(code, "NotFound"), code == "NoSuchEntity":
		return true
	case code == "ValidationError":
		// autoscaling reports missing groups as validation errors
		return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found")
	}
	return false
}

// isAlreadyExists reports whether err is an API error for a create that
// collided with an existing resource.
func isAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.Contains(code, "AlreadyExists") || strings.Contains(code, "Duplicate")
}

func hasCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

// ignoreNotFound drops not-found errors so deletes are idempotent.
func ignoreNotFound(err error) error {
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}

// isNotFoundErr also matches errors already wrapped with ir.ErrNotFound.
func isNotFoundErr(err error) bool {
	return errors.Is(err, ir.ErrNotFound) || isNotFound(err)
}

func notFound(kind ir.Kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, ir.ErrNotFound)
}

// poll calls cond every interval until it reports done, returns an error or
// timeout elapses. A timeout wraps ir.ErrConvergenceTimeout.
func poll(ctx context.Context, interval, timeout time.Duration, what string, cond func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ir.ErrConvergenceTimeout, what, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
