package ir

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrImageNotFound          = errors.New("image not found")
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrConvergenceTimeout     = errors.New("convergence timeout")
	ErrTeardownPartialFailure = errors.New("teardown partially failed")
	ErrNotFound               = errors.New("resource not found")
)

// Retryable reports whether an apply that failed with err may succeed when re-run
// without changing the document.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) || errors.Is(err, ErrConvergenceTimeout)
}

// NodeError is a failure of a single resource node.
type NodeError struct {
	Address string
	Kind    Kind
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Address, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// TeardownError lists the nodes a destroy could not remove.
type TeardownError struct {
	Surviving []string
	Errs      []error
}

func (e *TeardownError) Error() string {
	msg := fmt.Sprintf("%v: %d surviving (%s)", ErrTeardownPartialFailure, len(e.Surviving), strings.Join(e.Surviving, ", "))
	for _, err := range e.Errs {
		msg += "; " + err.Error()
	}
	return msg
}

func (e *TeardownError) Unwrap() []error {
	return append([]error{ErrTeardownPartialFailure}, e.Errs...)
}
