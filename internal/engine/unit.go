package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/picklr-io/inferstack/internal/state"
)

// ErrApplyInProgress is returned when a unit already has a running apply.
var ErrApplyInProgress = errors.New("apply already in progress for unit")

// Unit is one provisioning unit: its name, where its state lives, and the
// handle of any in-flight apply.
type Unit struct {
	Name    string
	Backend state.Backend

	inflight atomic.Pointer[applyRun]
}

type applyRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewUnit(name string, backend state.Backend) *Unit {
	return &Unit{Name: name, Backend: backend}
}

// Applying reports whether an apply is currently running for the unit.
func (u *Unit) Applying() bool {
	return u.inflight.Load() != nil
}

func (u *Unit) begin(ctx context.Context) (context.Context, *applyRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &applyRun{cancel: cancel, done: make(chan struct{})}
	if !u.inflight.CompareAndSwap(nil, run) {
		cancel()
		return nil, nil, fmt.Errorf("%w %q", ErrApplyInProgress, u.Name)
	}
	return runCtx, run, nil
}

func (u *Unit) end(run *applyRun) {
	u.inflight.CompareAndSwap(run, nil)
	run.cancel()
	close(run.done)
}

// cancelApply asks an in-flight apply to stop and waits until it has finished
// its current node.
func (u *Unit) cancelApply(ctx context.Context) error {
	run := u.inflight.Load()
	if run == nil {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight apply: %w", ctx.Err())
	}
}
