package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
)

// Destroy tears down every node of the unit in reverse dependency order. Any
// in-flight apply of the unit is cancelled first and allowed to finish its
// current node. Resources that are already absent count as destroyed.
//
// When a node cannot be destroyed, the nodes it depends on are left in place
// too, and the survivors are reported in an *ir.TeardownError.
func (e *Engine) Destroy(ctx context.Context, unit *Unit) (*Result, error) {
	if err := unit.cancelApply(ctx); err != nil {
		return failedResult(err)
	}

	return e.withState(ctx, unit, func(ctx context.Context, st *ir.State) (*Result, error) {
		return e.destroy(ctx, unit, st)
	})
}

func (e *Engine) destroy(ctx context.Context, unit *Unit, st *ir.State) (*Result, error) {
	log := logging.Logger().With("unit", unit.Name)
	result := &Result{Status: StatusSucceeded}

	dag, err := BuildDAGFromState(st.Resources)
	if err != nil {
		return failedResult(err)
	}

	surviving := map[string]bool{}
	var survivors []string
	var errs []error

	for _, addr := range dag.DestructionOrder() {
		prior := st.Lookup(addr)

		if err := ctx.Err(); err != nil {
			surviving[addr] = true
			survivors = append(survivors, addr)
			continue
		}

		blocked := false
		for _, dependent := range dag.Dependents(addr) {
			if surviving[dependent] {
				blocked = true
				break
			}
		}
		if blocked {
			log.Warn("keeping resource with surviving dependents", "address", addr)
			surviving[addr] = true
			survivors = append(survivors, addr)
			continue
		}

		start := time.Now()
		e.emit(ApplyEvent{Address: addr, Kind: prior.Kind, Action: ir.ActionDelete, Status: "started"})
		if err := e.deleteNode(ctx, unit, prior, st); err != nil {
			nodeErr := &ir.NodeError{Address: addr, Kind: prior.Kind, Err: err}
			e.emit(ApplyEvent{Address: addr, Kind: prior.Kind, Action: ir.ActionDelete, Status: "failed", Duration: time.Since(start), Error: nodeErr})
			log.Error("destroy failed", "address", addr, "error", err)
			surviving[addr] = true
			survivors = append(survivors, addr)
			errs = append(errs, nodeErr)
			continue
		}
		e.emit(ApplyEvent{Address: addr, Kind: prior.Kind, Action: ir.ActionDelete, Status: "completed", Duration: time.Since(start)})
		result.Destroyed = append(result.Destroyed, addr)
	}

	if len(survivors) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("destroy cancelled: %w", err))
		}
		teardownErr := &ir.TeardownError{Surviving: survivors, Errs: errs}
		result.fail(survivors[0], teardownErr)
		result.Retryable = true
		return result, teardownErr
	}

	st.Outputs = nil
	if err := writeState(ctx, unit, st); err != nil {
		result.fail("", err)
		return result, err
	}
	return result, nil
}
