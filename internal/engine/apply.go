package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	"github.com/picklr-io/inferstack/internal/metrics"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

// Apply converges the unit to cfg: it plans against the unit's state and applies
// every changed node strictly in dependency order, waiting for each to converge.
// A returned error is also recorded in Result.Err.
func (e *Engine) Apply(ctx context.Context, unit *Unit, cfg *ir.Config) (*Result, error) {
	if _, err := BuildDAG(cfg.Resources); err != nil {
		return failedResult(err)
	}

	return e.withState(ctx, unit, func(ctx context.Context, st *ir.State) (*Result, error) {
		plan, err := e.CreatePlan(ctx, cfg, st)
		if err != nil {
			return failedResult(err)
		}
		return e.applyPlan(ctx, unit, plan, st)
	})
}

// ApplyPlan applies a plan computed earlier with CreatePlan.
func (e *Engine) ApplyPlan(ctx context.Context, unit *Unit, plan *ir.Plan) (*Result, error) {
	return e.withState(ctx, unit, func(ctx context.Context, st *ir.State) (*Result, error) {
		return e.applyPlan(ctx, unit, plan, st)
	})
}

// withState registers the in-flight apply, locks the unit's state and loads it.
func (e *Engine) withState(ctx context.Context, unit *Unit, fn func(context.Context, *ir.State) (*Result, error)) (*Result, error) {
	ctx, run, err := unit.begin(ctx)
	if err != nil {
		return failedResult(err)
	}
	defer unit.end(run)

	if err := unit.Backend.Lock(); err != nil {
		return failedResult(fmt.Errorf("failed to lock state: %w", err))
	}
	defer func() {
		if err := unit.Backend.Unlock(); err != nil {
			logging.Warn("failed to unlock state", "unit", unit.Name, "error", err)
		}
	}()

	st, err := loadState(ctx, unit)
	if err != nil {
		return failedResult(err)
	}
	return fn(ctx, st)
}

func loadState(ctx context.Context, unit *Unit) (*ir.State, error) {
	st, err := unit.Backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if st.Lineage == "" {
		st.Lineage = uuid.NewString()
	}
	if st.Unit == "" {
		st.Unit = unit.Name
	}
	return st, nil
}

func (e *Engine) applyPlan(ctx context.Context, unit *Unit, plan *ir.Plan, st *ir.State) (*Result, error) {
	log := logging.Logger().With("unit", unit.Name)
	result := &Result{Status: StatusSucceeded}
	applied := make(map[string]bool)

	for _, change := range plan.Changes {
		// Cancellation is honored between nodes only.
		if err := ctx.Err(); err != nil {
			result.fail(change.Address, fmt.Errorf("apply cancelled before %s: %w", change.Address, err))
			break
		}

		if change.Action == ir.ActionNoop {
			if !staleInputs(change, applied, st) {
				result.Converged = append(result.Converged, change.Address)
				continue
			}
			log.Info("referenced outputs changed, re-applying", "address", change.Address)
			promoted := *change
			promoted.Action = ir.ActionUpdate
			change = &promoted
		}

		start := time.Now()
		e.emit(ApplyEvent{Address: change.Address, Kind: change.Kind, Action: change.Action, Status: "started"})
		log.Debug("applying change", "address", change.Address, "action", change.Action)

		var err error
		if change.Action == ir.ActionDelete {
			err = e.deleteNode(ctx, unit, change.Prior, st)
		} else {
			err = e.applyNode(ctx, unit, change, st)
		}
		if err != nil {
			nodeErr := &ir.NodeError{Address: change.Address, Kind: change.Kind, Err: err}
			e.emit(ApplyEvent{Address: change.Address, Kind: change.Kind, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: nodeErr})
			metrics.ObserveApply(string(change.Kind), "failed", time.Since(start).Seconds())
			log.Error("node failed", "address", change.Address, "error", err)
			result.fail(change.Address, nodeErr)
			break
		}

		e.emit(ApplyEvent{Address: change.Address, Kind: change.Kind, Action: change.Action, Status: "completed", Duration: time.Since(start)})
		metrics.ObserveApply(string(change.Kind), "completed", time.Since(start).Seconds())
		if change.Action == ir.ActionDelete {
			result.Destroyed = append(result.Destroyed, change.Address)
		} else {
			applied[change.Address] = true
			result.Converged = append(result.Converged, change.Address)
		}
	}

	st.Outputs = collectOutputs(plan.Outputs, st)
	if err := writeState(ctx, unit, st); err != nil && result.Err == nil {
		result.fail("", err)
	}
	result.Endpoint = st.Endpoint()

	return result, result.Err
}

// staleInputs reports whether a node planned as noop references a node applied
// earlier in this run whose outputs changed what the node would be applied with.
func staleInputs(change *ir.ResourceChange, applied map[string]bool, st *ir.State) bool {
	if change.Desired == nil || change.Prior == nil {
		return false
	}
	for _, ref := range change.Desired.Refs() {
		if !applied[ref] {
			continue
		}
		hash, err := inputsHash(change.Desired, st)
		return err == nil && hash != change.Prior.InputsHash
	}
	return false
}

// applyNode applies one create or update and blocks until the node converges.
// The node runs to completion even if ctx is cancelled meanwhile.
func (e *Engine) applyNode(ctx context.Context, unit *Unit, change *ir.ResourceChange, st *ir.State) error {
	res := change.Desired
	nodeCtx, cancel := WithTimeout(context.WithoutCancel(ctx), e.NodeTimeout)
	defer cancel()

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return err
	}

	resolved, err := resolveReferences(normalizeValue(res.Properties), st)
	if err != nil {
		return err
	}
	desiredJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	var priorJSON []byte
	if prior := st.Lookup(res.Name); prior != nil && prior.Outputs != nil {
		priorJSON, _ = json.Marshal(prior.Outputs)
	}

	var resp *sdk.ApplyResponse
	err = RetryWithBackoff(nodeCtx, e.RetryPolicy, func(ctx context.Context) error {
		var applyErr error
		resp, applyErr = prov.Apply(ctx, &sdk.ApplyRequest{
			Kind:              res.Kind,
			Name:              res.Name,
			DesiredConfigJSON: desiredJSON,
			PriorStateJSON:    priorJSON,
		})
		return applyErr
	}, IsTransientError)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	rs := &ir.ResourceState{
		Kind:         res.Kind,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       res.Properties,
		Outputs:      map[string]any{},
		Dependencies: res.Dependencies(),
		Lifecycle:    res.Lifecycle,
	}
	if err := sdk.Decode(resp.NewStateJSON, &rs.Outputs); err != nil {
		return err
	}

	// Record the node before waiting so a failed convergence can still be destroyed.
	st.Upsert(rs)
	if err := writeState(nodeCtx, unit, st); err != nil {
		return err
	}

	e.emit(ApplyEvent{Address: res.Name, Kind: res.Kind, Action: change.Action, Status: "converging"})
	err = WaitFor(nodeCtx, e.PollInterval, e.convergeTimeout(res), func(ctx context.Context) (bool, error) {
		current, _ := json.Marshal(rs.Outputs)
		read, err := prov.Read(ctx, &sdk.ReadRequest{
			Kind:              res.Kind,
			Name:              res.Name,
			DesiredConfigJSON: desiredJSON,
			CurrentStateJSON:  current,
		})
		if err != nil {
			if IsTransientError(err) {
				return false, nil
			}
			return false, fmt.Errorf("read failed: %w", err)
		}
		if len(read.NewStateJSON) > 0 {
			outputs := map[string]any{}
			if err := sdk.Decode(read.NewStateJSON, &outputs); err != nil {
				return false, err
			}
			rs.Outputs = outputs
		}
		return read.Exists && read.Converged, nil
	})
	if err != nil {
		if werr := writeState(nodeCtx, unit, st); werr != nil {
			logging.Warn("failed to persist state", "unit", unit.Name, "error", werr)
		}
		return err
	}

	hash, err := inputsHash(res, st)
	if err != nil {
		return err
	}
	rs.InputsHash = hash
	return writeState(nodeCtx, unit, st)
}

// deleteNode removes one node, treating an already absent resource as deleted.
func (e *Engine) deleteNode(ctx context.Context, unit *Unit, prior *ir.ResourceState, st *ir.State) error {
	if err := enforceLifecycle(prior); err != nil {
		return err
	}
	if err := e.registry.LoadProvider(prior.Provider); err != nil {
		return err
	}
	prov, err := e.registry.Get(prior.Provider)
	if err != nil {
		return err
	}

	nodeCtx, cancel := WithTimeout(context.WithoutCancel(ctx), e.NodeTimeout)
	defer cancel()

	current, _ := json.Marshal(prior.Outputs)
	err = RetryWithBackoff(nodeCtx, e.RetryPolicy, func(ctx context.Context) error {
		_, deleteErr := prov.Delete(ctx, &sdk.DeleteRequest{
			Kind:             prior.Kind,
			Name:             prior.Name,
			CurrentStateJSON: current,
		})
		return deleteErr
	}, IsTransientError)
	if err != nil && !errors.Is(err, ir.ErrNotFound) {
		return fmt.Errorf("delete failed: %w", err)
	}

	st.Remove(prior.Name)
	return writeState(nodeCtx, unit, st)
}

func (e *Engine) convergeTimeout(res *ir.Resource) time.Duration {
	if res.Kind == ir.KindOutput {
		var spec ir.OutputSpec
		stripped, _ := ir.StripRefs(res.Properties).(map[string]any)
		if err := ir.DecodeProperties(stripped, &spec); err == nil && spec.WaitTimeout.Duration > 0 {
			return spec.WaitTimeout.Duration
		}
	}
	if e.ConvergeTimeout > 0 {
		return e.ConvergeTimeout
	}
	return defaultConvergeTimeout
}

func writeState(ctx context.Context, unit *Unit, st *ir.State) error {
	st.Version = ir.StateVersion
	st.Serial++
	if err := unit.Backend.Write(ctx, st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// collectOutputs resolves document outputs and adds every published endpoint
// under its output key.
func collectOutputs(declared map[string]any, st *ir.State) map[string]any {
	out := make(map[string]any)
	for k, v := range declared {
		resolved, err := resolveReferences(normalizeValue(v), st)
		if err != nil {
			continue
		}
		out[k] = resolved
	}
	for _, rs := range st.Resources {
		if rs.Kind != ir.KindOutput {
			continue
		}
		key, _ := rs.Outputs["key"].(string)
		if dns, ok := rs.Outputs["dnsName"]; ok && key != "" {
			out[key] = dns
		}
	}
	return out
}

// resolveReferences replaces ref:// values with the referenced node's observed
// output, falling back to its declared input.
func resolveReferences(val any, st *ir.State) (any, error) {
	switch v := val.(type) {
	case string:
		name, attr, ok := ir.ParseRef(v)
		if !ok {
			return v, nil
		}
		res := st.Lookup(name)
		if res == nil {
			return nil, fmt.Errorf("unresolved reference %s: %s has no state", v, name)
		}
		if out, ok := res.Outputs[attr]; ok {
			return out, nil
		}
		if in, ok := res.Inputs[attr]; ok {
			return in, nil
		}
		return nil, fmt.Errorf("unresolved reference %s: %s has no attribute %q", v, name, attr)
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := resolveReferences(child, st)
			if err != nil {
				return nil, err
			}
			newMap[k] = resolved
		}
		return newMap, nil
	case []any:
		newSlice := make([]any, len(v))
		for i, child := range v {
			resolved, err := resolveReferences(child, st)
			if err != nil {
				return nil, err
			}
			newSlice[i] = resolved
		}
		return newSlice, nil
	default:
		return v, nil
	}
}
