package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
)

// controllerOwned lists the fields written by the autoscaling controllers after
// creation. They seed the initial count and are never diffed or re-applied.
var controllerOwned = map[ir.Kind][]string{
	ir.KindCapacityPool: {"desiredCount"},
	ir.KindDeployment:   {"desiredReplicas"},
}

// CreatePlan generates an execution plan by comparing desired config with current state.
// A node whose inputs hash, references resolved against st, matches a converged
// prior state is planned as noop.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, st *ir.State) (*ir.Plan, error) {
	logging.Debug("creating plan", "unit", cfg.Unit, "resources", len(cfg.Resources), "state_resources", len(st.Resources))

	dag, err := BuildDAG(cfg.Resources)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Unit:      cfg.Unit,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}
	if hash, err := hashValue(cfg); err == nil {
		plan.Metadata.ConfigHash = hash
	}

	for _, res := range cfg.Resources {
		res.Provider = e.providerName(res, cfg.Provider)
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	for _, addr := range dag.CreationOrder() {
		res := cfg.Lookup(addr)
		prior := st.Lookup(addr)

		hash, err := inputsHash(res, st)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", addr, err)
		}

		change := &ir.ResourceChange{
			Address: addr,
			Kind:    res.Kind,
			Desired: res,
			Prior:   prior,
		}
		switch {
		case prior == nil:
			change.Action = ir.ActionCreate
			change.Diff = buildCreateDiff(res.Properties)
			plan.Summary.Create++
		case prior.InputsHash == hash:
			change.Action = ir.ActionNoop
			plan.Summary.NoOp++
		default:
			if prior.Kind != res.Kind {
				return nil, fmt.Errorf("resource %s changed kind from %s to %s; remove it first", addr, prior.Kind, res.Kind)
			}
			change.Action = ir.ActionUpdate
			change.Diff = buildPropertyDiff(
				withoutIgnored(prior.Kind, prior.Lifecycle, prior.Inputs),
				withoutIgnored(res.Kind, res.Lifecycle, res.Properties),
			)
			plan.Summary.Update++
		}
		plan.Changes = append(plan.Changes, change)
	}

	// Resources in state but not in config are deleted in reverse dependency order.
	priorDAG, err := BuildDAGFromState(st.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order prior state: %w", err)
	}
	for _, addr := range priorDAG.DestructionOrder() {
		if cfg.Lookup(addr) != nil {
			continue
		}
		prior := st.Lookup(addr)
		if err := enforceLifecycle(prior); err != nil {
			return nil, err
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Kind:    prior.Kind,
			Action:  ir.ActionDelete,
			Prior:   prior,
			Diff:    buildDeleteDiff(prior.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// enforceLifecycle returns an error if the resource may not be destroyed.
func enforceLifecycle(res *ir.ResourceState) error {
	if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
		return fmt.Errorf("resource %s has preventDestroy set but plan requires destruction", res.Name)
	}
	return nil
}

// withoutIgnored drops controller-owned fields and lifecycle ignoreChanges.
func withoutIgnored(kind ir.Kind, lc *ir.Lifecycle, props map[string]any) map[string]any {
	ignored := append([]string(nil), controllerOwned[kind]...)
	if lc != nil {
		ignored = append(ignored, lc.IgnoreChanges...)
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	for _, k := range ignored {
		delete(out, k)
	}
	return out
}

// inputsHash hashes what a node is applied with: its properties with every
// reference bound to the value st holds for it. References st cannot resolve
// yet are hashed as written.
func inputsHash(res *ir.Resource, st *ir.State) (string, error) {
	props := normalizeValue(withoutIgnored(res.Kind, res.Lifecycle, res.Properties))
	return hashValue(map[string]any{
		"kind":       res.Kind,
		"provider":   res.Provider,
		"dependsOn":  res.DependsOn,
		"properties": bindReferences(props, st),
	})
}

// bindReferences is resolveReferences without failure: unresolvable references
// stay in place.
func bindReferences(val any, st *ir.State) any {
	switch v := val.(type) {
	case string:
		if _, _, ok := ir.ParseRef(v); !ok {
			return v
		}
		if resolved, err := resolveReferences(v, st); err == nil {
			return resolved
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = bindReferences(child, st)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = bindReferences(child, st)
		}
		return out
	default:
		return v
	}
}

// hashValue hashes the JSON encoding of v; map keys are sorted by encoding/json.
func hashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		if !inPrior {
			diff[k] = &ir.PropertyDiff{
				After:  desiredVal,
				Action: ir.ActionCreate,
			}
		} else if !inDesired {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				Action: ir.ActionDelete,
			}
		} else if !sameValue(priorVal, desiredVal) {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				After:  desiredVal,
				Action: ir.ActionUpdate,
			}
		}
	}

	return diff
}

// sameValue compares values by their JSON encoding, so 1 from a document equals
// 1.0 read back from state.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(normalizeValue(a))
	jb, errB := json.Marshal(normalizeValue(b))
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(ja) == string(jb)
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:  v,
			Action: ir.ActionCreate,
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: ir.ActionDelete,
		}
	}
	return diff
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		return val
	}
}
