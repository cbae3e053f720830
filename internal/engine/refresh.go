package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

// RefreshStatus is the outcome of reading one node back from its provider.
type RefreshStatus string

const (
	RefreshOK      RefreshStatus = "ok"
	RefreshDrifted RefreshStatus = "drifted" // observed state changed and was stored
	RefreshMissing RefreshStatus = "missing" // gone from the provider, removed from state
	RefreshError   RefreshStatus = "error"
)

type RefreshEntry struct {
	Address string
	Kind    ir.Kind
	Status  RefreshStatus
	Err     error
}

// Refresh reads every node of the unit's state from its provider. Drifted
// outputs are stored; nodes that no longer exist are dropped from state so the
// next apply creates them again. Read errors are reported per node.
func (e *Engine) Refresh(ctx context.Context, unit *Unit) ([]RefreshEntry, error) {
	ctx, run, err := unit.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unit.end(run)

	if err := unit.Backend.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock state: %w", err)
	}
	defer func() {
		if err := unit.Backend.Unlock(); err != nil {
			logging.Warn("failed to unlock state", "unit", unit.Name, "error", err)
		}
	}()

	st, err := loadState(ctx, unit)
	if err != nil {
		return nil, err
	}

	var (
		entries []RefreshEntry
		missing []string
		changed bool
	)
	for _, rs := range st.Resources {
		entry := RefreshEntry{Address: rs.Name, Kind: rs.Kind, Status: RefreshOK}
		outputs, exists, err := e.readBack(ctx, rs)
		switch {
		case err != nil:
			entry.Status = RefreshError
			entry.Err = err
		case !exists:
			entry.Status = RefreshMissing
			missing = append(missing, rs.Name)
			changed = true
		case outputs != nil && !sameJSON(outputs, rs.Outputs):
			entry.Status = RefreshDrifted
			rs.Outputs = outputs
			changed = true
		}
		entries = append(entries, entry)
	}

	if !changed {
		return entries, nil
	}
	for _, name := range missing {
		st.Remove(name)
	}
	st.Outputs = collectOutputs(st.Outputs, st)
	if err := writeState(ctx, unit, st); err != nil {
		return entries, err
	}
	return entries, nil
}

func (e *Engine) readBack(ctx context.Context, rs *ir.ResourceState) (map[string]any, bool, error) {
	if err := e.registry.LoadProvider(rs.Provider); err != nil {
		return nil, false, fmt.Errorf("failed to load provider %s: %w", rs.Provider, err)
	}
	prov, err := e.registry.Get(rs.Provider)
	if err != nil {
		return nil, false, err
	}

	current, err := json.Marshal(rs.Outputs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode state of %s: %w", rs.Name, err)
	}
	resp, err := prov.Read(ctx, &sdk.ReadRequest{Kind: rs.Kind, Name: rs.Name, CurrentStateJSON: current})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", rs.Name, err)
	}
	if !resp.Exists {
		return nil, false, nil
	}
	if len(resp.NewStateJSON) == 0 {
		return nil, true, nil
	}

	outputs := map[string]any{}
	if err := sdk.Decode(resp.NewStateJSON, &outputs); err != nil {
		return nil, true, err
	}
	return outputs, true, nil
}

func sameJSON(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
