// Package null implements an echo provider: applying a node records its
// desired config as state and it is converged immediately. Scaling policies use
// it to register with their unit.
package null

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

// carried are state keys written after apply, by the scaling controllers,
// that a re-apply keeps.
var carried = []string{"lastScaleOut", "lastScaleIn"}

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	state := map[string]any{}
	if err := sdk.Decode(req.DesiredConfigJSON, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	state["id"] = fmt.Sprintf("null-%s", req.Name)

	if len(req.PriorStateJSON) > 0 {
		prior := map[string]any{}
		if err := sdk.Decode(req.PriorStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
		for _, key := range carried {
			if v, ok := prior[key]; ok {
				state[key] = v
			}
		}
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{NewStateJSON: stateBytes}, nil
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	return &sdk.ReadResponse{
		Exists:       true,
		Converged:    true,
		NewStateJSON: req.CurrentStateJSON,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *sdk.DeleteRequest) (*sdk.DeleteResponse, error) {
	return &sdk.DeleteResponse{}, nil
}
