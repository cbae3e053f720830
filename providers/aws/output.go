package aws

import (
	"context"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/publish"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

type outputState struct {
	publish.OutputState
	Name string `json:"name"`
}

func applyOutput(req *sdk.ApplyRequest) (*outputState, error) {
	var spec ir.OutputSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	var prior *publish.OutputState
	if req.PriorStateJSON != nil {
		prior = &publish.OutputState{}
		if err := sdk.Decode(req.PriorStateJSON, prior); err != nil {
			return nil, err
		}
	}
	return &outputState{OutputState: *publish.NewOutputState(&spec, prior), Name: req.Name}, nil
}

// readOutput advances the ready state from the target group's health. The
// endpoint converges once it has been published.
func (p *Provider) readOutput(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state outputState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	healthy := 0
	if state.HealthRef != "" {
		n, err := p.HealthyReplicas(ctx, state.HealthRef)
		if err != nil && !isNotFoundErr(err) {
			return nil, err
		}
		healthy = n
	}
	state.Observe(healthy)

	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: state.Converged(), NewStateJSON: data}, nil
}
