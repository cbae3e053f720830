// Package docker runs an inference unit on the local docker daemon. Networks are
// docker networks, replicas are containers with published ports and the
// cluster and capacity pool stand for the local host.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	"github.com/picklr-io/inferstack/internal/publish"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const (
	labelUnit       = "io.inferstack.resource"
	labelDeployment = "io.inferstack.deployment"
)

type Provider struct {
	mu     sync.Mutex
	client *client.Client
	pools  map[string]int // live desired count of local pools
}

func New() *Provider {
	return &Provider{pools: make(map[string]int)}
}

func (p *Provider) ensureClient() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	p.client = cli
	return nil
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var (
		state any
		err   error
	)
	switch req.Kind {
	case ir.KindNetwork:
		state, err = p.applyNetwork(ctx, req)
	case ir.KindCluster:
		state, err = applyCluster(req)
	case ir.KindCapacityPool:
		state, err = p.applyPool(req)
	case ir.KindImage:
		state, err = p.applyImage(ctx, req)
	case ir.KindDeployment:
		state, err = p.applyDeployment(ctx, req)
	case ir.KindScalingPolicy:
		state, err = echo(req)
	case ir.KindOutput:
		state, err = applyOutput(req)
	default:
		return nil, fmt.Errorf("unknown resource kind: %s", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{NewStateJSON: data}, nil
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	switch req.Kind {
	case ir.KindImage:
		return p.readImage(ctx, req)
	case ir.KindDeployment:
		return p.readDeployment(ctx, req)
	case ir.KindOutput:
		return p.readOutput(ctx, req)
	}
	return &sdk.ReadResponse{Exists: true, Converged: true, NewStateJSON: req.CurrentStateJSON}, nil
}

func (p *Provider) Delete(ctx context.Context, req *sdk.DeleteRequest) (*sdk.DeleteResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	var err error
	switch req.Kind {
	case ir.KindNetwork:
		err = p.deleteNetwork(ctx, req)
	case ir.KindImage:
		err = p.deleteImage(ctx, req)
	case ir.KindDeployment:
		err = p.deleteDeployment(ctx, req)
	case ir.KindCapacityPool:
		p.mu.Lock()
		delete(p.pools, req.Name)
		p.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return &sdk.DeleteResponse{}, nil
}

type networkState struct {
	Name           string   `json:"name"`
	ID             string   `json:"id"`
	VPCID          string   `json:"vpcId"`
	PublicSubnets  []string `json:"publicSubnets"`
	PrivateSubnets []string `json:"privateSubnets"`
}

// applyNetwork creates a bridge network. Both subnet lists name the network so
// documents written for a cloud network resolve locally.
func (p *Provider) applyNetwork(ctx context.Context, req *sdk.ApplyRequest) (*networkState, error) {
	var spec ir.NetworkSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	if req.PriorStateJSON != nil {
		var prior networkState
		if err := sdk.Decode(req.PriorStateJSON, &prior); err != nil {
			return nil, err
		}
		return &prior, nil
	}

	resp, err := p.client.NetworkCreate(ctx, req.Name, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{labelUnit: req.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return &networkState{
		Name:           req.Name,
		ID:             resp.ID,
		VPCID:          req.Name,
		PublicSubnets:  []string{req.Name},
		PrivateSubnets: []string{req.Name},
	}, nil
}

func (p *Provider) deleteNetwork(ctx context.Context, req *sdk.DeleteRequest) error {
	var state networkState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}
	if err := p.client.NetworkRemove(ctx, state.ID); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("network %s: %w", req.Name, ir.ErrNotFound)
		}
		return fmt.Errorf("failed to remove network: %w", err)
	}
	return nil
}

func applyCluster(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.ClusterSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	name := spec.ClusterName
	if name == "" {
		name = req.Name
	}
	return map[string]any{"name": req.Name, "clusterName": name, "vpcId": spec.VPCID}, nil
}

type poolState struct {
	Name          string `json:"name"`
	InstanceClass string `json:"instanceClass"`
	MinCount      int    `json:"minCount"`
	MaxCount      int    `json:"maxCount"`
	DesiredCount  int    `json:"desiredCount"`
}

// applyPool records the pool. The local host has fixed capacity, so the count
// is bookkeeping for the capacity controller only.
func (p *Provider) applyPool(req *sdk.ApplyRequest) (*poolState, error) {
	var spec ir.CapacityPoolSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	desired, ok := p.pools[req.Name]
	if !ok {
		desired = spec.DesiredCount
		p.pools[req.Name] = desired
	}
	return &poolState{
		Name:          req.Name,
		InstanceClass: spec.InstanceClass,
		MinCount:      spec.MinCount,
		MaxCount:      spec.MaxCount,
		DesiredCount:  desired,
	}, nil
}

func echo(req *sdk.ApplyRequest) (map[string]any, error) {
	state := map[string]any{}
	if err := sdk.Decode(req.DesiredConfigJSON, &state); err != nil {
		return nil, err
	}
	state["name"] = req.Name
	return state, nil
}

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

func (p *Provider) readOutput(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state outputState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	healthy, err := p.HealthyReplicas(ctx, state.HealthRef)
	if err != nil {
		logging.Logger().Debug("health check failed", "deployment", state.HealthRef, "error", err)
		healthy = 0
	}
	state.Observe(healthy)
	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: state.Converged(), NewStateJSON: data}, nil
}

// DesiredCount implements sdk.Scaler.
func (p *Provider) DesiredCount(ctx context.Context, kind ir.Kind, state []byte) (int, error) {
	switch kind {
	case ir.KindCapacityPool:
		var s poolState
		if err := sdk.Decode(state, &s); err != nil {
			return 0, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if n, ok := p.pools[s.Name]; ok {
			return n, nil
		}
		return s.DesiredCount, nil
	case ir.KindDeployment:
		if err := p.ensureClient(); err != nil {
			return 0, err
		}
		var s deploymentState
		if err := sdk.Decode(state, &s); err != nil {
			return 0, err
		}
		replicas, err := p.replicas(ctx, s.Name)
		if err != nil {
			return 0, err
		}
		return len(replicas), nil
	}
	return 0, fmt.Errorf("%s cannot be scaled", kind)
}

// SetDesiredCount implements sdk.Scaler.
func (p *Provider) SetDesiredCount(ctx context.Context, kind ir.Kind, state []byte, count int) error {
	switch kind {
	case ir.KindCapacityPool:
		var s poolState
		if err := sdk.Decode(state, &s); err != nil {
			return err
		}
		p.mu.Lock()
		p.pools[s.Name] = count
		p.mu.Unlock()
		return nil
	case ir.KindDeployment:
		if err := p.ensureClient(); err != nil {
			return err
		}
		var s deploymentState
		if err := sdk.Decode(state, &s); err != nil {
			return err
		}
		return p.scaleReplicas(ctx, &s, count)
	}
	return fmt.Errorf("%s cannot be scaled", kind)
}

// Utilization implements sdk.MetricReader with the average CPU of the
// deployment's replicas. Only CPUUtilization is available locally.
func (p *Provider) Utilization(ctx context.Context, kind ir.Kind, state []byte, metric string, window time.Duration) (float64, error) {
	if kind != ir.KindDeployment || metric != ir.DefaultTargetMetric {
		return 0, fmt.Errorf("metric %s of %s is not available on docker", metric, kind)
	}
	if err := p.ensureClient(); err != nil {
		return 0, err
	}
	var s deploymentState
	if err := sdk.Decode(state, &s); err != nil {
		return 0, err
	}
	return p.averageCPU(ctx, s.Name)
}

var (
	_ sdk.Provider     = (*Provider)(nil)
	_ sdk.Scaler       = (*Provider)(nil)
	_ sdk.MetricReader = (*Provider)(nil)
	_ sdk.HealthReader = (*Provider)(nil)
)
