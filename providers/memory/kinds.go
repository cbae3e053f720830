package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/picklr-io/inferstack/internal/deploy"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/publish"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

func (p *Provider) applyNetwork(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.NetworkSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}

	var azs, public, private []string
	for i := 0; i < spec.MaxAZs; i++ {
		az := fmt.Sprintf("memory-1%c", 'a'+i)
		azs = append(azs, az)
		public = append(public, fmt.Sprintf("subnet-%s-public-%d", req.Name, i))
		private = append(private, fmt.Sprintf("subnet-%s-private-%d", req.Name, i))
	}

	state := map[string]any{
		"vpcId":          "vpc-" + req.Name,
		"cidr":           spec.CIDR,
		"azs":            azs,
		"publicSubnets":  public,
		"privateSubnets": private,
		"natGateways":    spec.NATGateways,
	}
	p.store(req.Name, ir.KindNetwork, state, 0)
	return state, nil
}

func (p *Provider) applyCluster(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.ClusterSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	name := spec.ClusterName
	if name == "" {
		name = req.Name
	}

	state := map[string]any{
		"clusterName": name,
		"clusterArn":  "arn:memory:ecs:cluster/" + name,
		"vpcId":       spec.VPCID,
	}
	p.store(req.Name, ir.KindCluster, state, 0)
	return state, nil
}

func (p *Provider) applyPool(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.CapacityPoolSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}

	// The controller owns the desired count once the pool exists.
	desired := spec.DesiredCount
	if live, ok := p.live(req.Name); ok {
		desired = live
	}

	state := map[string]any{
		"poolId":        "asg-" + req.Name,
		"cluster":       spec.Cluster,
		"instanceClass": spec.InstanceClass,
		"minCount":      spec.MinCount,
		"maxCount":      spec.MaxCount,
		"desiredCount":  desired,
	}
	p.store(req.Name, ir.KindCapacityPool, state, desired)
	return state, nil
}

func (p *Provider) applyImage(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.ImageSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	uri := spec.Repository + ":" + spec.Tag

	if spec.BuildContext != "" {
		p.PublishImage(uri)
	}
	digest, err := p.ResolveImage(context.Background(), uri)
	if err != nil {
		return nil, err
	}

	state := map[string]any{
		"repository": spec.Repository,
		"tag":        spec.Tag,
		"imageUri":   uri,
		"digest":     digest,
	}
	p.store(req.Name, ir.KindImage, state, 0)
	return state, nil
}

// ResolveImage implements deploy.ImageResolver.
func (p *Provider) ResolveImage(ctx context.Context, ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	digest, ok := p.images[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ir.ErrImageNotFound, ref)
	}
	return digest, nil
}

func (p *Provider) applyDeployment(ctx context.Context, req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.DeploymentSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	var prior *deploy.ServiceHandle
	if len(req.PriorStateJSON) > 0 {
		prior = &deploy.ServiceHandle{}
		if err := sdk.Decode(req.PriorStateJSON, prior); err != nil {
			return nil, err
		}
	}

	handle, err := deploy.NewOrchestrator(p, p).Deploy(ctx, req.Name, &spec, spec.Cluster, prior)
	if err != nil {
		return nil, err
	}

	state, err := toMap(handle)
	if err != nil {
		return nil, err
	}
	state["containerPort"] = spec.ContainerPort
	state["launchType"] = spec.LaunchType
	p.store(req.Name, ir.KindDeployment, state, handle.DesiredReplicas)
	return state, nil
}

// RegisterService implements deploy.Backend.
func (p *Provider) RegisterService(ctx context.Context, req *deploy.ServiceRequest) (*deploy.ServiceHandle, error) {
	desired := req.Spec.DesiredReplicas
	if live, ok := p.live(req.Name); ok && req.Prior != nil {
		desired = live
	}
	return &deploy.ServiceHandle{
		Name:            req.Name,
		Cluster:         req.Cluster,
		ServiceID:       "svc-" + req.Name,
		Image:           req.Image,
		DNSName:         fmt.Sprintf("%s-lb.memory.local", req.Name),
		HealthRef:       req.Name,
		DesiredReplicas: desired,
	}, nil
}

func (p *Provider) applyPolicy(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.ScalingPolicySpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	state, err := toMap(spec)
	if err != nil {
		return nil, err
	}
	p.store(req.Name, ir.KindScalingPolicy, state, 0)
	return state, nil
}

func (p *Provider) applyOutput(req *sdk.ApplyRequest) (map[string]any, error) {
	var spec ir.OutputSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	var prior *publish.OutputState
	if len(req.PriorStateJSON) > 0 {
		prior = &publish.OutputState{}
		if err := sdk.Decode(req.PriorStateJSON, prior); err != nil {
			return nil, err
		}
	}

	state, err := toMap(publish.NewOutputState(&spec, prior))
	if err != nil {
		return nil, err
	}
	p.store(req.Name, ir.KindOutput, state, 0)
	return state, nil
}

// observeOutput advances an output's ready state from the current health of its
// deployment. The caller holds p.mu.
func (p *Provider) observeOutput(obj *object) bool {
	var s publish.OutputState
	data, _ := json.Marshal(obj.state)
	if err := json.Unmarshal(data, &s); err != nil {
		return false
	}
	healthy, err := p.healthyLocked(s.HealthRef)
	if err != nil {
		healthy = 0
	}
	s.Observe(healthy)
	if state, err := toMap(s); err == nil {
		state["name"] = obj.state["name"]
		obj.state = state
	}
	return s.Converged()
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
