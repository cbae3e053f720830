package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/inferstack/internal/deploy"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const stopTimeoutSeconds = 10

type deploymentState struct {
	deploy.ServiceHandle

	ContainerPort int               `json:"containerPort"`
	Network       string            `json:"network,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Endpoints     []string          `json:"endpoints"`
}

// replica is the part of a listed container the provider uses.
type replica struct {
	ID     string
	State  string
	Status string
	Port   uint16 // published host port
}

// healthy reports whether a running replica passes its health check, or has none.
func (r replica) healthy() bool {
	if r.State != "running" {
		return false
	}
	return !strings.Contains(r.Status, "(unhealthy)") && !strings.Contains(r.Status, "(health: starting)")
}

func toReplica(c types.Container, containerPort int) replica {
	r := replica{ID: c.ID, State: c.State, Status: c.Status}
	for _, port := range c.Ports {
		if int(port.PrivatePort) == containerPort && port.PublicPort != 0 {
			r.Port = port.PublicPort
		}
	}
	return r
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// dnsName is the address of the first replica with a published port.
func dnsName(replicas []replica) (string, []string) {
	var endpoints []string
	for _, r := range replicas {
		if r.Port != 0 {
			endpoints = append(endpoints, fmt.Sprintf("localhost:%d", r.Port))
		}
	}
	sort.Strings(endpoints)
	if len(endpoints) == 0 {
		return "localhost", nil
	}
	return endpoints[0], endpoints
}

func (p *Provider) replicas(ctx context.Context, name string) ([]replica, error) {
	return p.replicasOn(ctx, name, 0)
}

func (p *Provider) replicasOn(ctx context.Context, name string, containerPort int) ([]replica, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelDeployment+"="+name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas of %s: %w", name, err)
	}
	out := make([]replica, 0, len(list))
	for _, c := range list {
		out = append(out, toReplica(c, containerPort))
	}
	return out, nil
}

func (p *Provider) applyDeployment(ctx context.Context, req *sdk.ApplyRequest) (*deploymentState, error) {
	var spec ir.DeploymentSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	var prior *deploy.ServiceHandle
	if req.PriorStateJSON != nil {
		prior = &deploy.ServiceHandle{}
		if err := sdk.Decode(req.PriorStateJSON, prior); err != nil {
			return nil, err
		}
	}

	handle, err := deploy.NewOrchestrator(p, p).Deploy(ctx, req.Name, &spec, spec.Cluster, prior)
	if err != nil {
		return nil, err
	}
	replicas, err := p.replicasOn(ctx, req.Name, spec.ContainerPort)
	if err != nil {
		return nil, err
	}
	state := &deploymentState{
		ServiceHandle: *handle,
		ContainerPort: spec.ContainerPort,
		Network:       spec.VPCID,
		Environment:   spec.Environment,
	}
	state.DNSName, state.Endpoints = dnsName(replicas)
	return state, nil
}

// RegisterService implements deploy.Backend. Replicas of an existing
// deployment keep their live count; a new image replaces all of them.
func (p *Provider) RegisterService(ctx context.Context, req *deploy.ServiceRequest) (*deploy.ServiceHandle, error) {
	state := &deploymentState{
		ServiceHandle: deploy.ServiceHandle{
			Name:      req.Name,
			Cluster:   req.Cluster,
			ServiceID: labelDeployment + "=" + req.Name,
			Image:     req.Image,
			HealthRef: req.Name,
		},
		ContainerPort: req.Spec.ContainerPort,
		Network:       req.Spec.VPCID,
		Environment:   req.Spec.Environment,
	}

	existing, err := p.replicas(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	desired := req.Spec.DesiredReplicas
	if req.Prior != nil {
		desired = len(existing)
	}
	if req.Prior == nil || req.Prior.Image != req.Image {
		for _, r := range existing {
			if err := p.removeReplica(ctx, r.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := p.scaleReplicas(ctx, state, desired); err != nil {
		return nil, err
	}

	replicas, err := p.replicasOn(ctx, req.Name, req.Spec.ContainerPort)
	if err != nil {
		return nil, err
	}
	state.DesiredReplicas = len(replicas)
	state.DNSName, _ = dnsName(replicas)
	return &state.ServiceHandle, nil
}

// scaleReplicas starts or removes containers until count replicas exist.
func (p *Provider) scaleReplicas(ctx context.Context, state *deploymentState, count int) error {
	existing, err := p.replicas(ctx, state.Name)
	if err != nil {
		return err
	}
	for i := len(existing); i < count; i++ {
		if err := p.startReplica(ctx, state); err != nil {
			return err
		}
	}
	for i := count; i < len(existing); i++ {
		if err := p.removeReplica(ctx, existing[i].ID); err != nil {
			return err
		}
	}
	if count != len(existing) {
		logging.Logger().Info("scaled replicas", "deployment", state.Name, "from", len(existing), "to", count)
	}
	return nil
}

func (p *Provider) startReplica(ctx context.Context, state *deploymentState) error {
	port := nat.Port(fmt.Sprintf("%d/tcp", state.ContainerPort))
	hostConfig := &container.HostConfig{
		// An empty host port lets the daemon pick a free one.
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if state.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(state.Network)
	}
	config := &container.Config{
		Image:        state.Image,
		Env:          envList(state.Environment),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelDeployment: state.Name,
			labelUnit:       state.Cluster,
		},
	}

	name := fmt.Sprintf("%s-%s", state.Name, uuid.NewString()[:8])
	resp, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (p *Provider) removeReplica(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

func (p *Provider) readDeployment(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state deploymentState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	replicas, err := p.replicasOn(ctx, state.Name, state.ContainerPort)
	if err != nil {
		return nil, err
	}
	if len(replicas) == 0 && state.DesiredReplicas > 0 {
		return &sdk.ReadResponse{Exists: false}, nil
	}

	running := 0
	for _, r := range replicas {
		if r.State == "running" {
			running++
		}
	}
	state.DesiredReplicas = len(replicas)
	state.DNSName, state.Endpoints = dnsName(replicas)
	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: running == len(replicas), NewStateJSON: data}, nil
}

func (p *Provider) deleteDeployment(ctx context.Context, req *sdk.DeleteRequest) error {
	var state deploymentState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}
	replicas, err := p.replicas(ctx, state.Name)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return fmt.Errorf("deployment %s: %w", req.Name, ir.ErrNotFound)
	}
	for _, r := range replicas {
		if err := p.removeReplica(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// HealthyReplicas implements sdk.HealthReader; healthRef is the deployment name.
func (p *Provider) HealthyReplicas(ctx context.Context, healthRef string) (int, error) {
	if err := p.ensureClient(); err != nil {
		return 0, err
	}
	replicas, err := p.replicas(ctx, healthRef)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range replicas {
		if r.healthy() {
			n++
		}
	}
	return n, nil
}

type cpuSample struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

type containerStats struct {
	CPU    cpuSample `json:"cpu_stats"`
	PreCPU cpuSample `json:"precpu_stats"`
}

var errNoSample = errors.New("no cpu sample")

// percent is the CPU use between the two samples relative to one host,
// the way docker stats reports it.
func (s containerStats) percent() (float64, error) {
	cpuDelta := float64(s.CPU.CPUUsage.TotalUsage) - float64(s.PreCPU.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPU.SystemUsage) - float64(s.PreCPU.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0, errNoSample
	}
	cpus := float64(s.CPU.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100, nil
}

func (p *Provider) averageCPU(ctx context.Context, name string) (float64, error) {
	replicas, err := p.replicas(ctx, name)
	if err != nil {
		return 0, err
	}
	var sum float64
	n := 0
	for _, r := range replicas {
		if r.State != "running" {
			continue
		}
		resp, err := p.client.ContainerStats(ctx, r.ID, false)
		if err != nil {
			return 0, fmt.Errorf("failed to read stats of %s: %w", r.ID, err)
		}
		var stats containerStats
		err = json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to decode stats of %s: %w", r.ID, err)
		}
		pct, err := stats.percent()
		if err != nil {
			continue
		}
		sum += pct
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("deployment %s: %w", name, errNoSample)
	}
	return sum / float64(n), nil
}

var (
	_ deploy.Backend       = (*Provider)(nil)
	_ deploy.ImageResolver = (*Provider)(nil)
)
