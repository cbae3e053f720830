// Package memory implements every resource kind against an in-process fake
// cloud. It backs tests and dry runs, and exposes hooks to inject utilization,
// health, slow convergence and failures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/picklr-io/inferstack/internal/deploy"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/publish"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

type object struct {
	kind    ir.Kind
	state   map[string]any
	desired int // live desired count of pools and deployments
	reads   int // reads since the last apply
}

type Provider struct {
	mu          sync.Mutex
	objects     map[string]*object
	images      map[string]string // image uri -> digest
	utilization map[string]float64
	healthy     map[string]int
	convergeIn  map[string]int
	applyErr    map[string]error
	deleteErr   map[string]error
	calls       []string
}

func New() *Provider {
	return &Provider{
		objects:     make(map[string]*object),
		images:      make(map[string]string),
		utilization: make(map[string]float64),
		healthy:     make(map[string]int),
		convergeIn:  make(map[string]int),
		applyErr:    make(map[string]error),
		deleteErr:   make(map[string]error),
	}
}

// PublishImage makes an image uri resolvable without building it.
func (p *Provider) PublishImage(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images[uri] = fmt.Sprintf("sha256:%x", len(p.images)+1)
}

// SetUtilization sets the metric value reported for a pool or deployment.
func (p *Provider) SetUtilization(name string, percent float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.utilization[name] = percent
}

// SetHealthy overrides the healthy replica count of a deployment. A negative
// count restores the default of all replicas healthy.
func (p *Provider) SetHealthy(name string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		delete(p.healthy, name)
		return
	}
	p.healthy[name] = n
}

// ConvergeAfter makes the named node report converged only after n reads.
func (p *Provider) ConvergeAfter(name string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convergeIn[name] = n
}

// FailApply makes every apply of the named node fail with err; nil clears it.
func (p *Provider) FailApply(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.applyErr, name)
		return
	}
	p.applyErr[name] = err
}

// FailDelete makes every delete of the named node fail with err; nil clears it.
func (p *Provider) FailDelete(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.deleteErr, name)
		return
	}
	p.deleteErr[name] = err
}

// Calls returns the recorded mutating calls as "apply:<name>" and "delete:<name>".
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// ResetCalls clears the call log.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Exists reports whether the named node is currently materialized.
func (p *Provider) Exists(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[name]
	return ok
}

// Names returns the materialized node names, sorted.
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, "apply:"+req.Name)
	if err := p.applyErr[req.Name]; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	var (
		state map[string]any
		err   error
	)
	switch req.Kind {
	case ir.KindNetwork:
		state, err = p.applyNetwork(req)
	case ir.KindCluster:
		state, err = p.applyCluster(req)
	case ir.KindCapacityPool:
		state, err = p.applyPool(req)
	case ir.KindImage:
		state, err = p.applyImage(req)
	case ir.KindDeployment:
		state, err = p.applyDeployment(ctx, req)
	case ir.KindScalingPolicy:
		state, err = p.applyPolicy(req)
	case ir.KindOutput:
		state, err = p.applyOutput(req)
	default:
		return nil, fmt.Errorf("unsupported kind: %s", req.Kind)
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
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.Name]
	if !ok {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	obj.reads++

	converged := obj.reads >= p.convergeIn[req.Name]
	if obj.kind == ir.KindOutput {
		converged = p.observeOutput(obj) && converged
	}
	if obj.kind == ir.KindCapacityPool || obj.kind == ir.KindDeployment {
		obj.state[countField(obj.kind)] = obj.desired
	}

	data, err := sdk.Encode(obj.state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: converged, NewStateJSON: data}, nil
}

func (p *Provider) Delete(ctx context.Context, req *sdk.DeleteRequest) (*sdk.DeleteResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, "delete:"+req.Name)
	if err := p.deleteErr[req.Name]; err != nil {
		return nil, err
	}
	if _, ok := p.objects[req.Name]; !ok {
		return nil, fmt.Errorf("%s %s: %w", req.Kind, req.Name, ir.ErrNotFound)
	}
	delete(p.objects, req.Name)
	return &sdk.DeleteResponse{}, nil
}

func (p *Provider) store(name string, kind ir.Kind, state map[string]any, desired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state["name"] = name
	p.objects[name] = &object{kind: kind, state: state, desired: desired}
}

// live returns the live desired count of an existing pool or deployment.
func (p *Provider) live(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[name]
	if !ok {
		return 0, false
	}
	return obj.desired, true
}

func countField(kind ir.Kind) string {
	if kind == ir.KindDeployment {
		return "desiredReplicas"
	}
	return "desiredCount"
}

var errNoDatapoints = errors.New("no datapoints")

// DesiredCount implements sdk.Scaler.
func (p *Provider) DesiredCount(ctx context.Context, kind ir.Kind, state []byte) (int, error) {
	name, err := stateName(state)
	if err != nil {
		return 0, err
	}
	n, ok := p.live(name)
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", kind, name, ir.ErrNotFound)
	}
	return n, nil
}

// SetDesiredCount implements sdk.Scaler.
func (p *Provider) SetDesiredCount(ctx context.Context, kind ir.Kind, state []byte, count int) error {
	name, err := stateName(state)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[name]
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, name, ir.ErrNotFound)
	}
	p.calls = append(p.calls, fmt.Sprintf("scale:%s=%d", name, count))
	obj.desired = count
	obj.state[countField(kind)] = count
	return nil
}

// Utilization implements sdk.MetricReader.
func (p *Provider) Utilization(ctx context.Context, kind ir.Kind, state []byte, metric string, window time.Duration) (float64, error) {
	name, err := stateName(state)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.utilization[name]
	if !ok {
		return 0, fmt.Errorf("%s of %s: %w", metric, name, errNoDatapoints)
	}
	return v, nil
}

// HealthyReplicas implements sdk.HealthReader; healthRef is the deployment name.
func (p *Provider) HealthyReplicas(ctx context.Context, healthRef string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyLocked(healthRef)
}

func (p *Provider) healthyLocked(name string) (int, error) {
	obj, ok := p.objects[name]
	if !ok || obj.kind != ir.KindDeployment {
		return 0, fmt.Errorf("deployment %s: %w", name, ir.ErrNotFound)
	}
	if n, ok := p.healthy[name]; ok {
		return min(n, obj.desired), nil
	}
	return obj.desired, nil
}

func stateName(state []byte) (string, error) {
	var s struct {
		Name string `json:"name"`
	}
	if err := sdk.Decode(state, &s); err != nil {
		return "", err
	}
	if s.Name == "" {
		return "", errors.New("state has no name")
	}
	return s.Name, nil
}

var (
	_ sdk.Provider         = (*Provider)(nil)
	_ sdk.Scaler           = (*Provider)(nil)
	_ sdk.MetricReader     = (*Provider)(nil)
	_ sdk.HealthReader     = (*Provider)(nil)
	_ deploy.Backend       = (*Provider)(nil)
	_ deploy.ImageResolver = (*Provider)(nil)
	_ publish.HealthSource = (*Provider)(nil)
)
