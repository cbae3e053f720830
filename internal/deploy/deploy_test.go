package deploy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages map[string]string

func (f fakeImages) ResolveImage(_ context.Context, ref string) (string, error) {
	if resolved, ok := f[ref]; ok {
		return resolved, nil
	}
	return "", fmt.Errorf("%w: %s", ir.ErrImageNotFound, ref)
}

type fakeBackend struct {
	requests []*ServiceRequest
	err      error
}

func (f *fakeBackend) RegisterService(_ context.Context, req *ServiceRequest) (*ServiceHandle, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ServiceHandle{
		Name:            req.Name,
		Cluster:         req.Cluster,
		Image:           req.Image,
		DNSName:         req.Name + ".lb.local",
		DesiredReplicas: req.Spec.DesiredReplicas,
	}, nil
}

func spec() *ir.DeploymentSpec {
	s := &ir.DeploymentSpec{
		Image:           "inference:latest",
		ContainerPort:   8000,
		CPUUnits:        1024,
		MemoryMiB:       2048,
		DesiredReplicas: 1,
		Environment:     map[string]string{"PYTHONUNBUFFERED": "1"},
	}
	s.Defaults()
	return s
}

func TestDeploy_RegistersService(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(fakeImages{"inference:latest": "sha256:abc"}, backend)

	handle, err := o.Deploy(context.Background(), "service", spec(), "cluster", nil)
	require.NoError(t, err)
	assert.Equal(t, "service.lb.local", handle.DNSName)

	require.Len(t, backend.requests, 1)
	req := backend.requests[0]
	assert.Equal(t, "sha256:abc", req.Image)
	assert.Equal(t, "cluster", req.Cluster)
	assert.Equal(t, 8000, req.Spec.ContainerPort)
	assert.Equal(t, "1", req.Spec.Environment["PYTHONUNBUFFERED"])
}

func TestDeploy_ImageNotFound(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(fakeImages{}, backend)

	_, err := o.Deploy(context.Background(), "service", spec(), "cluster", nil)
	assert.ErrorIs(t, err, ir.ErrImageNotFound)
	assert.Empty(t, backend.requests)

	s := spec()
	s.Image = ""
	_, err = o.Deploy(context.Background(), "service", s, "cluster", nil)
	assert.ErrorIs(t, err, ir.ErrImageNotFound)
}

func TestDeploy_BackendError(t *testing.T) {
	boom := errors.New("listener limit")
	o := NewOrchestrator(fakeImages{"inference:latest": "img"}, &fakeBackend{err: boom})

	_, err := o.Deploy(context.Background(), "service", spec(), "cluster", nil)
	assert.ErrorIs(t, err, boom)
}

func TestCheckCapacity(t *testing.T) {
	tests := []struct {
		name     string
		launch   ir.LaunchType
		replicas int
		capacity *ir.HostCapacity
		wantErr  error
		errText  string
	}{
		{name: "fargate always fits", launch: ir.LaunchTypeFargate, replicas: 100},
		{name: "fits on t3.medium pool", launch: ir.LaunchTypeEC2, replicas: 4, capacity: &ir.HostCapacity{InstanceClass: "t3.medium", MaxCount: 2}},
		{name: "exceeds t3.medium pool", launch: ir.LaunchTypeEC2, replicas: 5, capacity: &ir.HostCapacity{InstanceClass: "t3.medium", MaxCount: 2}, wantErr: ir.ErrInsufficientCapacity},
		{name: "memory bound on t2.micro", launch: ir.LaunchTypeEC2, replicas: 1, capacity: &ir.HostCapacity{InstanceClass: "t2.micro", MaxCount: 2}, wantErr: ir.ErrInsufficientCapacity},
		{name: "missing capacity", launch: ir.LaunchTypeEC2, replicas: 1, errText: "requires capacity"},
		{name: "unknown class", launch: ir.LaunchTypeEC2, replicas: 1, capacity: &ir.HostCapacity{InstanceClass: "x9.huge", MaxCount: 1}, errText: "unknown instance class"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec()
			s.LaunchType = tt.launch
			s.DesiredReplicas = tt.replicas
			s.Capacity = tt.capacity

			err := CheckCapacity(s)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, ir.Retryable(err))
			case tt.errText != "":
				assert.ErrorContains(t, err, tt.errText)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestMaxReplicas(t *testing.T) {
	n, err := MaxReplicas(spec(), &ir.HostCapacity{InstanceClass: "m5.xlarge", MaxCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
