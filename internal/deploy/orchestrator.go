// Package deploy creates the running service of a unit: it resolves the image,
// checks that the capacity pool can host the replicas and registers the service
// behind a load balancer.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
)

// ImageResolver turns an image reference into something the backend can run.
// It returns an error wrapping ir.ErrImageNotFound when the image does not exist.
type ImageResolver interface {
	ResolveImage(ctx context.Context, ref string) (string, error)
}

// Backend registers services and their load balancer wiring.
type Backend interface {
	RegisterService(ctx context.Context, req *ServiceRequest) (*ServiceHandle, error)
}

// ServiceRequest is what the backend needs to run a deployment.
type ServiceRequest struct {
	Name    string
	Cluster string
	Image   string // resolved
	Spec    *ir.DeploymentSpec
	Prior   *ServiceHandle // nil on create
}

// ServiceHandle identifies a registered service.
type ServiceHandle struct {
	Name            string `json:"name"`
	Cluster         string `json:"cluster"`
	ServiceID       string `json:"serviceId"`
	Image           string `json:"image"`
	DNSName         string `json:"dnsName"`
	HealthRef       string `json:"healthRef"` // handed to a HealthReader to count healthy replicas
	DesiredReplicas int    `json:"desiredReplicas"`
}

type Orchestrator struct {
	images  ImageResolver
	backend Backend
	log     *slog.Logger
}

func NewOrchestrator(images ImageResolver, backend Backend) *Orchestrator {
	return &Orchestrator{
		images:  images,
		backend: backend,
		log:     logging.Logger().With("component", "deploy"),
	}
}

// Deploy registers the service name in cluster. It fails with ir.ErrImageNotFound
// when the image cannot be resolved and with ir.ErrInsufficientCapacity when
// the cluster's pool cannot place the replicas.
func (o *Orchestrator) Deploy(ctx context.Context, name string, spec *ir.DeploymentSpec, cluster string, prior *ServiceHandle) (*ServiceHandle, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: deployment %s has no image", ir.ErrImageNotFound, name)
	}
	image, err := o.images.ResolveImage(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("resolve image %s: %w", spec.Image, err)
	}

	if err := CheckCapacity(spec); err != nil {
		return nil, err
	}

	o.log.Debug("registering service", "name", name, "cluster", cluster, "image", image, "replicas", spec.DesiredReplicas)
	handle, err := o.backend.RegisterService(ctx, &ServiceRequest{
		Name:    name,
		Cluster: cluster,
		Image:   image,
		Spec:    spec,
		Prior:   prior,
	})
	if err != nil {
		return nil, fmt.Errorf("register service %s: %w", name, err)
	}
	return handle, nil
}
