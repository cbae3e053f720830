// Package aws materializes inference units on AWS: a VPC network, an ECS
// cluster with an auto scaling group for capacity, ECR images and an ECS
// service behind an application load balancer.
package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
	"github.com/picklr-io/inferstack/providers/docker"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultDeleteTimeout = 15 * time.Minute
)

// ImageBuilder builds a local image and pushes it to a registry.
type ImageBuilder interface {
	BuildImage(ctx context.Context, spec *ir.ImageSpec, ref string) error
	PushImage(ctx context.Context, ref, registryAuth string) error
}

type Provider struct {
	region string

	once    sync.Once
	initErr error

	ec2Client         *ec2.Client
	ecsClient         *ecs.Client
	autoscalingClient *autoscaling.Client
	elbv2Client       *elasticloadbalancingv2.Client
	ecrClient         *ecr.Client
	cloudwatchClient  *cloudwatch.Client
	logsClient        *cloudwatchlogs.Client
	iamClient         *iam.Client
	ssmClient         *ssm.Client

	builder       ImageBuilder
	pollInterval  time.Duration
	deleteTimeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithImageBuilder replaces the local docker daemon used to build images.
func WithImageBuilder(b ImageBuilder) Option {
	return func(p *Provider) {
		p.builder = b
	}
}

// WithPollInterval sets how often deletions poll for completion.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

func New(region string, opts ...Option) *Provider {
	p := &Provider{
		region:        region,
		builder:       docker.New(),
		pollInterval:  defaultPollInterval,
		deleteTimeout: defaultDeleteTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ensureClient(ctx context.Context) error {
	p.once.Do(func() {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
		if err != nil {
			p.initErr = fmt.Errorf("unable to load SDK config: %w", err)
			return
		}
		p.ec2Client = ec2.NewFromConfig(cfg)
		p.ecsClient = ecs.NewFromConfig(cfg)
		p.autoscalingClient = autoscaling.NewFromConfig(cfg)
		p.elbv2Client = elasticloadbalancingv2.NewFromConfig(cfg)
		p.ecrClient = ecr.NewFromConfig(cfg)
		p.cloudwatchClient = cloudwatch.NewFromConfig(cfg)
		p.logsClient = cloudwatchlogs.NewFromConfig(cfg)
		p.iamClient = iam.NewFromConfig(cfg)
		p.ssmClient = ssm.NewFromConfig(cfg)
	})
	return p.initErr
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	logging.Logger().Debug("aws apply", "kind", req.Kind, "name", req.Name, "update", req.PriorStateJSON != nil)

	var (
		state any
		err   error
	)
	switch req.Kind {
	case ir.KindNetwork:
		state, err = p.applyNetwork(ctx, req)
	case ir.KindCluster:
		state, err = p.applyCluster(ctx, req)
	case ir.KindCapacityPool:
		state, err = p.applyPool(ctx, req)
	case ir.KindImage:
		state, err = p.applyImage(ctx, req)
	case ir.KindDeployment:
		state, err = p.applyDeployment(ctx, req)
	case ir.KindScalingPolicy:
		state, err = applyPolicy(req)
	case ir.KindOutput:
		state, err = applyOutput(req)
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
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	switch req.Kind {
	case ir.KindNetwork:
		return p.readNetwork(ctx, req)
	case ir.KindCluster:
		return p.readCluster(ctx, req)
	case ir.KindCapacityPool:
		return p.readPool(ctx, req)
	case ir.KindImage:
		return p.readImage(ctx, req)
	case ir.KindDeployment:
		return p.readDeployment(ctx, req)
	case ir.KindScalingPolicy:
		return &sdk.ReadResponse{Exists: true, Converged: true, NewStateJSON: req.CurrentStateJSON}, nil
	case ir.KindOutput:
		return p.readOutput(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported kind: %s", req.Kind)
	}
}

func (p *Provider) Delete(ctx context.Context, req *sdk.DeleteRequest) (*sdk.DeleteResponse, error) {
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	logging.Logger().Debug("aws delete", "kind", req.Kind, "name", req.Name)

	var err error
	switch req.Kind {
	case ir.KindNetwork:
		err = p.deleteNetwork(ctx, req)
	case ir.KindCluster:
		err = p.deleteCluster(ctx, req)
	case ir.KindCapacityPool:
		err = p.deletePool(ctx, req)
	case ir.KindImage:
		err = p.deleteImage(ctx, req)
	case ir.KindDeployment:
		err = p.deleteDeployment(ctx, req)
	case ir.KindScalingPolicy, ir.KindOutput:
	default:
		err = fmt.Errorf("unsupported kind: %s", req.Kind)
	}
	if err != nil {
		return nil, err
	}
	return &sdk.DeleteResponse{}, nil
}

// DesiredCount implements sdk.Scaler.
func (p *Provider) DesiredCount(ctx context.Context, kind ir.Kind, state []byte) (int, error) {
	if err := p.ensureClient(ctx); err != nil {
		return 0, err
	}
	switch kind {
	case ir.KindCapacityPool:
		var s poolState
		if err := sdk.Decode(state, &s); err != nil {
			return 0, err
		}
		group, err := p.describeGroup(ctx, s.PoolID)
		if err != nil {
			return 0, err
		}
		return int(deref(group.DesiredCapacity)), nil
	case ir.KindDeployment:
		var s serviceState
		if err := sdk.Decode(state, &s); err != nil {
			return 0, err
		}
		svc, err := p.describeService(ctx, s.Cluster, s.Name)
		if err != nil {
			return 0, err
		}
		return int(svc.DesiredCount), nil
	}
	return 0, fmt.Errorf("%s cannot be scaled", kind)
}

// SetDesiredCount implements sdk.Scaler.
func (p *Provider) SetDesiredCount(ctx context.Context, kind ir.Kind, state []byte, count int) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	switch kind {
	case ir.KindCapacityPool:
		var s poolState
		if err := sdk.Decode(state, &s); err != nil {
			return err
		}
		return p.scalePool(ctx, &s, count)
	case ir.KindDeployment:
		var s serviceState
		if err := sdk.Decode(state, &s); err != nil {
			return err
		}
		return p.scaleService(ctx, &s, count)
	}
	return fmt.Errorf("%s cannot be scaled", kind)
}

func applyPolicy(req *sdk.ApplyRequest) (map[string]any, error) {
	state := map[string]any{}
	var spec ir.ScalingPolicySpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	if err := sdk.Decode(req.DesiredConfigJSON, &state); err != nil {
		return nil, err
	}
	state["name"] = req.Name
	return state, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

var (
	_ sdk.Provider     = (*Provider)(nil)
	_ sdk.Scaler       = (*Provider)(nil)
	_ sdk.MetricReader = (*Provider)(nil)
	_ sdk.HealthReader = (*Provider)(nil)
)
