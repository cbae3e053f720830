package autoscale

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

// ProviderTarget scales one provisioned pool or deployment through its provider.
type ProviderTarget struct {
	Kind    ir.Kind
	State   []byte // the resource's observed outputs
	Scaler  sdk.Scaler
	Metrics sdk.MetricReader
}

func (t *ProviderTarget) DesiredCount(ctx context.Context) (int, error) {
	return t.Scaler.DesiredCount(ctx, t.Kind, t.State)
}

func (t *ProviderTarget) SetDesiredCount(ctx context.Context, n int) error {
	return t.Scaler.SetDesiredCount(ctx, t.Kind, t.State, n)
}

func (t *ProviderTarget) Utilization(ctx context.Context, metric string, window time.Duration) (float64, error) {
	return t.Metrics.Utilization(ctx, t.Kind, t.State, metric, window)
}

// ProviderLookup returns a loaded provider by name.
type ProviderLookup interface {
	Get(name string) (sdk.Provider, error)
}

// FromState builds one controller for every scaling policy converged in st:
// a capacity controller for policies on a CapacityPool and a service
// autoscaler for policies on a Deployment. A pool policy is narrowed to the
// pool's observed minCount and maxCount, and every controller starts from the
// cooldowns recorded on its policy node.
func FromState(st *ir.State, providers ProviderLookup, opts ...Option) ([]*Controller, error) {
	var controllers []*Controller
	for _, rs := range st.Resources {
		if rs.Kind != ir.KindScalingPolicy || !rs.Converged() {
			continue
		}

		var policy ir.ScalingPolicySpec
		if err := ir.DecodeProperties(rs.Outputs, &policy); err != nil {
			return nil, fmt.Errorf("policy %s: %w", rs.Name, err)
		}
		policy.Defaults()
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", rs.Name, err)
		}
		cd, err := CooldownsFromOutputs(rs.Outputs)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", rs.Name, err)
		}

		target, err := providerTarget(st, providers, policy.Target)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", rs.Name, err)
		}

		ctlOpts := append(append([]Option{}, opts...), WithCooldowns(cd))
		var c *Controller
		switch target.Kind {
		case ir.KindCapacityPool:
			if err := narrowToPool(&policy, st.Lookup(policy.Target)); err != nil {
				return nil, fmt.Errorf("policy %s: %w", rs.Name, err)
			}
			c = NewCapacityController(policy.Target, &policy, target, target, ctlOpts...)
		case ir.KindDeployment:
			c = NewServiceAutoscaler(policy.Target, &policy, target, target, ctlOpts...)
		default:
			return nil, fmt.Errorf("policy %s: target %s is a %s, not a pool or deployment", rs.Name, policy.Target, target.Kind)
		}
		c.policyName = rs.Name
		controllers = append(controllers, c)
	}
	return controllers, nil
}

// narrowToPool keeps the policy bounds inside the pool's own host bounds.
func narrowToPool(policy *ir.ScalingPolicySpec, pool *ir.ResourceState) error {
	var spec ir.CapacityPoolSpec
	if err := ir.DecodeProperties(pool.Outputs, &spec); err != nil {
		return fmt.Errorf("pool %s: %w", pool.Name, err)
	}
	if _, ok := pool.Outputs["minCount"]; ok {
		policy.MinCapacity = max(policy.MinCapacity, spec.MinCount)
	}
	if _, ok := pool.Outputs["maxCount"]; ok {
		policy.MaxCapacity = min(policy.MaxCapacity, spec.MaxCount)
	}
	if policy.MinCapacity > policy.MaxCapacity {
		return fmt.Errorf("pool %s bounds [%d, %d] leave no room for the policy", pool.Name, spec.MinCount, spec.MaxCount)
	}
	return nil
}

func providerTarget(st *ir.State, providers ProviderLookup, name string) (*ProviderTarget, error) {
	rs := st.Lookup(name)
	if rs == nil {
		return nil, fmt.Errorf("target %s: %w", name, ir.ErrNotFound)
	}
	p, err := providers.Get(rs.Provider)
	if err != nil {
		return nil, err
	}
	scaler, ok := p.(sdk.Scaler)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot scale %s", rs.Provider, name)
	}
	reader, ok := p.(sdk.MetricReader)
	if !ok {
		return nil, fmt.Errorf("provider %s reports no metrics for %s", rs.Provider, name)
	}
	state, err := json.Marshal(rs.Outputs)
	if err != nil {
		return nil, err
	}
	return &ProviderTarget{Kind: rs.Kind, State: state, Scaler: scaler, Metrics: reader}, nil
}
