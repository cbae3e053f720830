package ir

import (
	"fmt"
)

// Config is a provisioning document: one unit's desired resource graph.
type Config struct {
	Unit      string         `pkl:"unit" yaml:"unit" json:"unit"`
	Provider  string         `pkl:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
	Resources []*Resource    `pkl:"resources" yaml:"resources" json:"resources"`
	Outputs   map[string]any `pkl:"outputs" yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Lookup returns the resource with the given name.
func (c *Config) Lookup(name string) *Resource {
	for _, r := range c.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Validate checks resource identity, kinds and the per-kind specs. It does not
// check the graph for cycles; the engine does that when building the DAG.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resource of kind %q has no name", r.Kind)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate resource name %q", r.Name)
		}
		seen[r.Name] = true
		if !r.Kind.Valid() {
			return fmt.Errorf("resource %q: unknown kind %q", r.Name, r.Kind)
		}
	}

	for _, r := range c.Resources {
		for _, dep := range r.Dependencies() {
			if !seen[dep] {
				return fmt.Errorf("resource %q depends on unknown resource %q", r.Name, dep)
			}
		}
		if err := ValidateProperties(r.Kind, r.Properties); err != nil {
			return fmt.Errorf("resource %q: %w", r.Name, err)
		}
	}

	return c.validatePolicyBounds()
}

// validatePolicyBounds checks that initial replica and capacity counts sit within
// the bounds of any scaling policy attached to them, and that a pool policy
// never reaches outside the pool's own minCount and maxCount.
func (c *Config) validatePolicyBounds() error {
	for _, r := range c.Resources {
		if r.Kind != KindScalingPolicy {
			continue
		}
		var policy ScalingPolicySpec
		if err := DecodeProperties(r.Properties, &policy); err != nil {
			return fmt.Errorf("resource %q: %w", r.Name, err)
		}
		target := c.Lookup(policy.Target)
		if target == nil {
			return fmt.Errorf("scaling policy %q targets unknown resource %q", r.Name, policy.Target)
		}

		props, _ := StripRefs(target.Properties).(map[string]any)
		var desired int
		switch target.Kind {
		case KindCapacityPool:
			var pool CapacityPoolSpec
			if err := DecodeProperties(props, &pool); err != nil {
				return fmt.Errorf("resource %q: %w", target.Name, err)
			}
			desired = pool.DesiredCount
			if props["minCount"] != nil && policy.MinCapacity < pool.MinCount {
				return fmt.Errorf("scaling policy %q: minCapacity %d below minCount %d of pool %q",
					r.Name, policy.MinCapacity, pool.MinCount, target.Name)
			}
			if props["maxCount"] != nil && policy.MaxCapacity > pool.MaxCount {
				return fmt.Errorf("scaling policy %q: maxCapacity %d above maxCount %d of pool %q",
					r.Name, policy.MaxCapacity, pool.MaxCount, target.Name)
			}
		case KindDeployment:
			var dep DeploymentSpec
			if err := DecodeProperties(props, &dep); err != nil {
				return fmt.Errorf("resource %q: %w", target.Name, err)
			}
			desired = dep.DesiredReplicas
		default:
			return fmt.Errorf("scaling policy %q: target %q is a %s, want CapacityPool or Deployment", r.Name, target.Name, target.Kind)
		}

		if desired < policy.MinCapacity || desired > policy.MaxCapacity {
			return fmt.Errorf("resource %q: desired count %d outside scaling policy %q bounds [%d, %d]",
				target.Name, desired, r.Name, policy.MinCapacity, policy.MaxCapacity)
		}
	}
	return nil
}
