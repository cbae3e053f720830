package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the closed set of node kinds a provisioning unit can contain.
type Kind string

const (
	KindNetwork       Kind = "Network"
	KindCluster       Kind = "Cluster"
	KindCapacityPool  Kind = "CapacityPool"
	KindImage         Kind = "Image"
	KindDeployment    Kind = "Deployment"
	KindScalingPolicy Kind = "ScalingPolicy"
	KindOutput        Kind = "Output"
)

// Kinds lists every known kind in dependency-leaf-first order.
var Kinds = []Kind{
	KindNetwork, KindCluster, KindCapacityPool, KindImage,
	KindDeployment, KindScalingPolicy, KindOutput,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// RefPrefix marks a property value that refers to another node's observed attribute,
// e.g. "ref://vpc/vpcId".
const RefPrefix = "ref://"

// Resource represents a single node of the resource graph.
type Resource struct {
	Kind       Kind           `pkl:"kind" yaml:"kind" json:"kind"`
	Name       string         `pkl:"name" yaml:"name" json:"name"`
	Provider   string         `pkl:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle" yaml:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	DependsOn  []string       `pkl:"dependsOn" yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Properties map[string]any `pkl:"properties" yaml:"properties" json:"properties"`
}

type Lifecycle struct {
	PreventDestroy bool     `pkl:"preventDestroy" yaml:"preventDestroy,omitempty" json:"preventDestroy,omitempty"`
	IgnoreChanges  []string `pkl:"ignoreChanges" yaml:"ignoreChanges,omitempty" json:"ignoreChanges,omitempty"`
}

// ParseRef splits a "ref://<name>/<attr>" value. ok is false for any other value.
func ParseRef(v any) (name, attr string, ok bool) {
	s, isStr := v.(string)
	if !isStr || !strings.HasPrefix(s, RefPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, RefPrefix)
	name, attr, found := strings.Cut(rest, "/")
	if !found || name == "" || attr == "" {
		return "", "", false
	}
	return name, attr, true
}

// Refs returns the sorted, de-duplicated node names referenced from the properties.
func (r *Resource) Refs() []string {
	seen := map[string]bool{}
	walkRefs(r.Properties, func(name, _ string) {
		seen[name] = true
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dependencies returns explicit dependsOn entries followed by implicit ref dependencies.
func (r *Resource) Dependencies() []string {
	seen := map[string]bool{}
	var deps []string
	for _, d := range r.DependsOn {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	implicit := r.Refs()
	if r.Kind == KindScalingPolicy {
		if target, ok := r.Properties["target"].(string); ok && target != "" {
			implicit = append(implicit, target)
		}
	}
	for _, d := range implicit {
		if !seen[d] && d != r.Name {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps
}

func walkRefs(v any, fn func(name, attr string)) {
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			walkRefs(child, fn)
		}
	case []any:
		for _, child := range val {
			walkRefs(child, fn)
		}
	default:
		if name, attr, ok := ParseRef(val); ok {
			fn(name, attr)
		}
	}
}

// ProviderName returns the provider configured on the node or the fallback.
func (r *Resource) ProviderName(fallback string) string {
	if r.Provider != "" {
		return r.Provider
	}
	return fallback
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s.%s", r.Kind, r.Name)
}
