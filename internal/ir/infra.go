package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Spec is the typed form of a node's properties.
type Spec interface {
	Defaults()
	Validate() error
}

// NewSpec returns an empty typed spec for a kind.
func NewSpec(kind Kind) (Spec, error) {
	switch kind {
	case KindNetwork:
		return &NetworkSpec{}, nil
	case KindCluster:
		return &ClusterSpec{}, nil
	case KindCapacityPool:
		return &CapacityPoolSpec{}, nil
	case KindImage:
		return &ImageSpec{}, nil
	case KindDeployment:
		return &DeploymentSpec{}, nil
	case KindScalingPolicy:
		return &ScalingPolicySpec{}, nil
	case KindOutput:
		return &OutputSpec{}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// DecodeProperties converts a generic property map into a typed spec.
func DecodeProperties(props map[string]any, out any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode properties: %w", err)
	}
	return nil
}

// ValidateProperties decodes unresolved properties for kind and validates the
// literal values. Reference values are treated as unset.
func ValidateProperties(kind Kind, props map[string]any) error {
	spec, err := NewSpec(kind)
	if err != nil {
		return err
	}
	stripped, _ := StripRefs(props).(map[string]any)
	if err := DecodeProperties(stripped, spec); err != nil {
		return err
	}
	spec.Defaults()
	return spec.Validate()
}

// StripRefs returns a deep copy of v with every reference value replaced by nil.
func StripRefs(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = StripRefs(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = StripRefs(child)
		}
		return out
	default:
		if _, _, ok := ParseRef(val); ok {
			return nil
		}
		return val
	}
}

// Duration is a time.Duration that decodes from "90s" style strings or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// NetworkSpec describes the isolated virtual network.
type NetworkSpec struct {
	CIDR        string `json:"cidr"`
	MaxAZs      int    `json:"maxAzs"`
	NATGateways int    `json:"natGateways"`
}

func (s *NetworkSpec) Defaults() {
	if s.CIDR == "" {
		s.CIDR = "10.0.0.0/16"
	}
	if s.MaxAZs == 0 {
		s.MaxAZs = 2
	}
}

func (s *NetworkSpec) Validate() error {
	prefix, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return fmt.Errorf("invalid cidr %q: %w", s.CIDR, err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 24 {
		return fmt.Errorf("cidr %q must be an IPv4 block of /24 or larger", s.CIDR)
	}
	if s.MaxAZs < 1 {
		return errors.New("maxAzs must be at least 1")
	}
	if s.NATGateways < 0 || s.NATGateways > s.MaxAZs {
		return fmt.Errorf("natGateways must be between 0 and maxAzs (%d)", s.MaxAZs)
	}
	return nil
}

// ClusterSpec describes the placement domain.
type ClusterSpec struct {
	ClusterName string `json:"clusterName"`
	VPCID       string `json:"vpcId"`
}

func (s *ClusterSpec) Defaults() {}

func (s *ClusterSpec) Validate() error { return nil }

// CapacityPoolSpec describes host-level capacity attached to a cluster.
type CapacityPoolSpec struct {
	Cluster       string   `json:"cluster"`
	InstanceClass string   `json:"instanceClass"`
	MinCount      int      `json:"minCount"`
	MaxCount      int      `json:"maxCount"`
	DesiredCount  int      `json:"desiredCount"`
	Subnets       []string `json:"subnets,omitempty"`
}

func (s *CapacityPoolSpec) Defaults() {}

func (s *CapacityPoolSpec) Validate() error {
	if s.InstanceClass == "" {
		return errors.New("instanceClass is required")
	}
	if s.MinCount < 0 {
		return errors.New("minCount must not be negative")
	}
	if s.MinCount > s.DesiredCount || s.DesiredCount > s.MaxCount {
		return fmt.Errorf("counts must satisfy minCount <= desiredCount <= maxCount, got %d/%d/%d",
			s.MinCount, s.DesiredCount, s.MaxCount)
	}
	return nil
}

// ImageSpec describes the container image of the service.
type ImageSpec struct {
	Repository   string `json:"repository"`
	Tag          string `json:"tag"`
	BuildContext string `json:"buildContext,omitempty"`
	Dockerfile   string `json:"dockerfile,omitempty"`
	Platform     string `json:"platform,omitempty"`
}

func (s *ImageSpec) Defaults() {
	if s.Tag == "" {
		s.Tag = "latest"
	}
	if s.BuildContext != "" && s.Dockerfile == "" {
		s.Dockerfile = "Dockerfile"
	}
}

func (s *ImageSpec) Validate() error {
	if s.Repository == "" {
		return errors.New("repository is required")
	}
	return nil
}

// LaunchType selects where deployment replicas are placed.
type LaunchType string

const (
	LaunchTypeFargate LaunchType = "FARGATE"
	LaunchTypeEC2     LaunchType = "EC2"
)

// HostCapacity is the part of a capacity pool a deployment needs for placement checks.
type HostCapacity struct {
	InstanceClass string `json:"instanceClass"`
	MaxCount      int    `json:"maxCount"`
}

// DeploymentSpec describes the running service and its load balancer.
type DeploymentSpec struct {
	Cluster         string            `json:"cluster"`
	Image           string            `json:"image"`
	ContainerPort   int               `json:"containerPort"`
	CPUUnits        int               `json:"cpuUnits"`
	MemoryMiB       int               `json:"memoryMiB"`
	DesiredReplicas int               `json:"desiredReplicas"`
	Environment     map[string]string `json:"environment,omitempty"`
	LaunchType      LaunchType        `json:"launchType"`
	AssignPublicIP  bool              `json:"assignPublicIp"`
	HealthCheckPath string            `json:"healthCheckPath"`
	VPCID           string            `json:"vpcId,omitempty"`
	PublicSubnets   []string          `json:"publicSubnets,omitempty"`
	Subnets         []string          `json:"subnets,omitempty"`
	Capacity        *HostCapacity     `json:"capacity,omitempty"`
}

func (s *DeploymentSpec) Defaults() {
	if s.LaunchType == "" {
		s.LaunchType = LaunchTypeFargate
	}
	if s.HealthCheckPath == "" {
		s.HealthCheckPath = "/"
	}
}

func (s *DeploymentSpec) Validate() error {
	if s.ContainerPort < 1 || s.ContainerPort > 65535 {
		return fmt.Errorf("containerPort %d out of range", s.ContainerPort)
	}
	if s.CPUUnits <= 0 {
		return errors.New("cpuUnits must be positive")
	}
	if s.MemoryMiB <= 0 {
		return errors.New("memoryMiB must be positive")
	}
	if s.DesiredReplicas < 0 {
		return errors.New("desiredReplicas must not be negative")
	}
	switch s.LaunchType {
	case LaunchTypeFargate, LaunchTypeEC2:
	default:
		return fmt.Errorf("unknown launchType %q", s.LaunchType)
	}
	return nil
}

// DefaultTargetMetric is used when a scaling policy names no metric.
const DefaultTargetMetric = "CPUUtilization"

// ScalingPolicySpec is the declarative policy attached to a pool or deployment.
type ScalingPolicySpec struct {
	Target                   string   `json:"target"`
	TargetMetric             string   `json:"targetMetric"`
	TargetUtilizationPercent float64  `json:"targetUtilizationPercent"`
	ScaleInCooldown          Duration `json:"scaleInCooldown"`
	ScaleOutCooldown         Duration `json:"scaleOutCooldown"`
	MinCapacity              int      `json:"minCapacity"`
	MaxCapacity              int      `json:"maxCapacity"`
	Step                     int      `json:"step"`
}

func (s *ScalingPolicySpec) Defaults() {
	if s.TargetMetric == "" {
		s.TargetMetric = DefaultTargetMetric
	}
	if s.Step == 0 {
		s.Step = 1
	}
}

func (s *ScalingPolicySpec) Validate() error {
	if s.Target == "" {
		return errors.New("target is required")
	}
	if s.TargetUtilizationPercent <= 0 || s.TargetUtilizationPercent > 100 {
		return fmt.Errorf("targetUtilizationPercent %v must be in (0, 100]", s.TargetUtilizationPercent)
	}
	if s.ScaleInCooldown.Duration < 0 || s.ScaleOutCooldown.Duration < 0 {
		return errors.New("cooldowns must not be negative")
	}
	if s.MinCapacity < 0 || s.MinCapacity > s.MaxCapacity {
		return fmt.Errorf("capacity bounds must satisfy 0 <= min <= max, got [%d, %d]", s.MinCapacity, s.MaxCapacity)
	}
	if s.Step < 1 {
		return errors.New("step must be at least 1")
	}
	return nil
}

// OutputSpec publishes the service endpoint under Key.
type OutputSpec struct {
	Key         string   `json:"key"`
	DNSName     string   `json:"dnsName"`
	HealthRef   string   `json:"healthRef"`
	WaitTimeout Duration `json:"waitTimeout"`
}

func (s *OutputSpec) Defaults() {
	if s.Key == "" {
		s.Key = "LoadBalancerDNS"
	}
}

func (s *OutputSpec) Validate() error {
	if s.WaitTimeout.Duration < 0 {
		return errors.New("waitTimeout must not be negative")
	}
	return nil
}

// ReadyState is the published state of an endpoint.
type ReadyState string

const (
	ReadyPending   ReadyState = "Pending"
	ReadyHealthy   ReadyState = "Healthy"
	ReadyUnhealthy ReadyState = "Unhealthy"
)

// Endpoint is the stable external address of the service.
type Endpoint struct {
	DNSName    string     `json:"dnsName"`
	ReadyState ReadyState `json:"readyState"`
}
