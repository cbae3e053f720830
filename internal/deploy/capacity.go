package deploy

import (
	"fmt"

	"github.com/picklr-io/inferstack/internal/ir"
)

// InstanceCapacity is the schedulable size of one host.
type InstanceCapacity struct {
	CPUUnits  int // 1024 per vCPU
	MemoryMiB int
}

var instanceClasses = map[string]InstanceCapacity{
	"t2.micro":   {CPUUnits: 1024, MemoryMiB: 1024},
	"t2.small":   {CPUUnits: 1024, MemoryMiB: 2048},
	"t2.medium":  {CPUUnits: 2048, MemoryMiB: 4096},
	"t2.large":   {CPUUnits: 2048, MemoryMiB: 8192},
	"t3.micro":   {CPUUnits: 2048, MemoryMiB: 1024},
	"t3.small":   {CPUUnits: 2048, MemoryMiB: 2048},
	"t3.medium":  {CPUUnits: 2048, MemoryMiB: 4096},
	"t3.large":   {CPUUnits: 2048, MemoryMiB: 8192},
	"t3.xlarge":  {CPUUnits: 4096, MemoryMiB: 16384},
	"m5.large":   {CPUUnits: 2048, MemoryMiB: 8192},
	"m5.xlarge":  {CPUUnits: 4096, MemoryMiB: 16384},
	"m5.2xlarge": {CPUUnits: 8192, MemoryMiB: 32768},
	"c5.large":   {CPUUnits: 2048, MemoryMiB: 4096},
	"c5.xlarge":  {CPUUnits: 4096, MemoryMiB: 8192},
	"c5.2xlarge": {CPUUnits: 8192, MemoryMiB: 16384},
}

// LookupInstanceClass returns the capacity of a known instance class.
func LookupInstanceClass(class string) (InstanceCapacity, bool) {
	c, ok := instanceClasses[class]
	return c, ok
}

// MaxReplicas returns how many replicas of spec fit on the pool at its maximum size.
func MaxReplicas(spec *ir.DeploymentSpec, pool *ir.HostCapacity) (int, error) {
	host, ok := LookupInstanceClass(pool.InstanceClass)
	if !ok {
		return 0, fmt.Errorf("unknown instance class %q", pool.InstanceClass)
	}
	if spec.CPUUnits <= 0 || spec.MemoryMiB <= 0 {
		return 0, fmt.Errorf("deployment needs positive cpu and memory, got %d / %d", spec.CPUUnits, spec.MemoryMiB)
	}
	perHost := min(host.CPUUnits/spec.CPUUnits, host.MemoryMiB/spec.MemoryMiB)
	return perHost * pool.MaxCount, nil
}

// CheckCapacity verifies that an EC2 deployment fits its capacity pool. Fargate
// deployments are placed by the platform and always pass.
func CheckCapacity(spec *ir.DeploymentSpec) error {
	if spec.LaunchType != ir.LaunchTypeEC2 {
		return nil
	}
	if spec.Capacity == nil {
		return fmt.Errorf("launch type %s requires capacity (instanceClass, maxCount)", ir.LaunchTypeEC2)
	}
	fit, err := MaxReplicas(spec, spec.Capacity)
	if err != nil {
		return err
	}
	if spec.DesiredReplicas > fit {
		return fmt.Errorf("%w: %d replicas of %d cpu / %d MiB need more than %d x %s (fits %d)",
			ir.ErrInsufficientCapacity, spec.DesiredReplicas, spec.CPUUnits, spec.MemoryMiB,
			spec.Capacity.MaxCount, spec.Capacity.InstanceClass, fit)
	}
	return nil
}
