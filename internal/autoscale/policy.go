// Package autoscale implements the two scaling control loops: the capacity
// controller over a pool's desired host count and the service autoscaler over a
// deployment's desired replicas. Both run the same target-tracking step
// algorithm with independent cooldowns per direction.
package autoscale

import (
	"fmt"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
)

// Direction of a scaling decision.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionOut   Direction = "out"
	DirectionIn    Direction = "in"
	DirectionClamp Direction = "clamp" // current count was outside the policy bounds
)

// Cooldowns holds the time of the last scaling action in each direction.
// A zero time means the direction has never scaled.
type Cooldowns struct {
	LastScaleOut time.Time `json:"lastScaleOut"`
	LastScaleIn  time.Time `json:"lastScaleIn"`
}

// CooldownsFromOutputs reads the cooldowns recorded on a policy node.
// Missing timers are zero.
func CooldownsFromOutputs(outputs map[string]any) (Cooldowns, error) {
	var cd Cooldowns
	if err := ir.DecodeProperties(outputs, &cd); err != nil {
		return Cooldowns{}, fmt.Errorf("invalid cooldowns: %w", err)
	}
	return cd, nil
}

// WriteOutputs records the cooldowns on a policy node's outputs. Zero timers
// are left out.
func (cd Cooldowns) WriteOutputs(outputs map[string]any) {
	for key, ts := range map[string]time.Time{"lastScaleOut": cd.LastScaleOut, "lastScaleIn": cd.LastScaleIn} {
		if ts.IsZero() {
			delete(outputs, key)
			continue
		}
		outputs[key] = ts.UTC().Format(time.RFC3339Nano)
	}
}

// Decision is the outcome of evaluating a policy once.
type Decision struct {
	Direction   Direction
	Current     int
	Desired     int
	Utilization float64
	Reason      string
}

// Changed reports whether the decision asks for a new desired count.
func (d Decision) Changed() bool {
	return d.Desired != d.Current
}

// Evaluate applies one step of target tracking. Utilization above the target
// scales out by policy.Step, below it scales in, both clamped to the policy
// bounds and gated by the cooldown of their own direction. A count already
// outside the bounds is clamped regardless of cooldowns.
func Evaluate(policy *ir.ScalingPolicySpec, cd Cooldowns, current int, utilization float64, now time.Time) Decision {
	d := Decision{Direction: DirectionNone, Current: current, Desired: current, Utilization: utilization}

	step := policy.Step
	if step < 1 {
		step = 1
	}

	switch {
	case current < policy.MinCapacity:
		d.Direction, d.Desired = DirectionClamp, policy.MinCapacity
		d.Reason = fmt.Sprintf("below minimum %d", policy.MinCapacity)
	case current > policy.MaxCapacity:
		d.Direction, d.Desired = DirectionClamp, policy.MaxCapacity
		d.Reason = fmt.Sprintf("above maximum %d", policy.MaxCapacity)

	case utilization > policy.TargetUtilizationPercent:
		if current >= policy.MaxCapacity {
			d.Reason = "at maximum"
			break
		}
		if wait := remaining(cd.LastScaleOut, policy.ScaleOutCooldown.Duration, now); wait > 0 {
			d.Reason = fmt.Sprintf("scale-out cooldown, %s left", wait.Round(time.Second))
			break
		}
		d.Direction, d.Desired = DirectionOut, min(current+step, policy.MaxCapacity)
		d.Reason = fmt.Sprintf("%.1f%% above target %.1f%%", utilization, policy.TargetUtilizationPercent)

	case utilization < policy.TargetUtilizationPercent:
		if current <= policy.MinCapacity {
			d.Reason = "at minimum"
			break
		}
		if wait := remaining(cd.LastScaleIn, policy.ScaleInCooldown.Duration, now); wait > 0 {
			d.Reason = fmt.Sprintf("scale-in cooldown, %s left", wait.Round(time.Second))
			break
		}
		d.Direction, d.Desired = DirectionIn, max(current-step, policy.MinCapacity)
		d.Reason = fmt.Sprintf("%.1f%% below target %.1f%%", utilization, policy.TargetUtilizationPercent)

	default:
		d.Reason = "on target"
	}
	return d
}

// Record returns the cooldowns after d was carried out at now. Clamping and
// no-op decisions leave the timers alone.
func (cd Cooldowns) Record(d Decision, now time.Time) Cooldowns {
	switch d.Direction {
	case DirectionOut:
		cd.LastScaleOut = now
	case DirectionIn:
		cd.LastScaleIn = now
	}
	return cd
}

func remaining(last time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	return cooldown - now.Sub(last)
}
