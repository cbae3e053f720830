package autoscale

import (
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func poolPolicy() *ir.ScalingPolicySpec {
	return &ir.ScalingPolicySpec{
		Target:                   "pool",
		TargetMetric:             "CPUUtilization",
		TargetUtilizationPercent: 30,
		ScaleInCooldown:          ir.Duration{Duration: 30 * time.Minute},
		ScaleOutCooldown:         ir.Duration{Duration: 2 * time.Minute},
		MinCapacity:              1,
		MaxCapacity:              2,
		Step:                     1,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		cooldowns Cooldowns
		current   int
		util      float64
		want      Direction
		desired   int
	}{
		{name: "scale out above target", current: 1, util: 80, want: DirectionOut, desired: 2},
		{name: "at maximum is a no-op", current: 2, util: 95, want: DirectionNone, desired: 2},
		{name: "scale in below target", current: 2, util: 10, want: DirectionIn, desired: 1},
		{name: "at minimum is a no-op", current: 1, util: 5, want: DirectionNone, desired: 1},
		{name: "on target", current: 1, util: 30, want: DirectionNone, desired: 1},
		{
			name:      "scale-out cooldown",
			cooldowns: Cooldowns{LastScaleOut: t0.Add(-time.Minute)},
			current:   1, util: 80, want: DirectionNone, desired: 1,
		},
		{
			name:      "scale-out cooldown elapsed",
			cooldowns: Cooldowns{LastScaleOut: t0.Add(-2 * time.Minute)},
			current:   1, util: 80, want: DirectionOut, desired: 2,
		},
		{
			name:      "scale-out cooldown does not block scale-in",
			cooldowns: Cooldowns{LastScaleOut: t0.Add(-time.Second)},
			current:   2, util: 10, want: DirectionIn, desired: 1,
		},
		{
			name:      "scale-in cooldown",
			cooldowns: Cooldowns{LastScaleIn: t0.Add(-29 * time.Minute)},
			current:   2, util: 10, want: DirectionNone, desired: 2,
		},
		{name: "below minimum clamps", current: 0, util: 0, want: DirectionClamp, desired: 1},
		{
			name:      "above maximum clamps despite cooldown",
			cooldowns: Cooldowns{LastScaleIn: t0},
			current:   5, util: 99, want: DirectionClamp, desired: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(poolPolicy(), tt.cooldowns, tt.current, tt.util, t0)
			assert.Equal(t, tt.want, d.Direction, d.Reason)
			assert.Equal(t, tt.desired, d.Desired)
			assert.Equal(t, tt.current, d.Current)
			assert.GreaterOrEqual(t, d.Desired, 1)
			assert.LessOrEqual(t, d.Desired, 2)
		})
	}
}

func TestEvaluate_StepClampedToBounds(t *testing.T) {
	p := &ir.ScalingPolicySpec{TargetUtilizationPercent: 70, MinCapacity: 1, MaxCapacity: 4, Step: 3}

	assert.Equal(t, 4, Evaluate(p, Cooldowns{}, 2, 90, t0).Desired)
	assert.Equal(t, 1, Evaluate(p, Cooldowns{}, 3, 10, t0).Desired)
}

func TestEvaluate_ZeroStepDefaultsToOne(t *testing.T) {
	p := &ir.ScalingPolicySpec{TargetUtilizationPercent: 70, MinCapacity: 1, MaxCapacity: 4}
	assert.Equal(t, 2, Evaluate(p, Cooldowns{}, 1, 90, t0).Desired)
}

func TestCooldownsRecord(t *testing.T) {
	cd := Cooldowns{}.Record(Decision{Direction: DirectionOut}, t0)
	assert.Equal(t, t0, cd.LastScaleOut)
	assert.True(t, cd.LastScaleIn.IsZero())

	cd = cd.Record(Decision{Direction: DirectionClamp}, t0.Add(time.Hour))
	assert.Equal(t, t0, cd.LastScaleOut)

	cd = cd.Record(Decision{Direction: DirectionIn}, t0.Add(time.Hour))
	assert.Equal(t, t0.Add(time.Hour), cd.LastScaleIn)
}
