package autoscale

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTarget struct {
	mu       sync.Mutex
	count    int
	util     float64
	readErr  error
	utilErr  error
	writeErr error
	writes   []int
}

func (f *fakeTarget) DesiredCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.readErr
}

func (f *fakeTarget) SetDesiredCount(ctx context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.count = n
	f.writes = append(f.writes, n)
	return nil
}

func (f *fakeTarget) Utilization(ctx context.Context, metric string, window time.Duration) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.util, f.utilErr
}

func serviceTaskPolicy() *ir.ScalingPolicySpec {
	return &ir.ScalingPolicySpec{
		Target:                   "service",
		TargetUtilizationPercent: 70,
		ScaleInCooldown:          ir.Duration{Duration: 60 * time.Second},
		ScaleOutCooldown:         ir.Duration{Duration: 60 * time.Second},
		MinCapacity:              1,
		MaxCapacity:              4,
	}
}

func TestCapacityController_ScalesOutOnceThenHolds(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	pool := &fakeTarget{count: 1, util: 80}
	ctl := NewCapacityController("pool", poolPolicy(), pool, pool, WithClock(clock))

	d, err := ctl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirectionOut, d.Direction)
	assert.Equal(t, 2, pool.count)

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		d, err = ctl.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, DirectionNone, d.Direction)
	}
	assert.Equal(t, []int{2}, pool.writes)
	assert.Equal(t, t0, ctl.Cooldowns().LastScaleOut)
}

func TestServiceAutoscaler_NeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := &fakeTarget{count: 1, util: 90}
	ctl := NewServiceAutoscaler("service", serviceTaskPolicy(), svc, svc, WithClock(clock))

	for i := 0; i < 6; i++ {
		_, err := ctl.Tick(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, svc.count, 4)
		assert.GreaterOrEqual(t, svc.count, 1)
		clock.Advance(61 * time.Second)
	}
	assert.Equal(t, []int{2, 3, 4}, svc.writes)
}

func TestController_CooldownBlocksScaleOut(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	policy := serviceTaskPolicy()
	policy.ScaleOutCooldown = ir.Duration{Duration: 120 * time.Second}
	svc := &fakeTarget{count: 1, util: 90}
	ctl := NewServiceAutoscaler("service", policy, svc, svc, WithClock(clock))

	_, err := ctl.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, svc.count)

	clock.Advance(119 * time.Second)
	d, err := ctl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirectionNone, d.Direction)
	assert.Equal(t, 2, svc.count)

	clock.Advance(time.Second)
	d, err = ctl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirectionOut, d.Direction)
	assert.Equal(t, 3, svc.count)
}

func TestController_ScaleInAfterScaleOutIsIndependent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	svc := &fakeTarget{count: 2, util: 90}
	ctl := NewServiceAutoscaler("service", serviceTaskPolicy(), svc, svc, WithClock(clock))

	_, err := ctl.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, svc.count)

	svc.util = 10
	clock.Advance(time.Second)
	d, err := ctl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirectionIn, d.Direction)
	assert.Equal(t, 2, svc.count)
}

func TestController_MetricErrorLeavesCount(t *testing.T) {
	clock := &fakeClock{now: t0}
	pool := &fakeTarget{count: 1, utilErr: errors.New("no datapoints")}
	ctl := NewCapacityController("pool", poolPolicy(), pool, pool, WithClock(clock))

	_, err := ctl.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CPUUtilization")
	assert.Empty(t, pool.writes)
}

func TestController_WriteErrorKeepsCooldown(t *testing.T) {
	clock := &fakeClock{now: t0}
	pool := &fakeTarget{count: 1, util: 80, writeErr: errors.New("throttled")}
	ctl := NewCapacityController("pool", poolPolicy(), pool, pool, WithClock(clock))

	d, err := ctl.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, DirectionOut, d.Direction)
	assert.True(t, ctl.Cooldowns().LastScaleOut.IsZero())

	// The next tick retries without waiting for a cooldown.
	pool.writeErr = nil
	d, err = ctl.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.count)
}

func TestController_ClampsOutOfBoundsCount(t *testing.T) {
	clock := &fakeClock{now: t0}
	pool := &fakeTarget{count: 7, util: 30}
	var decisions []Decision
	ctl := NewCapacityController("pool", poolPolicy(), pool, pool, WithClock(clock),
		WithOnDecision(func(d Decision) { decisions = append(decisions, d) }))

	_, err := ctl.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.count)
	require.Len(t, decisions, 1)
	assert.Equal(t, DirectionClamp, decisions[0].Direction)
	assert.Equal(t, Cooldowns{}, ctl.Cooldowns())
}

func TestController_PingAndRun(t *testing.T) {
	clock := &fakeClock{now: t0}
	pool := &fakeTarget{count: 1, util: 30}
	ctl := NewCapacityController("pool", poolPolicy(), pool, pool, WithClock(clock), WithInterval(time.Hour))
	assert.Equal(t, "capacity/pool", ctl.Name())

	assert.ErrorContains(t, ctl.Ping(context.Background()), "not running")

	ctx, cancel := context.WithCancel(context.Background())
	go ctl.Run(ctx)
	require.Eventually(t, func() bool { return ctl.Ping(context.Background()) == nil }, time.Second, time.Millisecond)

	clock.Advance(3 * time.Hour)
	assert.ErrorContains(t, ctl.Ping(context.Background()), "too long ago")

	cancel()
	select {
	case <-ctl.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestWithIntervals_PerControllerKind(t *testing.T) {
	target := &fakeTarget{count: 1}
	opt := WithIntervals(2*time.Minute, 30*time.Second)

	capacity := NewCapacityController("pool", poolPolicy(), target, target, opt)
	service := NewServiceAutoscaler("service", serviceTaskPolicy(), target, target, opt)

	assert.Equal(t, 2*time.Minute, capacity.Interval())
	assert.Equal(t, 30*time.Second, service.Interval())
	assert.Equal(t, defaultInterval, NewServiceAutoscaler("s", serviceTaskPolicy(), target, target).Interval())
}
