package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	"github.com/picklr-io/inferstack/internal/metrics"
)

const (
	CapacityControllerName = "capacity"
	ServiceAutoscalerName  = "service"

	defaultInterval = time.Minute
	defaultWindow   = 5 * time.Minute
)

// Target is the scalable count a controller owns. The controller is its only
// writer once the resource exists.
type Target interface {
	DesiredCount(ctx context.Context) (int, error)
	SetDesiredCount(ctx context.Context, n int) error
}

// MetricSource reports the average utilization of the target over a window.
type MetricSource interface {
	Utilization(ctx context.Context, metric string, window time.Duration) (float64, error)
}

// Controller is one scaling control loop. It holds the cooldown state of its
// policy and shares nothing with other controllers.
type Controller struct {
	name       string
	targetName string
	policyName string
	policy     ir.ScalingPolicySpec
	target     Target
	source     MetricSource
	clock      Clock
	interval   time.Duration
	window     time.Duration
	onDecision func(Decision)
	store      CooldownStore
	logger     *slog.Logger

	mu        sync.Mutex
	cooldowns Cooldowns
	lastTick  time.Time
	ready     chan struct{}
	doneCh    chan struct{}
	readyOnce sync.Once
}

// CooldownStore keeps the cooldowns of a scaling policy across restarts.
type CooldownStore interface {
	SaveCooldowns(ctx context.Context, policy string, cd Cooldowns) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithInterval sets the tick period of Run.
func WithInterval(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.interval = d
		}
	}
}

// WithIntervals sets the tick period per controller kind: capacity for
// capacity controllers, service for service autoscalers.
func WithIntervals(capacity, service time.Duration) Option {
	return func(ctl *Controller) {
		d := service
		if ctl.name == CapacityControllerName {
			d = capacity
		}
		if d > 0 {
			ctl.interval = d
		}
	}
}

// WithWindow sets the metric averaging window.
func WithWindow(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.window = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithCooldowns seeds the cooldown timers, e.g. from a previous run.
func WithCooldowns(cd Cooldowns) Option {
	return func(ctl *Controller) { ctl.cooldowns = cd }
}

// WithCooldownStore saves the cooldowns after every scaling action. Only
// controllers built by FromState know their policy node and use it.
func WithCooldownStore(s CooldownStore) Option {
	return func(ctl *Controller) { ctl.store = s }
}

// WithOnDecision registers a callback invoked after every evaluated tick.
func WithOnDecision(fn func(Decision)) Option {
	return func(ctl *Controller) { ctl.onDecision = fn }
}

// NewCapacityController scales the desired host count of the capacity pool
// targetName.
func NewCapacityController(targetName string, policy *ir.ScalingPolicySpec, target Target, source MetricSource, opts ...Option) *Controller {
	return newController(CapacityControllerName, targetName, policy, target, source, opts...)
}

// NewServiceAutoscaler scales the desired replicas of the deployment targetName.
func NewServiceAutoscaler(targetName string, policy *ir.ScalingPolicySpec, target Target, source MetricSource, opts ...Option) *Controller {
	return newController(ServiceAutoscalerName, targetName, policy, target, source, opts...)
}

func newController(name, targetName string, policy *ir.ScalingPolicySpec, target Target, source MetricSource, opts ...Option) *Controller {
	p := *policy
	p.Defaults()
	c := &Controller{
		name:       name,
		targetName: targetName,
		policy:     p,
		target:     target,
		source:     source,
		clock:      realClock{},
		interval:   defaultInterval,
		window:     defaultWindow,
		logger:     logging.Logger(),
		ready:      make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("controller", name, "target", targetName)
	return c
}

// Name returns the controller kind and target, e.g. "capacity/pool".
func (c *Controller) Name() string {
	return c.name + "/" + c.targetName
}

// Interval returns the tick period of Run.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Policy returns the policy the controller evaluates.
func (c *Controller) Policy() ir.ScalingPolicySpec {
	return c.policy
}

// Cooldowns returns the current cooldown timers.
func (c *Controller) Cooldowns() Cooldowns {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldowns
}

// Tick reads the current count and utilization, evaluates the policy and
// writes the new desired count when it changes. A failed read or write leaves
// the count and the cooldowns untouched.
func (c *Controller) Tick(ctx context.Context) (Decision, error) {
	defer c.markTick()

	current, err := c.target.DesiredCount(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("read desired count: %w", err)
	}
	metrics.SetDesiredCount(c.name, c.targetName, current)

	util, err := c.source.Utilization(ctx, c.policy.TargetMetric, c.window)
	if err != nil {
		return Decision{Current: current, Desired: current}, fmt.Errorf("read %s: %w", c.policy.TargetMetric, err)
	}
	metrics.SetUtilization(c.name, c.targetName, c.policy.TargetMetric, util)

	now := c.clock.Now()
	c.mu.Lock()
	cd := c.cooldowns
	c.mu.Unlock()

	d := Evaluate(&c.policy, cd, current, util, now)
	if d.Changed() {
		if err := c.target.SetDesiredCount(ctx, d.Desired); err != nil {
			return d, fmt.Errorf("set desired count to %d: %w", d.Desired, err)
		}
		c.mu.Lock()
		c.cooldowns = c.cooldowns.Record(d, now)
		cd = c.cooldowns
		c.mu.Unlock()
		c.saveCooldowns(ctx, cd)

		metrics.RecordScaleDecision(c.name, c.targetName, string(d.Direction))
		metrics.SetDesiredCount(c.name, c.targetName, d.Desired)
		c.logger.InfoContext(ctx, "scaled", "direction", d.Direction, "from", d.Current, "to", d.Desired, "utilization", util, "reason", d.Reason)
	} else {
		c.logger.DebugContext(ctx, "no scaling", "count", current, "utilization", util, "reason", d.Reason)
	}

	if c.onDecision != nil {
		c.onDecision(d)
	}
	return d, nil
}

// saveCooldowns persists cd. The count is already written, so a failed save is
// only logged.
func (c *Controller) saveCooldowns(ctx context.Context, cd Cooldowns) {
	if c.store == nil || c.policyName == "" {
		return
	}
	if err := c.store.SaveCooldowns(ctx, c.policyName, cd); err != nil {
		c.logger.WarnContext(ctx, "failed to save cooldowns", "policy", c.policyName, "error", err)
	}
}

// Run ticks every interval until ctx is done. Tick errors are logged and
// counted; they never stop the loop.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.readyOnce.Do(func() { close(c.ready) })

	for {
		if _, err := c.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.RecordTickError(c.name, c.targetName)
			c.logger.ErrorContext(ctx, "tick failed", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "controller stopped")
			return
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.doneCh
}

// Ping reports an error when the loop has not started or has not ticked for
// more than two intervals.
func (c *Controller) Ping(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
		age := c.lastTickAge()
		if age > 2*c.interval {
			return fmt.Errorf("%s: last tick was too long ago: %s", c.Name(), age.Round(time.Second))
		}
		return nil
	default:
		return fmt.Errorf("%s: controller is not running", c.Name())
	}
}

func (c *Controller) markTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTick = c.clock.Now()
}

func (c *Controller) lastTickAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Sub(c.lastTick)
}
