// Package publish surfaces the load balancer address of a deployment once it
// has a healthy replica, and tracks its readiness afterwards.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
)

// HealthSource counts healthy replicas behind a load balancer.
type HealthSource interface {
	HealthyReplicas(ctx context.Context, healthRef string) (int, error)
}

// Next returns the ready state after observing healthy replicas in state prev.
// Pending lasts until the first healthy replica; afterwards the endpoint only
// moves between Healthy and Unhealthy.
func Next(prev ir.ReadyState, healthy int) ir.ReadyState {
	switch {
	case healthy > 0:
		return ir.ReadyHealthy
	case prev == ir.ReadyHealthy || prev == ir.ReadyUnhealthy:
		return ir.ReadyUnhealthy
	default:
		return ir.ReadyPending
	}
}

// OutputState is the observed state of an Output node.
type OutputState struct {
	Key        string        `json:"key"`
	Address    string        `json:"address"`           // load balancer DNS name, not yet published
	DNSName    string        `json:"dnsName,omitempty"` // set once the endpoint has been healthy
	ReadyState ir.ReadyState `json:"readyState"`
	HealthRef  string        `json:"healthRef"`
}

// NewOutputState starts an output for spec. A prior state for the same address
// keeps its readiness so re-applying an output does not go back to Pending.
func NewOutputState(spec *ir.OutputSpec, prior *OutputState) *OutputState {
	s := &OutputState{
		Key:        spec.Key,
		Address:    spec.DNSName,
		ReadyState: ir.ReadyPending,
		HealthRef:  spec.HealthRef,
	}
	if prior != nil && prior.Address == spec.DNSName {
		s.DNSName = prior.DNSName
		s.ReadyState = prior.ReadyState
	}
	return s
}

// Observe applies a healthy replica count and reports whether the state changed.
func (s *OutputState) Observe(healthy int) bool {
	next := Next(s.ReadyState, healthy)
	changed := next != s.ReadyState
	s.ReadyState = next
	if next == ir.ReadyHealthy && s.DNSName == "" {
		s.DNSName = s.Address
		changed = true
	}
	return changed
}

// Endpoint returns the published endpoint.
func (s *OutputState) Endpoint() ir.Endpoint {
	return ir.Endpoint{DNSName: s.DNSName, ReadyState: s.ReadyState}
}

// Converged reports whether the output has been published.
func (s *OutputState) Converged() bool {
	return s.ReadyState == ir.ReadyHealthy
}

// Publisher keeps an output's endpoint current by polling its health source.
type Publisher struct {
	source   HealthSource
	onChange func(ir.Endpoint)
	log      *slog.Logger

	mu    sync.RWMutex
	state OutputState
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithOnChange registers a callback invoked whenever the endpoint changes.
func WithOnChange(fn func(ir.Endpoint)) Option {
	return func(p *Publisher) {
		p.onChange = fn
	}
}

func NewPublisher(source HealthSource, initial OutputState, opts ...Option) *Publisher {
	p := &Publisher{
		source: source,
		state:  initial,
		log:    logging.Logger().With("component", "publisher", "output", initial.Key),
	}
	if p.state.ReadyState == "" {
		p.state.ReadyState = ir.ReadyPending
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Observe reads the healthy replica count once and advances the state machine.
func (p *Publisher) Observe(ctx context.Context) (ir.Endpoint, error) {
	p.mu.RLock()
	ref := p.state.HealthRef
	p.mu.RUnlock()

	healthy, err := p.source.HealthyReplicas(ctx, ref)
	if err != nil {
		return p.Endpoint(), fmt.Errorf("read health of %s: %w", ref, err)
	}

	p.mu.Lock()
	changed := p.state.Observe(healthy)
	endpoint := p.state.Endpoint()
	p.mu.Unlock()

	if changed {
		p.log.Info("endpoint state changed", "dns_name", endpoint.DNSName, "ready_state", endpoint.ReadyState, "healthy", healthy)
		if p.onChange != nil {
			p.onChange(endpoint)
		}
	}
	return endpoint, nil
}

// Endpoint returns the currently published endpoint.
func (p *Publisher) Endpoint() ir.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Endpoint()
}

// Run observes on every tick until ctx is done. Read errors are logged and the
// previous state is kept.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.Observe(ctx); err != nil {
			p.log.Warn("health check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
