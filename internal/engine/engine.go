package engine

import (
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/provider"
)

const (
	defaultConvergeTimeout = 15 * time.Minute
	defaultPollInterval    = 10 * time.Second
	defaultProvider        = "aws"
	policyProvider         = "null"
)

// Engine plans, applies and destroys the resource graph of provisioning units.
// One Engine may drive many units concurrently; all per-unit state lives in Unit.
type Engine struct {
	registry *provider.Registry

	DefaultProvider string        // used when neither the node nor the document names one
	ConvergeTimeout time.Duration // bound on waiting for a node to converge
	PollInterval    time.Duration // delay between convergence reads
	NodeTimeout     time.Duration // bound on a single node's apply or delete
	RetryPolicy     *RetryPolicy
	OnEvent         ApplyCallback
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:        registry,
		DefaultProvider: defaultProvider,
		ConvergeTimeout: defaultConvergeTimeout,
		PollInterval:    defaultPollInterval,
		NodeTimeout:     DefaultTimeout,
		RetryPolicy:     DefaultRetryPolicy(),
	}
}

// Registry returns the provider registry the engine dispatches to.
func (e *Engine) Registry() *provider.Registry {
	return e.registry
}

// providerName picks the provider for a node. Scaling policies only register
// with the unit, so they go to the echo provider unless told otherwise.
func (e *Engine) providerName(res *ir.Resource, documentDefault string) string {
	if res.Provider != "" {
		return res.Provider
	}
	if res.Kind == ir.KindScalingPolicy {
		return policyProvider
	}
	if documentDefault != "" {
		return documentDefault
	}
	return e.DefaultProvider
}

func (e *Engine) emit(event ApplyEvent) {
	if e.OnEvent != nil {
		e.OnEvent(event)
	}
}

// ApplyEvent represents a progress event during apply or destroy.
type ApplyEvent struct {
	Address  string
	Kind     ir.Kind
	Action   string
	Status   string // "started", "converging", "completed", "failed"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)
