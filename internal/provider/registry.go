package provider

import (
	"fmt"
	"sync"

	sdk "github.com/picklr-io/inferstack/pkg/provider"
	"github.com/picklr-io/inferstack/providers/aws"
	"github.com/picklr-io/inferstack/providers/docker"
	"github.com/picklr-io/inferstack/providers/memory"
	"github.com/picklr-io/inferstack/providers/null"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]sdk.Provider
	awsRegion string
}

// Option configures a Registry.
type Option func(*Registry)

// WithAWSRegion sets the region the aws provider is created with.
func WithAWSRegion(region string) Option {
	return func(r *Registry) {
		r.awsRegion = region
	}
}

// WithProvider pre-registers a provider instance under name.
func WithProvider(name string, p sdk.Provider) Option {
	return func(r *Registry) {
		r.providers[name] = p
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]sdk.Provider),
		awsRegion: "us-east-1",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a provider instance.
func (r *Registry) Register(name string, p sdk.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes and registers a built-in provider.
// Clients are created lazily, so loading never touches the network.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p sdk.Provider
	switch name {
	case "null":
		p = null.New()
	case "memory":
		p = memory.New()
	case "docker":
		p = docker.New()
	case "aws":
		p = aws.New(r.awsRegion)
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (sdk.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
