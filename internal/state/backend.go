package state

import (
	"context"
	"fmt"

	"github.com/picklr-io/inferstack/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock() error

	// Unlock releases the lock on the state.
	Unlock() error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local", "s3", "memory"
	Config map[string]string `json:"config"`
}

// NewBackend creates the state backend of one unit.
func NewBackend(cfg *BackendConfig, unit string) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		dir := cfg.Config["dir"]
		if dir == "" {
			dir = ".inferstack"
		}
		return NewManager(UnitStatePath(dir, unit)), nil
	case "s3":
		conf := make(map[string]string, len(cfg.Config)+1)
		for k, v := range cfg.Config {
			conf[k] = v
		}
		conf["unit"] = unit
		return newS3Backend(conf)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
