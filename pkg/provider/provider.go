// Package provider defines the contract between the apply engine and the
// backends that materialize resource nodes.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
)

// Provider materializes nodes of every ir.Kind it supports.
//
// Configs and states cross the boundary as JSON so that the engine never depends
// on provider-specific types.
type Provider interface {
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error)
}

type ApplyRequest struct {
	Kind              ir.Kind
	Name              string
	DesiredConfigJSON []byte
	PriorStateJSON    []byte // nil on create
}

type ApplyResponse struct {
	NewStateJSON []byte
}

type ReadRequest struct {
	Kind              ir.Kind
	Name              string
	DesiredConfigJSON []byte
	CurrentStateJSON  []byte
}

type ReadResponse struct {
	Exists       bool
	Converged    bool // observed matches desired
	NewStateJSON []byte
}

type DeleteRequest struct {
	Kind             ir.Kind
	Name             string
	CurrentStateJSON []byte
}

type DeleteResponse struct{}

// Scaler is implemented by providers that can change the live desired count of a
// CapacityPool or Deployment without a full apply.
type Scaler interface {
	DesiredCount(ctx context.Context, kind ir.Kind, state []byte) (int, error)
	SetDesiredCount(ctx context.Context, kind ir.Kind, state []byte, count int) error
}

// MetricReader is implemented by providers that expose utilization metrics.
type MetricReader interface {
	// Utilization returns the average of metric over window, in percent.
	Utilization(ctx context.Context, kind ir.Kind, state []byte, metric string, window time.Duration) (float64, error)
}

// HealthReader is implemented by providers that can count healthy replicas
// behind a deployment's load balancer.
type HealthReader interface {
	HealthyReplicas(ctx context.Context, healthRef string) (int, error)
}

// Decode unmarshals a JSON config or state. An empty payload leaves out untouched.
func Decode(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// DecodeSpec unmarshals a desired config into a typed spec with defaults applied.
func DecodeSpec(data []byte, spec ir.Spec) error {
	if err := Decode(data, spec); err != nil {
		return err
	}
	spec.Defaults()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Encode marshals a provider state.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}
