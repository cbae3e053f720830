package engine

import (
	"context"
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/provider"
	"github.com/picklr-io/inferstack/internal/state"
	"github.com/picklr-io/inferstack/providers/memory"
	"github.com/stretchr/testify/require"
)

type harness struct {
	eng     *Engine
	mem     *memory.Provider
	backend *state.MemoryBackend
	unit    *Unit
	events  []ApplyEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:     memory.New(),
		backend: state.NewMemoryBackend(),
	}
	h.eng = NewEngine(provider.NewRegistry(provider.WithProvider("memory", h.mem)))
	h.eng.PollInterval = time.Millisecond
	h.eng.ConvergeTimeout = time.Second
	h.eng.RetryPolicy = &RetryPolicy{MaxRetries: 0}
	h.eng.OnEvent = func(ev ApplyEvent) { h.events = append(h.events, ev) }
	h.unit = NewUnit("llm", h.backend)
	return h
}

func (h *harness) state(t *testing.T) *ir.State {
	t.Helper()
	st, err := h.backend.Read(context.Background())
	require.NoError(t, err)
	return st
}

// inferenceDocument is the reference unit: network, cluster, host pool, image,
// service, its scaling policy and the published endpoint.
func inferenceDocument() *ir.Config {
	return &ir.Config{
		Unit:     "llm",
		Provider: "memory",
		Resources: []*ir.Resource{
			{Kind: ir.KindNetwork, Name: "vpc", Properties: map[string]any{"maxAzs": 2, "natGateways": 1}},
			{Kind: ir.KindCluster, Name: "cluster", Properties: map[string]any{
				"clusterName": "inference",
				"vpcId":       "ref://vpc/vpcId",
			}},
			{Kind: ir.KindCapacityPool, Name: "pool", Properties: map[string]any{
				"cluster":       "ref://cluster/clusterName",
				"instanceClass": "t3.medium",
				"minCount":      1,
				"maxCount":      4,
				"desiredCount":  1,
				"subnets":       "ref://vpc/privateSubnets",
			}},
			{Kind: ir.KindImage, Name: "image", Properties: map[string]any{
				"repository":   "inference",
				"buildContext": ".",
			}},
			{Kind: ir.KindDeployment, Name: "service", DependsOn: []string{"pool"}, Properties: map[string]any{
				"cluster":         "ref://cluster/clusterName",
				"image":           "ref://image/imageUri",
				"containerPort":   8000,
				"cpuUnits":        1024,
				"memoryMiB":       2048,
				"desiredReplicas": 1,
				"subnets":         "ref://vpc/privateSubnets",
			}},
			{Kind: ir.KindScalingPolicy, Name: "service-scaling", Properties: map[string]any{
				"target":                   "service",
				"targetUtilizationPercent": 70,
				"minCapacity":              1,
				"maxCapacity":              5,
			}},
			{Kind: ir.KindOutput, Name: "endpoint", Properties: map[string]any{
				"dnsName":   "ref://service/dnsName",
				"healthRef": "ref://service/healthRef",
			}},
		},
		Outputs: map[string]any{"cluster": "ref://cluster/clusterName"},
	}
}

func resource(cfg *ir.Config, name string) *ir.Resource {
	return cfg.Lookup(name)
}
