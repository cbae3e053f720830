package engine

import (
	"context"
	"testing"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePlan_EmptyState(t *testing.T) {
	h := newHarness(t)

	plan, err := h.eng.CreatePlan(context.Background(), inferenceDocument(), &ir.State{})
	require.NoError(t, err)
	assert.Equal(t, 7, plan.Summary.Create)
	assert.True(t, plan.Summary.HasChanges())
	assert.NotEmpty(t, plan.Metadata.ConfigHash)
	for _, c := range plan.Changes {
		assert.Equal(t, ir.ActionCreate, c.Action, c.Address)
	}
	assert.Equal(t, "memory", plan.Changes[0].Desired.Provider)
}

func TestCreatePlan_UpdateDiffsOutsideControllerFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)

	cfg := inferenceDocument()
	props := resource(cfg, "service").Properties
	props["containerPort"] = 9000
	props["desiredReplicas"] = 4

	plan, err := h.eng.CreatePlan(ctx, cfg, h.state(t))
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Summary.Update)
	assert.Equal(t, 6, plan.Summary.NoOp)

	var change *ir.ResourceChange
	for _, c := range plan.Changes {
		if c.Action == ir.ActionUpdate {
			change = c
		}
	}
	require.NotNil(t, change)
	assert.Equal(t, "service", change.Address)
	require.Contains(t, change.Diff, "containerPort")
	assert.NotContains(t, change.Diff, "desiredReplicas")
}

func TestCreatePlan_IgnoreChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := inferenceDocument()
	resource(cfg, "pool").Lifecycle = &ir.Lifecycle{IgnoreChanges: []string{"instanceClass"}}
	_, err := h.eng.Apply(ctx, h.unit, cfg)
	require.NoError(t, err)

	cfg = inferenceDocument()
	resource(cfg, "pool").Lifecycle = &ir.Lifecycle{IgnoreChanges: []string{"instanceClass"}}
	resource(cfg, "pool").Properties["instanceClass"] = "m5.large"

	plan, err := h.eng.CreatePlan(ctx, cfg, h.state(t))
	require.NoError(t, err)
	assert.False(t, plan.Summary.HasChanges())
}

func TestCreatePlan_PreventDestroyBlocksRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := inferenceDocument()
	resource(cfg, "endpoint").Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	_, err := h.eng.Apply(ctx, h.unit, cfg)
	require.NoError(t, err)

	cfg = inferenceDocument()
	cfg.Resources = cfg.Resources[:len(cfg.Resources)-1]
	_, err = h.eng.CreatePlan(ctx, cfg, h.state(t))
	assert.ErrorContains(t, err, "preventDestroy")
}

func TestCreatePlan_KindChangeRejected(t *testing.T) {
	h := newHarness(t)
	st := &ir.State{Resources: []*ir.ResourceState{{Kind: ir.KindCluster, Name: "image", InputsHash: "old"}}}

	_, err := h.eng.CreatePlan(context.Background(), inferenceDocument(), st)
	assert.ErrorContains(t, err, "changed kind")
}

func TestCreatePlan_InvalidDocument(t *testing.T) {
	h := newHarness(t)
	cfg := inferenceDocument()
	resource(cfg, "service").Properties["desiredReplicas"] = 9

	_, err := h.eng.CreatePlan(context.Background(), cfg, &ir.State{})
	assert.ErrorContains(t, err, "invalid document")
}

func TestInputsHash_IgnoresControllerFields(t *testing.T) {
	a := &ir.Resource{Kind: ir.KindCapacityPool, Name: "pool", Properties: map[string]any{"instanceClass": "t3.medium", "desiredCount": 1}}
	b := &ir.Resource{Kind: ir.KindCapacityPool, Name: "pool", Properties: map[string]any{"instanceClass": "t3.medium", "desiredCount": 3}}
	c := &ir.Resource{Kind: ir.KindCapacityPool, Name: "pool", Properties: map[string]any{"instanceClass": "m5.large", "desiredCount": 1}}

	ha, err := inputsHash(a, &ir.State{})
	require.NoError(t, err)
	hb, _ := inputsHash(b, &ir.State{})
	hc, _ := inputsHash(c, &ir.State{})
	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
}

func TestBuildPropertyDiff(t *testing.T) {
	diff := buildPropertyDiff(
		map[string]any{"port": float64(8000), "old": "x", "same": "y"},
		map[string]any{"port": 9000, "new": "z", "same": "y"},
	)
	require.Len(t, diff, 3)
	assert.Equal(t, ir.ActionUpdate, diff["port"].Action)
	assert.Equal(t, ir.ActionDelete, diff["old"].Action)
	assert.Equal(t, ir.ActionCreate, diff["new"].Action)

	assert.Empty(t, buildPropertyDiff(map[string]any{"n": float64(1)}, map[string]any{"n": 1}))
}
