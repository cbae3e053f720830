package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestroy_ReverseOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)
	h.mem.ResetCalls()

	result, err := h.eng.Destroy(ctx, h.unit)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t,
		[]string{"endpoint", "service-scaling", "service", "image", "pool", "cluster", "vpc"},
		result.Destroyed)
	assert.Equal(t,
		[]string{"delete:endpoint", "delete:service", "delete:image", "delete:pool", "delete:cluster", "delete:vpc"},
		h.mem.Calls())
	assert.Empty(t, h.mem.Names())

	st := h.state(t)
	assert.Empty(t, st.Resources)
	assert.Empty(t, st.Outputs)
}

func TestDestroy_AlreadyAbsentCountsAsDestroyed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)

	// Deleted out of band.
	_, err = h.mem.Delete(ctx, &sdk.DeleteRequest{Kind: ir.KindImage, Name: "image"})
	require.NoError(t, err)

	result, err := h.eng.Destroy(ctx, h.unit)
	require.NoError(t, err)
	assert.Contains(t, result.Destroyed, "image")
}

func TestDestroy_PartialFailureKeepsDependencies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)
	h.mem.FailDelete("cluster", errors.New("DependencyViolation"))

	result, err := h.eng.Destroy(ctx, h.unit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrTeardownPartialFailure)

	var teardown *ir.TeardownError
	require.ErrorAs(t, err, &teardown)
	assert.Equal(t, []string{"cluster", "vpc"}, teardown.Surviving)
	assert.True(t, result.Retryable)
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, []string{"cluster", "vpc"}, h.mem.Names())

	st := h.state(t)
	require.Len(t, st.Resources, 2)
	assert.NotNil(t, st.Lookup("cluster"))
	assert.NotNil(t, st.Lookup("vpc"))

	// Retrying once the blocker is gone finishes the teardown.
	h.mem.FailDelete("cluster", nil)
	result, err = h.eng.Destroy(ctx, h.unit)
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster", "vpc"}, result.Destroyed)
}

func TestDestroy_PreventDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := inferenceDocument()
	resource(cfg, "cluster").Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	_, err := h.eng.Apply(ctx, h.unit, cfg)
	require.NoError(t, err)

	_, err = h.eng.Destroy(ctx, h.unit)
	require.Error(t, err)
	assert.ErrorContains(t, err, "preventDestroy")

	var teardown *ir.TeardownError
	require.ErrorAs(t, err, &teardown)
	assert.Equal(t, []string{"cluster", "vpc"}, teardown.Surviving)
	assert.True(t, h.mem.Exists("cluster"))
}

func TestDestroy_CancelsInFlightApply(t *testing.T) {
	h := newHarness(t)
	h.eng.ConvergeTimeout = 100 * time.Millisecond
	h.mem.ConvergeAfter("service", 1<<20)

	applied := make(chan *Result, 1)
	go func() {
		result, _ := h.eng.Apply(context.Background(), h.unit, inferenceDocument())
		applied <- result
	}()
	require.Eventually(t, func() bool { return h.mem.Exists("service") }, time.Second, time.Millisecond)

	result, err := h.eng.Destroy(context.Background(), h.unit)
	require.NoError(t, err)
	assert.Contains(t, result.Destroyed, "service")
	assert.Empty(t, h.mem.Names())

	applyResult := <-applied
	assert.NotEqual(t, StatusSucceeded, applyResult.Status)
	assert.NotContains(t, applyResult.Converged, "endpoint")
	assert.False(t, h.unit.Applying())
}

func TestDestroy_EmptyUnit(t *testing.T) {
	h := newHarness(t)

	result, err := h.eng.Destroy(context.Background(), h.unit)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Empty(t, result.Destroyed)
}
