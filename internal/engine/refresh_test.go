package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

func refreshStatuses(entries []RefreshEntry) map[string]RefreshStatus {
	out := make(map[string]RefreshStatus, len(entries))
	for _, e := range entries {
		out[e.Address] = e.Status
	}
	return out
}

func TestRefresh_InSyncWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)
	writes := h.backend.Writes()

	entries, err := h.eng.Refresh(ctx, h.unit)
	require.NoError(t, err)
	require.Len(t, entries, 7)
	for _, e := range entries {
		assert.Equal(t, RefreshOK, e.Status, e.Address)
	}
	assert.Equal(t, writes, h.backend.Writes())
}

func TestRefresh_DetectsDriftAndAbsence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)

	service := h.state(t).Lookup("service")
	data, err := sdk.Encode(service.Outputs)
	require.NoError(t, err)
	require.NoError(t, h.mem.SetDesiredCount(ctx, ir.KindDeployment, data, 3))
	_, err = h.mem.Delete(ctx, &sdk.DeleteRequest{Kind: ir.KindImage, Name: "image"})
	require.NoError(t, err)

	entries, err := h.eng.Refresh(ctx, h.unit)
	require.NoError(t, err)
	statuses := refreshStatuses(entries)
	assert.Equal(t, RefreshDrifted, statuses["service"])
	assert.Equal(t, RefreshMissing, statuses["image"])
	assert.Equal(t, RefreshOK, statuses["vpc"])

	st := h.state(t)
	assert.Nil(t, st.Lookup("image"))
	assert.Equal(t, float64(3), st.Lookup("service").Outputs["desiredReplicas"])

	// The next apply recreates the missing image only.
	h.mem.ResetCalls()
	_, err = h.eng.Apply(ctx, h.unit, inferenceDocument())
	require.NoError(t, err)
	assert.Equal(t, []string{"apply:image"}, h.mem.Calls())
}

func TestRefresh_RejectsConcurrentApply(t *testing.T) {
	h := newHarness(t)
	ctx, run, err := h.unit.begin(context.Background())
	require.NoError(t, err)
	defer h.unit.end(run)

	_, err = h.eng.Refresh(ctx, h.unit)
	assert.ErrorIs(t, err, ErrApplyInProgress)
}
