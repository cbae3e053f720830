package null

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Lifecycle: Apply -> Read (converged) -> Delete.
func TestProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	desired := map[string]any{
		"target":                   "service",
		"targetUtilizationPercent": 70,
		"minCapacity":              1,
		"maxCapacity":              4,
	}
	desiredJSON, _ := json.Marshal(desired)

	applyResp, err := p.Apply(ctx, &sdk.ApplyRequest{
		Kind:              ir.KindScalingPolicy,
		Name:              "service-scaling",
		DesiredConfigJSON: desiredJSON,
	})
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(applyResp.NewStateJSON, &state))
	assert.Equal(t, "null-service-scaling", state["id"])
	assert.Equal(t, "service", state["target"])
	assert.EqualValues(t, 70, state["targetUtilizationPercent"])

	readResp, err := p.Read(ctx, &sdk.ReadRequest{
		Kind:             ir.KindScalingPolicy,
		Name:             "service-scaling",
		CurrentStateJSON: applyResp.NewStateJSON,
	})
	require.NoError(t, err)
	assert.True(t, readResp.Exists)
	assert.True(t, readResp.Converged)
	assert.JSONEq(t, string(applyResp.NewStateJSON), string(readResp.NewStateJSON))

	_, err = p.Delete(ctx, &sdk.DeleteRequest{
		Kind:             ir.KindScalingPolicy,
		Name:             "service-scaling",
		CurrentStateJSON: applyResp.NewStateJSON,
	})
	require.NoError(t, err)
}

func TestProvider_ApplyInvalidConfig(t *testing.T) {
	_, err := New().Apply(context.Background(), &sdk.ApplyRequest{
		Kind:              ir.KindScalingPolicy,
		Name:              "broken",
		DesiredConfigJSON: []byte("{not json"),
	})
	assert.Error(t, err)
}

func TestProvider_ReapplyKeepsRecordedCooldowns(t *testing.T) {
	prior := []byte(`{"id":"null-pool-scaling","target":"pool","maxCapacity":2,"lastScaleOut":"2026-01-02T03:04:05Z","other":"dropped"}`)

	resp, err := New().Apply(context.Background(), &sdk.ApplyRequest{
		Kind:              ir.KindScalingPolicy,
		Name:              "pool-scaling",
		DesiredConfigJSON: []byte(`{"target":"pool","maxCapacity":3}`),
		PriorStateJSON:    prior,
	})
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(resp.NewStateJSON, &state))
	assert.Equal(t, "2026-01-02T03:04:05Z", state["lastScaleOut"])
	assert.NotContains(t, state, "lastScaleIn")
	assert.NotContains(t, state, "other")
	assert.EqualValues(t, 3, state["maxCapacity"])
}
