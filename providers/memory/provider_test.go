package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, p *Provider, kind ir.Kind, name string, desired map[string]any, prior []byte) []byte {
	t.Helper()
	data, err := json.Marshal(desired)
	require.NoError(t, err)
	resp, err := p.Apply(context.Background(), &sdk.ApplyRequest{Kind: kind, Name: name, DesiredConfigJSON: data, PriorStateJSON: prior})
	require.NoError(t, err)
	return resp.NewStateJSON
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func deploymentConfig() map[string]any {
	return map[string]any{
		"cluster":         "inference",
		"image":           "inference:latest",
		"containerPort":   8000,
		"cpuUnits":        1024,
		"memoryMiB":       2048,
		"desiredReplicas": 1,
	}
}

func TestNetwork_SubnetsPerAZ(t *testing.T) {
	p := New()
	state := decode(t, apply(t, p, ir.KindNetwork, "vpc", map[string]any{"maxAzs": 2, "natGateways": 1}, nil))

	assert.Equal(t, "vpc-vpc", state["vpcId"])
	assert.Len(t, state["publicSubnets"], 2)
	assert.Len(t, state["privateSubnets"], 2)
	assert.Equal(t, "10.0.0.0/16", state["cidr"])
}

func TestImage_NotFoundUnlessBuiltOrPublished(t *testing.T) {
	p := New()
	data, _ := json.Marshal(map[string]any{"repository": "inference"})
	_, err := p.Apply(context.Background(), &sdk.ApplyRequest{Kind: ir.KindImage, Name: "image", DesiredConfigJSON: data})
	assert.ErrorIs(t, err, ir.ErrImageNotFound)

	state := decode(t, apply(t, p, ir.KindImage, "image", map[string]any{"repository": "inference", "buildContext": "../"}, nil))
	assert.Equal(t, "inference:latest", state["imageUri"])
	assert.NotEmpty(t, state["digest"])
}

func TestDeployment_UpdateKeepsLiveReplicas(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.PublishImage("inference:latest")

	stateJSON := apply(t, p, ir.KindDeployment, "service", deploymentConfig(), nil)
	require.NoError(t, p.SetDesiredCount(ctx, ir.KindDeployment, stateJSON, 3))

	// Re-applying with the document's initial count must not reset the controller's value.
	stateJSON = apply(t, p, ir.KindDeployment, "service", deploymentConfig(), stateJSON)
	n, err := p.DesiredCount(ctx, ir.KindDeployment, stateJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, decode(t, stateJSON)["desiredReplicas"])
}

func TestDeployment_InsufficientCapacity(t *testing.T) {
	p := New()
	p.PublishImage("inference:latest")
	cfg := deploymentConfig()
	cfg["launchType"] = "EC2"
	cfg["desiredReplicas"] = 3
	cfg["capacity"] = map[string]any{"instanceClass": "t3.medium", "maxCount": 1}

	data, _ := json.Marshal(cfg)
	_, err := p.Apply(context.Background(), &sdk.ApplyRequest{Kind: ir.KindDeployment, Name: "service", DesiredConfigJSON: data})
	assert.ErrorIs(t, err, ir.ErrInsufficientCapacity)
	assert.False(t, p.Exists("service"))
}

func TestOutput_ConvergesWhenHealthy(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.PublishImage("inference:latest")
	apply(t, p, ir.KindDeployment, "service", deploymentConfig(), nil)
	p.SetHealthy("service", 0)

	outJSON := apply(t, p, ir.KindOutput, "dns", map[string]any{
		"key": "LoadBalancerDNS", "dnsName": "service-lb.memory.local", "healthRef": "service",
	}, nil)

	read, err := p.Read(ctx, &sdk.ReadRequest{Kind: ir.KindOutput, Name: "dns", CurrentStateJSON: outJSON})
	require.NoError(t, err)
	assert.False(t, read.Converged)
	assert.Equal(t, "Pending", decode(t, read.NewStateJSON)["readyState"])
	assert.Nil(t, decode(t, read.NewStateJSON)["dnsName"])

	p.SetHealthy("service", -1)
	read, err = p.Read(ctx, &sdk.ReadRequest{Kind: ir.KindOutput, Name: "dns", CurrentStateJSON: outJSON})
	require.NoError(t, err)
	assert.True(t, read.Converged)
	state := decode(t, read.NewStateJSON)
	assert.Equal(t, "Healthy", state["readyState"])
	assert.Equal(t, "service-lb.memory.local", state["dnsName"])
}

func TestConvergeAfter(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.ConvergeAfter("cluster", 2)
	stateJSON := apply(t, p, ir.KindCluster, "cluster", map[string]any{}, nil)

	read, err := p.Read(ctx, &sdk.ReadRequest{Kind: ir.KindCluster, Name: "cluster", CurrentStateJSON: stateJSON})
	require.NoError(t, err)
	assert.False(t, read.Converged)

	read, err = p.Read(ctx, &sdk.ReadRequest{Kind: ir.KindCluster, Name: "cluster", CurrentStateJSON: stateJSON})
	require.NoError(t, err)
	assert.True(t, read.Converged)
}

func TestDelete_AbsentIsNotFound(t *testing.T) {
	p := New()
	_, err := p.Delete(context.Background(), &sdk.DeleteRequest{Kind: ir.KindCluster, Name: "gone"})
	assert.ErrorIs(t, err, ir.ErrNotFound)
	assert.Equal(t, []string{"delete:gone"}, p.Calls())
}

func TestUtilization(t *testing.T) {
	ctx := context.Background()
	p := New()
	stateJSON := apply(t, p, ir.KindCapacityPool, "pool", map[string]any{
		"instanceClass": "t3.medium", "minCount": 1, "maxCount": 2, "desiredCount": 1,
	}, nil)

	_, err := p.Utilization(ctx, ir.KindCapacityPool, stateJSON, "CPUUtilization", time.Minute)
	assert.Error(t, err)

	p.SetUtilization("pool", 80)
	v, err := p.Utilization(ctx, ir.KindCapacityPool, stateJSON, "CPUUtilization", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 80.0, v)
}
