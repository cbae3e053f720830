package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

func apiError(code, msg string) error {
	return fmt.Errorf("operation failed: %w", &smithy.GenericAPIError{Code: code, Message: msg})
}

func TestSubnetCIDRs(t *testing.T) {
	cidrs, err := subnetCIDRs("10.0.0.0/16", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/18", "10.0.64.0/18", "10.0.128.0/18", "10.0.192.0/18"}, cidrs)

	cidrs, err = subnetCIDRs("10.1.0.0/16", 6)
	require.NoError(t, err)
	assert.Len(t, cidrs, 6)
	assert.Equal(t, "10.1.0.0/19", cidrs[0])
	assert.Equal(t, "10.1.160.0/19", cidrs[5])

	cidrs, err = subnetCIDRs("192.168.4.0/24", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.4.0/25", "192.168.4.128/25"}, cidrs)

	_, err = subnetCIDRs("10.0.0.0/24", 32)
	assert.Error(t, err)
	_, err = subnetCIDRs("not-a-cidr", 2)
	assert.Error(t, err)
}

func TestParseECRImage(t *testing.T) {
	tests := []struct {
		ref  string
		repo string
		tag  string
		ok   bool
	}{
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com/llm:v2", "llm", "v2", true},
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com/team/llm", "team/llm", "latest", true},
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com/llm@sha256:abc", "", "", false},
		{"nginx:latest", "", "", false},
		{"ghcr.io/org/model:1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			repo, tag, ok := parseECRImage(tt.ref)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.repo, repo)
			assert.Equal(t, tt.tag, tag)
		})
	}
}

func TestElbName(t *testing.T) {
	assert.Equal(t, "service-lb", elbName("service", "lb"))
	assert.Equal(t, "llm-service-tg", elbName("llm_service", "tg"))

	long := elbName("a-very-long-inference-service-name-for-testing", "lb")
	assert.LessOrEqual(t, len(long), maxELBName)
	assert.True(t, strings.HasSuffix(long, "-lb"))
	assert.NotEqual(t, long, elbName("a-very-long-inference-service-name-for-staging", "lb"))
}

func TestEnvironment_SortedByKey(t *testing.T) {
	env := environment(map[string]string{"MODEL": "llama", "BATCH": "8"})
	require.Len(t, env, 2)
	assert.Equal(t, "BATCH", aws.ToString(env[0].Name))
	assert.Equal(t, "MODEL", aws.ToString(env[1].Name))
	assert.Empty(t, environment(nil))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isNotFound(apiError("InvalidVpcID.NotFound", "")))
	assert.True(t, isNotFound(apiError("ServiceNotFoundException", "")))
	assert.True(t, isNotFound(apiError("NoSuchEntity", "")))
	assert.True(t, isNotFound(apiError("ValidationError", "AutoScalingGroup name not found")))
	assert.False(t, isNotFound(apiError("ValidationError", "bad size")))
	assert.False(t, isNotFound(errors.New("plain")))

	assert.True(t, isAlreadyExists(apiError("EntityAlreadyExists", "")))
	assert.True(t, isAlreadyExists(apiError("InvalidGroup.Duplicate", "")))
	assert.False(t, isAlreadyExists(apiError("Throttling", "")))

	assert.NoError(t, ignoreNotFound(apiError("LoadBalancerNotFound", "")))
	assert.Error(t, ignoreNotFound(apiError("DependencyViolation", "")))
	assert.True(t, hasCode(apiError("DependencyViolation", ""), "DependencyViolation"))

	assert.True(t, isNotFoundErr(notFound(ir.KindCluster, "c")))
	assert.ErrorIs(t, notFound(ir.KindCluster, "c"), ir.ErrNotFound)
}

func TestPoll(t *testing.T) {
	calls := 0
	err := poll(context.Background(), time.Millisecond, time.Second, "ready", func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = poll(context.Background(), time.Millisecond, 10*time.Millisecond, "never", func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ir.ErrConvergenceTimeout)

	boom := errors.New("boom")
	err = poll(context.Background(), time.Millisecond, time.Second, "fails", func(ctx context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestQueryFor(t *testing.T) {
	pool, _ := sdk.Encode(poolState{Name: "pool", PoolID: "pool", Cluster: "llm"})
	q, err := queryFor(ir.KindCapacityPool, pool, "CPUUtilization")
	require.NoError(t, err)
	assert.Equal(t, "AWS/EC2", q.Namespace)
	assert.Equal(t, "AutoScalingGroupName", aws.ToString(q.Dimensions[0].Name))

	q, err = queryFor(ir.KindCapacityPool, pool, "MemoryReservation")
	require.NoError(t, err)
	assert.Equal(t, "AWS/ECS", q.Namespace)
	assert.Equal(t, "llm", aws.ToString(q.Dimensions[0].Value))

	svc := serviceState{}
	svc.Name, svc.Cluster = "service", "llm"
	data, _ := sdk.Encode(svc)
	q, err = queryFor(ir.KindDeployment, data, "CPUUtilization")
	require.NoError(t, err)
	assert.Equal(t, "AWS/ECS", q.Namespace)
	require.Len(t, q.Dimensions, 2)
	assert.Equal(t, "service", aws.ToString(q.Dimensions[1].Value))

	_, err = queryFor(ir.KindNetwork, nil, "CPUUtilization")
	assert.Error(t, err)
}

func TestPeriod(t *testing.T) {
	assert.Equal(t, int32(60), period(10*time.Second))
	assert.Equal(t, int32(300), period(5*time.Minute))
	assert.Equal(t, int32(300), period(5*time.Minute+30*time.Second))
}

func TestRolledOut(t *testing.T) {
	svc := &ecstypes.Service{
		ServiceName:  aws.String("service"),
		DesiredCount: 2,
		RunningCount: 2,
		Deployments:  []ecstypes.Deployment{{RolloutState: ecstypes.DeploymentRolloutStateCompleted}},
	}
	ok, err := rolledOut(svc)
	require.NoError(t, err)
	assert.True(t, ok)

	svc.RunningCount = 1
	ok, _ = rolledOut(svc)
	assert.False(t, ok)

	svc.Deployments = append(svc.Deployments, ecstypes.Deployment{})
	ok, _ = rolledOut(svc)
	assert.False(t, ok)

	svc.Deployments = []ecstypes.Deployment{{RolloutState: ecstypes.DeploymentRolloutStateFailed, RolloutStateReason: aws.String("tasks failed to start")}}
	_, err = rolledOut(svc)
	assert.ErrorContains(t, err, "tasks failed to start")
}

func TestInService(t *testing.T) {
	group := &astypes.AutoScalingGroup{Instances: []astypes.Instance{
		{LifecycleState: astypes.LifecycleStateInService, HealthStatus: aws.String("Healthy")},
		{LifecycleState: astypes.LifecycleStatePending, HealthStatus: aws.String("Healthy")},
		{LifecycleState: astypes.LifecycleStateInService, HealthStatus: aws.String("Unhealthy")},
	}}
	assert.Equal(t, 1, inService(group))
}

func TestUserData(t *testing.T) {
	decoded, err := base64.StdEncoding.DecodeString(userData("llm"))
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "ECS_CLUSTER=llm")
}

func TestOutput_PendingUntilObserved(t *testing.T) {
	desired, _ := sdk.Encode(map[string]any{"dnsName": "llm-lb.elb.amazonaws.com", "healthRef": "arn:tg"})
	state, err := applyOutput(&sdk.ApplyRequest{Kind: ir.KindOutput, Name: "endpoint", DesiredConfigJSON: desired})
	require.NoError(t, err)
	assert.Equal(t, "endpoint", state.Name)
	assert.Equal(t, "LoadBalancerDNS", state.Key)
	assert.Equal(t, ir.ReadyPending, state.ReadyState)
	assert.Empty(t, state.DNSName)

	state.Observe(1)
	prior, _ := sdk.Encode(state)
	again, err := applyOutput(&sdk.ApplyRequest{Kind: ir.KindOutput, Name: "endpoint", DesiredConfigJSON: desired, PriorStateJSON: prior})
	require.NoError(t, err)
	assert.Equal(t, ir.ReadyHealthy, again.ReadyState)
	assert.Equal(t, "llm-lb.elb.amazonaws.com", again.DNSName)
}

func TestApplyPolicy(t *testing.T) {
	desired, _ := sdk.Encode(map[string]any{"target": "service", "targetUtilizationPercent": 60, "maxCapacity": 4})
	state, err := applyPolicy(&sdk.ApplyRequest{Kind: ir.KindScalingPolicy, Name: "service-scaling", DesiredConfigJSON: desired})
	require.NoError(t, err)
	assert.Equal(t, "service-scaling", state["name"])
	assert.Equal(t, "service", state["target"])

	bad, _ := sdk.Encode(map[string]any{"target": "service"})
	_, err = applyPolicy(&sdk.ApplyRequest{Kind: ir.KindScalingPolicy, Name: "p", DesiredConfigJSON: bad})
	assert.Error(t, err)
}
