package ir

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	name, attr, ok := ParseRef("ref://vpc/vpcId")
	require.True(t, ok)
	assert.Equal(t, "vpc", name)
	assert.Equal(t, "vpcId", attr)

	for _, v := range []any{"vpc/vpcId", "ref://vpc", "ref:///x", 42, nil} {
		_, _, ok := ParseRef(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestResourceDependencies(t *testing.T) {
	r := &Resource{
		Kind:      KindDeployment,
		Name:      "service",
		DependsOn: []string{"pool"},
		Properties: map[string]any{
			"cluster": "ref://cluster/clusterName",
			"subnets": []any{"ref://vpc/privateSubnets", "subnet-static"},
			"capacity": map[string]any{
				"instanceClass": "ref://pool/instanceClass",
			},
		},
	}
	assert.Equal(t, []string{"pool", "cluster", "vpc"}, r.Dependencies())

	policy := &Resource{Kind: KindScalingPolicy, Name: "svc-scaling", Properties: map[string]any{"target": "service"}}
	assert.Equal(t, []string{"service"}, policy.Dependencies())
}

func TestDurationUnmarshal(t *testing.T) {
	var spec ScalingPolicySpec
	require.NoError(t, json.Unmarshal([]byte(`{"scaleInCooldown":"30m","scaleOutCooldown":120}`), &spec))
	assert.Equal(t, 30*time.Minute, spec.ScaleInCooldown.Duration)
	assert.Equal(t, 2*time.Minute, spec.ScaleOutCooldown.Duration)

	assert.Error(t, json.Unmarshal([]byte(`{"scaleInCooldown":"soon"}`), &spec))
}

func TestValidatePropertiesIgnoresRefs(t *testing.T) {
	err := ValidateProperties(KindDeployment, map[string]any{
		"cluster":         "ref://cluster/clusterName",
		"image":           "ref://image/imageUri",
		"containerPort":   8000,
		"cpuUnits":        1024,
		"memoryMiB":       2048,
		"desiredReplicas": 1,
	})
	assert.NoError(t, err)

	err = ValidateProperties(KindCapacityPool, map[string]any{
		"instanceClass": "t3.medium", "minCount": 2, "maxCount": 1, "desiredCount": 1,
	})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Unit: "inference",
			Resources: []*Resource{
				{Kind: KindDeployment, Name: "service", Properties: map[string]any{
					"containerPort": 8000, "cpuUnits": 256, "memoryMiB": 512, "desiredReplicas": 1,
				}},
				{Kind: KindScalingPolicy, Name: "service-scaling", Properties: map[string]any{
					"target": "service", "targetUtilizationPercent": 70, "minCapacity": 1, "maxCapacity": 4,
				}},
			},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Resources[0].Properties["desiredReplicas"] = 5
	assert.ErrorContains(t, cfg.Validate(), "outside scaling policy")

	cfg = base()
	cfg.Resources = append(cfg.Resources, &Resource{Kind: KindCluster, Name: "service"})
	assert.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg = base()
	cfg.Resources[0].DependsOn = []string{"missing"}
	assert.ErrorContains(t, cfg.Validate(), "unknown resource")

	cfg = base()
	cfg.Resources[0].Kind = "Queue"
	assert.ErrorContains(t, cfg.Validate(), "unknown kind")
}

func TestConfigValidate_PoolPolicyWithinPoolBounds(t *testing.T) {
	doc := func(minCapacity, maxCapacity int) *Config {
		return &Config{
			Unit: "inference",
			Resources: []*Resource{
				{Kind: KindCapacityPool, Name: "pool", Properties: map[string]any{
					"instanceClass": "t3.medium", "minCount": 1, "maxCount": 2, "desiredCount": 1,
				}},
				{Kind: KindScalingPolicy, Name: "pool-scaling", Properties: map[string]any{
					"target": "pool", "targetUtilizationPercent": 30, "minCapacity": minCapacity, "maxCapacity": maxCapacity,
				}},
			},
		}
	}

	tests := []struct {
		name     string
		min, max int
		wantErr  string
	}{
		{name: "same bounds", min: 1, max: 2},
		{name: "narrower bounds", min: 1, max: 1},
		{name: "max above pool maxCount", min: 1, max: 5, wantErr: "maxCapacity 5 above maxCount 2"},
		{name: "min below pool minCount", min: 0, max: 2, wantErr: "minCapacity 0 below minCount 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := doc(tt.min, tt.max).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestTeardownErrorIs(t *testing.T) {
	var err error = &TeardownError{Surviving: []string{"vpc"}, Errs: []error{ErrNotFound}}
	assert.True(t, errors.Is(err, ErrTeardownPartialFailure))
	assert.True(t, errors.Is(err, ErrNotFound))

	var te *TeardownError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []string{"vpc"}, te.Surviving)
}

func TestStateEndpoint(t *testing.T) {
	st := &State{}
	assert.Nil(t, st.Endpoint())

	st.Upsert(&ResourceState{Kind: KindOutput, Name: "dns", Outputs: map[string]any{
		"dnsName": "lb.example.com", "readyState": "Healthy",
	}})
	assert.Equal(t, &Endpoint{DNSName: "lb.example.com", ReadyState: ReadyHealthy}, st.Endpoint())
	assert.True(t, st.Remove("dns"))
	assert.False(t, st.Remove("dns"))
}
