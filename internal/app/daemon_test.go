package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/inferstack/internal/autoscale"
	"github.com/picklr-io/inferstack/internal/config"
	"github.com/picklr-io/inferstack/internal/engine"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/provider"
	"github.com/picklr-io/inferstack/internal/state"
	"github.com/picklr-io/inferstack/providers/memory"
)

func document() *ir.Config {
	return &ir.Config{
		Unit:     "llm",
		Provider: "memory",
		Resources: []*ir.Resource{
			{Kind: ir.KindCluster, Name: "cluster", Properties: map[string]any{"clusterName": "inference"}},
			{Kind: ir.KindCapacityPool, Name: "pool", Properties: map[string]any{
				"cluster": "ref://cluster/clusterName", "instanceClass": "t3.medium",
				"minCount": 1, "maxCount": 2, "desiredCount": 1,
			}},
			{Kind: ir.KindImage, Name: "image", Properties: map[string]any{"repository": "inference", "buildContext": "."}},
			{Kind: ir.KindDeployment, Name: "service", DependsOn: []string{"pool"}, Properties: map[string]any{
				"cluster": "ref://cluster/clusterName", "image": "ref://image/imageUri",
				"containerPort": 8000, "cpuUnits": 1024, "memoryMiB": 2048, "desiredReplicas": 1,
			}},
			{Kind: ir.KindScalingPolicy, Name: "pool-scaling", Properties: map[string]any{
				"target": "pool", "targetUtilizationPercent": 30, "minCapacity": 1, "maxCapacity": 2,
				"scaleOutCooldown": "2m", "scaleInCooldown": "30m",
			}},
			{Kind: ir.KindScalingPolicy, Name: "service-scaling", Properties: map[string]any{
				"target": "service", "targetUtilizationPercent": 70, "minCapacity": 1, "maxCapacity": 4,
			}},
			{Kind: ir.KindOutput, Name: "endpoint", Properties: map[string]any{
				"dnsName": "ref://service/dnsName", "healthRef": "ref://service/healthRef",
			}},
		},
	}
}

type fixture struct {
	mem    *memory.Provider
	daemon *Daemon
}

func newFixture() *fixture {
	mem := memory.New()
	eng := engine.NewEngine(provider.NewRegistry(provider.WithProvider("memory", mem)))
	eng.PollInterval = time.Millisecond
	eng.ConvergeTimeout = time.Second

	cfg := config.Default()
	cfg.HTTPPort = 0
	cfg.CapacityInterval = 10 * time.Millisecond
	cfg.ServiceInterval = 10 * time.Millisecond
	cfg.PublishInterval = 10 * time.Millisecond

	unit := engine.NewUnit("llm", state.NewMemoryBackend())
	return &fixture{mem: mem, daemon: New(cfg, eng, unit, slog.Default())}
}

func (f *fixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.daemon.Run(ctx, document()) }()

	select {
	case <-f.daemon.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	return cancel, errc
}

func (f *fixture) status(t *testing.T) map[string]any {
	t.Helper()
	port := f.daemon.Addr().(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/status", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestDaemon_RunsControllersAndPublisher(t *testing.T) {
	f := newFixture()
	cancel, errc := f.start(t)

	controllers := f.daemon.Controllers()
	require.Len(t, controllers, 2)
	names := []string{controllers[0].Name(), controllers[1].Name()}
	assert.ElementsMatch(t, []string{"capacity/pool", "service/service"}, names)

	body := f.status(t)
	assert.Equal(t, "llm", body["unit"])
	endpoint, ok := body["endpoint"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "service-lb.memory.local", endpoint["dnsName"])
	assert.Equal(t, string(ir.ReadyHealthy), endpoint["readyState"])

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_CapacityControllerScalesPool(t *testing.T) {
	f := newFixture()
	f.mem.SetUtilization("pool", 80)
	cancel, errc := f.start(t)
	defer func() {
		cancel()
		<-errc
	}()

	assert.Eventually(t, func() bool {
		for _, call := range f.mem.Calls() {
			if call == "scale:pool=2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_RecordsCooldownsInState(t *testing.T) {
	f := newFixture()
	f.mem.SetUtilization("pool", 80)
	cancel, errc := f.start(t)
	defer func() {
		cancel()
		<-errc
	}()

	backend := f.daemon.unit.Backend
	assert.Eventually(t, func() bool {
		st, err := backend.Read(context.Background())
		if err != nil {
			return false
		}
		rs := st.Lookup("pool-scaling")
		return rs != nil && rs.Outputs["lastScaleOut"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	st, err := backend.Read(context.Background())
	require.NoError(t, err)
	cd, err := autoscale.CooldownsFromOutputs(st.Lookup("pool-scaling").Outputs)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), cd.LastScaleOut, time.Minute)
	assert.True(t, cd.LastScaleIn.IsZero())
}

func TestStateCooldowns_UnknownPolicy(t *testing.T) {
	store := &stateCooldowns{backend: state.NewMemoryBackend(), logger: slog.Default()}
	err := store.SaveCooldowns(context.Background(), "missing", autoscale.Cooldowns{LastScaleOut: time.Now()})
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func TestDaemon_EndpointGoesUnhealthy(t *testing.T) {
	f := newFixture()
	cancel, errc := f.start(t)
	defer func() {
		cancel()
		<-errc
	}()

	f.mem.SetHealthy("service", 0)
	assert.Eventually(t, func() bool {
		ep, ok := f.status(t)["endpoint"].(map[string]any)
		return ok && ep["readyState"] == string(ir.ReadyUnhealthy) && ep["dnsName"] == "service-lb.memory.local"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDaemon_ApplyFailureStartsNothing(t *testing.T) {
	f := newFixture()
	f.mem.FailApply("service", fmt.Errorf("quota exceeded"))

	err := f.daemon.Run(context.Background(), document())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service")
	assert.Nil(t, f.daemon.Addr())
}
