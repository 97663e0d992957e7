package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
	"github.com/clusterforge/clusterforge/store/memory"
	"github.com/clusterforge/clusterforge/workspace"
)

func TestCpuPercent_ZeroDenominator(t *testing.T) {
	require.Equal(t, 0.0, cpuPercent(runtime.StatsResult{}))
}

func TestCpuPercent_ComputesRatio(t *testing.T) {
	pct := cpuPercent(runtime.StatsResult{CPUUsageNanos: 50, CPUSystemNanos: 100, OnlineCPUs: 2})
	require.Equal(t, 100.0, pct)
}

func TestAbsDiff(t *testing.T) {
	require.Equal(t, 3.0, absDiff(5, 2))
	require.Equal(t, 3.0, absDiff(2, 5))
}

func TestSampleOne_PersistsAndPublishesOnFirstSample(t *testing.T) {
	driver := runtime.NewFakeDriver()
	containerID, err := driver.Run(context.Background(), runtime.RunSpec{})
	require.NoError(t, err)
	driver.StatsOverride[containerID] = runtime.StatsResult{
		CPUUsageNanos: 50, CPUSystemNanos: 100, OnlineCPUs: 1, MemUsageBytes: 128 * 1024 * 1024,
	}

	repos := memory.NewRepositories()
	require.NoError(t, repos.HealthSamples.Append(store.HealthSampleRecord{ClusterID: "c1", Overall: "FAILED"}))

	fs := afero.NewMemMapFs()
	workspaces := workspace.NewManager(fs, "/workspaces")
	require.NoError(t, afero.WriteFile(fs, "/workspaces/c1/data.bin", make([]byte, 1024*1024), 0o644))

	bus := NewBus()
	sampler := NewSampler(driver, repos, workspaces, bus, DefaultConfig(), zerolog.Nop())

	sub, unsubscribe := bus.Subscribe(nil, nil)
	defer unsubscribe()

	rec := store.ClusterRecord{ID: "c1", ContainerID: containerID, Quotas: store.Quotas{MemoryMB: 256, DiskGB: 1}}
	sampler.sampleOne(context.Background(), rec)

	batch, ok := sub.Next()
	require.True(t, ok)
	require.Contains(t, batch, "c1")
	require.InDelta(t, 50.0, batch["c1"].CPUPercent, 0.01)
	require.InDelta(t, 50.0, batch["c1"].MemPercent, 0.01)
	require.InDelta(t, 0.0977, batch["c1"].DiskPercent, 0.01, "1MiB used against a 1GB quota")
	require.Equal(t, "FAILED", batch["c1"].HealthState, "health state must reflect C6's last verdict, not be hardcoded")

	samples, err := repos.MetricsSamples.ListByCluster("c1", 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, uint64(1024*1024), samples[0].DiskBytes)
}

func TestHealthState_UnknownWithoutSample(t *testing.T) {
	sampler := NewSampler(runtime.NewFakeDriver(), memory.NewRepositories(), nil, NewBus(), DefaultConfig(), zerolog.Nop())
	require.Equal(t, "UNKNOWN", sampler.healthState("never-sampled"))
}

func TestMaybePush_SkipsWhenUnchangedAndNotSilent(t *testing.T) {
	sampler := NewSampler(runtime.NewFakeDriver(), memory.NewRepositories(), nil, NewBus(), Config{Epsilon: 1.0, MaxSilence: time.Hour}, zerolog.Nop())

	sample := Sample{ClusterID: "c1", CPUPercent: 10, HealthState: "HEALTHY", ContainerStatus: "running"}
	sampler.maybePush("c1", sample)
	require.Len(t, sampler.lastPushed, 1)

	firstPushAt := sampler.lastPushAt["c1"]
	sampler.maybePush("c1", sample) // identical sample, well within epsilon and silence window
	require.Equal(t, firstPushAt, sampler.lastPushAt["c1"], "an unchanged sample inside the silence window must not push again")
}

func TestMaybePush_PushesOnEpsilonCrossing(t *testing.T) {
	sampler := NewSampler(runtime.NewFakeDriver(), memory.NewRepositories(), nil, NewBus(), Config{Epsilon: 1.0, MaxSilence: time.Hour}, zerolog.Nop())

	sampler.maybePush("c1", Sample{ClusterID: "c1", CPUPercent: 10})
	first := sampler.lastPushAt["c1"]

	sampler.maybePush("c1", Sample{ClusterID: "c1", CPUPercent: 12})
	require.NotEqual(t, first, sampler.lastPushAt["c1"], "a change exceeding epsilon must push immediately")
}
