package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/alert"
	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
	"github.com/clusterforge/clusterforge/store/memory"
	"github.com/clusterforge/clusterforge/template"
	"github.com/clusterforge/clusterforge/workspace"
)

const testManifest = `image: nginx:latest
container_port: 80
default_quotas:
  cpu_cores: 0.5
  memory_mb: 256
  disk_gb: 1
`

type stubPorts struct{ port int }

func (p stubPorts) Acquire() (int, error) { return p.port, nil }
func (stubPorts) Release(int)             {}
func (stubPorts) Reserve(int) error       { return nil }

func newTestLoop(t *testing.T, port int) (*Loop, *cluster.Engine, *runtime.FakeDriver, store.Repositories) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/templates/web", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/templates/web/cluster.yaml", []byte(testManifest), 0o644))
	registry := template.NewRegistry(fs, "/templates")
	require.NoError(t, registry.Refresh())

	repos := memory.NewRepositories()
	driver := runtime.NewFakeDriver()
	workspaces := workspace.NewManager(afero.NewMemMapFs(), "/workspaces")
	engine := cluster.New(repos, driver, registry, stubPorts{port: port}, workspaces)

	bus := alert.NewBus()
	alertStore := alert.NewStore(repos.Alerts, bus, time.Minute, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.Interval = time.Hour // tests drive sweeps manually
	loop := NewLoop(engine, driver, repos, alertStore, cfg, zerolog.Nop())
	return loop, engine, driver, repos
}

func createRunningCluster(t *testing.T, engine *cluster.Engine) cluster.Cluster {
	t.Helper()
	c, err := engine.Create(context.Background(), cluster.CreateRequest{
		TemplateName: "web",
		Owner:        cluster.Principal{UserID: "admin", IsAdmin: true},
	})
	require.NoError(t, err)
	return c
}

// TestProcessCluster_CrashTriggersFailedAndEventualRestart exercises
// auto-recovery: a container that crashes with an OOM-pattern exit code
// is marked FAILED immediately, then restarted once the delayed backoff
// window elapses.
func TestProcessCluster_CrashTriggersFailedAndEventualRestart(t *testing.T) {
	loop, engine, driver, repos := newTestLoop(t, 0)
	c := createRunningCluster(t, engine)

	driver.InspectOverride[c.ContainerID] = runtime.InspectResult{
		ContainerID: c.ContainerID, State: runtime.StateExited, ExitCode: 137,
	}

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	loop.processCluster(context.Background(), rec)

	rec, err = repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, rec.State)

	st := loop.stateFor(c.ID)
	require.True(t, st.nextAttemptAt.After(time.Now()), "an OOM-classified failure must be retried after a delay, not immediately")

	// Force the backoff window to have elapsed and retry. The override on
	// the old container id still reports a non-running state, which is
	// enough to route processCluster into the recovery branch again.
	st.nextAttemptAt = time.Now().Add(-time.Second)
	driver.InspectOverride[c.ContainerID] = runtime.InspectResult{ContainerID: c.ContainerID, State: runtime.StateExited, ExitCode: 0}

	loop.processCluster(context.Background(), rec)

	rec, err = repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, rec.State)
	require.Equal(t, 1, rec.RestartAttempts)
}

// TestProcessCluster_ExhaustsAfterMaxAttempts exercises spec.md §4.6's
// recovery exhaustion: once RestartAttempts reaches the policy's
// maxAttempts, the loop stops attempting restarts and raises a CRITICAL
// alert instead, every sweep, without ever clearing the counter on its own.
func TestProcessCluster_ExhaustsAfterMaxAttempts(t *testing.T) {
	loop, engine, driver, repos := newTestLoop(t, 0)
	c := createRunningCluster(t, engine)

	require.NoError(t, repos.Policies.Upsert(store.PolicyRecord{
		ClusterID: c.ID,
		Recovery:  store.RecoveryPolicy{MaxAttempts: 2, RetryIntervalS: 0, CooldownS: 60},
		Backup:    cluster.DefaultBackupPolicy(),
	}))

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	rec.State = store.StateFailed
	rec.RestartAttempts = 2
	require.NoError(t, repos.Clusters.Update(rec))

	driver.InspectOverride[c.ContainerID] = runtime.InspectResult{
		ContainerID: c.ContainerID, State: runtime.StateExited, ExitCode: 1,
	}

	loop.processCluster(context.Background(), rec)

	rec, err = repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, rec.State, "an exhausted cluster must stay FAILED, not be restarted again")
	require.Equal(t, 2, rec.RestartAttempts)

	open, err := repos.Alerts.ListOpen()
	require.NoError(t, err)
	var foundCritical bool
	for _, a := range open {
		if a.Kind == alertKindExhausted && a.Severity == string(alert.Critical) {
			foundCritical = true
		}
	}
	require.True(t, foundCritical, "exhaustion must raise a CRITICAL recovery-exhausted alert")
}

// TestProcessCluster_HealthyResetsCounterAfterCooldown drives a real
// HEALTHY sample (a live TCP listener stands in for the container's
// port) and checks that a healthy streak spanning the cooldown window
// clears a previously non-zero restart counter.
func TestProcessCluster_HealthyResetsCounterAfterCooldown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	loop, engine, _, repos := newTestLoop(t, port)
	c := createRunningCluster(t, engine)

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	rec.RestartAttempts = 3
	require.NoError(t, repos.Clusters.Update(rec))

	require.NoError(t, repos.Policies.Upsert(store.PolicyRecord{
		ClusterID: c.ID,
		Recovery:  store.RecoveryPolicy{MaxAttempts: 5, RetryIntervalS: 1, CooldownS: 0},
		Backup:    cluster.DefaultBackupPolicy(),
	}))

	// Seed healthySince in the past so the very first HEALTHY sample
	// already spans the (zero-length) cooldown window.
	loop.stateFor(c.ID).healthySince = time.Now().Add(-time.Hour)

	rec, err = repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	loop.processCluster(context.Background(), rec)

	rec, err = repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, rec.RestartAttempts, "a healthy streak spanning the cooldown must reset the restart counter")
}
