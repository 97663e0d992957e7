package cluster_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/errs"
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

func newTestRegistry(t *testing.T) *template.Registry {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/templates/web", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/templates/web/cluster.yaml", []byte(testManifest), 0o644))
	reg := template.NewRegistry(fs, "/templates")
	require.NoError(t, reg.Refresh())
	return reg
}

type stubPorts struct {
	next int
}

func (p *stubPorts) Acquire() (int, error) { p.next++; return p.next, nil }
func (p *stubPorts) Release(int)           {}
func (p *stubPorts) Reserve(int) error     { return nil }

func newTestEngine(t *testing.T) (*cluster.Engine, *runtime.FakeDriver, store.Repositories) {
	t.Helper()
	repos := memory.NewRepositories()
	driver := runtime.NewFakeDriver()
	registry := newTestRegistry(t)
	ports := &stubPorts{next: 20000}
	workspaces := workspace.NewManager(afero.NewMemMapFs(), "/workspaces")
	engine := cluster.New(repos, driver, registry, ports, workspaces)
	return engine, driver, repos
}

var admin = cluster.Principal{UserID: "admin", IsAdmin: true}

func TestCreate_Success(t *testing.T) {
	engine, _, repos := newTestEngine(t)

	c, err := engine.Create(context.Background(), cluster.CreateRequest{
		TemplateName: "web",
		BaseName:     "demo",
		Owner:        admin,
	})
	require.NoError(t, err)
	require.Equal(t, cluster.StateRunning, c.State)
	require.NotEmpty(t, c.ContainerID)
	require.Equal(t, 256, int(c.Quotas.MemoryMB))

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, rec.State)

	_, err = repos.Policies.Get(c.ID)
	require.NoError(t, err, "Create must persist a default policy record")
}

// TestCreate_RollbackOnRunFailure covers spec.md §7's propagation
// policy: a failed Run() must leave no persisted cluster record behind.
// It does not check the workspace removal or the port release.
func TestCreate_RollbackOnRunFailure(t *testing.T) {
	engine, driver, repos := newTestEngine(t)
	driver.RunErr = errs.New(errs.RuntimeError, "image pull failed")

	_, err := engine.Create(context.Background(), cluster.CreateRequest{
		TemplateName: "web",
		Owner:        admin,
	})
	require.Error(t, err)

	all, err := repos.Clusters.List()
	require.NoError(t, err)
	require.Empty(t, all, "a failed Create must not leave a persisted cluster record")
}

func TestUpdateLimits_NoopWhenUnchanged(t *testing.T) {
	engine, _, repos := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	before, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)

	updated, err := engine.UpdateLimits(context.Background(), admin, c.ID, c.Quotas)
	require.NoError(t, err)
	require.Equal(t, c.Quotas, updated.Quotas)

	after, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, before.LastTransitionAt, after.LastTransitionAt, "a no-op update must not touch LastTransitionAt")
}

func TestUpdateLimits_ReappliesLiveWhenRunning(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	newQuotas := c.Quotas
	newQuotas.CPUCores = 2.0
	updated, err := engine.UpdateLimits(context.Background(), admin, c.ID, newQuotas)
	require.NoError(t, err)
	require.Equal(t, 2.0, updated.Quotas.CPUCores)
}

func TestUpdateLimits_RejectsTransientState(t *testing.T) {
	engine, _, repos := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	rec.State = store.StateRestarting
	require.NoError(t, repos.Clusters.Update(rec))

	_, err = engine.UpdateLimits(context.Background(), admin, c.ID, c.Quotas)
	require.Error(t, err)
	require.Equal(t, errs.IllegalState, errs.KindOf(err))
}

func TestDelete_Ordering(t *testing.T) {
	engine, driver, repos := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	require.NoError(t, engine.Delete(context.Background(), admin, c.ID))

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateDeleted, rec.State)
	require.Empty(t, rec.ContainerID)

	_, err = driver.Inspect(context.Background(), c.ContainerID)
	require.Error(t, err, "Delete must remove the container")

	// Deleting again is rejected.
	err = engine.Delete(context.Background(), admin, c.ID)
	require.Error(t, err)
	require.Equal(t, errs.IllegalState, errs.KindOf(err))
}

func TestStop_RequiresRunning(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	_, err = engine.Stop(context.Background(), admin, c.ID, 5)
	require.NoError(t, err)

	_, err = engine.Stop(context.Background(), admin, c.ID, 5)
	require.Error(t, err)
	require.Equal(t, errs.IllegalState, errs.KindOf(err))
}

// TestAttemptRestart_PortSurvivesRecovery exercises scenario 5 in
// SPEC_FULL.md §8: a container that crashes and is restarted by recovery
// must keep the same persisted port rather than acquiring a new one.
func TestAttemptRestart_PortSurvivesRecovery(t *testing.T) {
	engine, driver, repos := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	driver.Kill(c.ContainerID, 137)
	changed, err := engine.MarkFailed(context.Background(), c.ID, "oom-or-killed")
	require.NoError(t, err)
	require.True(t, changed)

	attempted, err := engine.AttemptRestart(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, attempted)

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, rec.State)
	require.Equal(t, c.Port, rec.Port)
	require.Equal(t, 1, rec.RestartAttempts)
}

func TestAuthorize_RejectsNonOwner(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	c, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: admin})
	require.NoError(t, err)

	stranger := cluster.Principal{UserID: "someone-else"}
	_, err = engine.Get(context.Background(), stranger, c.ID)
	require.Error(t, err)
	require.Equal(t, errs.Unauthorized, errs.KindOf(err))
}

func TestList_ScopesToOwnerForNonAdmin(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := cluster.Principal{UserID: "owner-1"}
	other := cluster.Principal{UserID: "owner-2"}

	_, err := engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: owner})
	require.NoError(t, err)
	_, err = engine.Create(context.Background(), cluster.CreateRequest{TemplateName: "web", Owner: other})
	require.NoError(t, err)

	mine, err := engine.List(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, err := engine.List(context.Background(), admin)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
