package cluster

import (
	"context"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
	"github.com/clusterforge/clusterforge/template"
	"github.com/clusterforge/clusterforge/workspace"
)

// PortAllocator is the subset of port.Allocator the engine depends on
// (kept as an interface so tests can substitute a trivial fake).
type PortAllocator interface {
	Acquire() (int, error)
	Release(p int)
	Reserve(p int) error
}

// Engine implements C5: it orchestrates C1-C4 and owns the Cluster state
// machine. Grounded on the teacher's manager.Manager (pending queue,
// task/event bookkeeping maps), generalized to a persisted, lock-guarded
// per-cluster state machine instead of in-memory maps.
type Engine struct {
	repos     store.Repositories
	driver    runtime.Driver
	templates *template.Registry
	ports     PortAllocator
	workspaces *workspace.Manager
	locks     *lockTable
	log       zerolog.Logger

	// pending is an admission queue for Create operations (the other
	// lifecycle operations do not use it), mirroring the teacher's
	// manager.Manager.Pending; it is drained synchronously
	// by callers (no separate dispatch goroutine is needed at this
	// single-host scale) but documents the intended request shape and
	// gives operators a place to see backlog depth.
	pending queue.Queue

	defaultRecovery RecoveryPolicy
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDefaultRecoveryPolicy overrides the recovery policy newly created
// clusters are seeded with (spec.md §6 recovery.* configuration surface).
// Without this option clusters get DefaultRecoveryPolicy().
func WithDefaultRecoveryPolicy(p RecoveryPolicy) Option {
	return func(e *Engine) { e.defaultRecovery = p }
}

// New builds an Engine. ports must already be seeded with the set of
// ports held by non-DELETED persisted clusters (spec.md §4.3).
func New(repos store.Repositories, driver runtime.Driver, templates *template.Registry, ports PortAllocator, workspaces *workspace.Manager, opts ...Option) *Engine {
	e := &Engine{
		repos:           repos,
		driver:          driver,
		templates:       templates,
		ports:           ports,
		workspaces:      workspaces,
		locks:           newLockTable(),
		log:             zerolog.Nop(),
		defaultRecovery: DefaultRecoveryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile converges on-disk and persisted state after a restart
// (spec.md §4.5 "Delete ordering (required)"): garbage-collect orphan
// workspaces whose cluster is DELETED or simply absent.
func (e *Engine) Reconcile(ctx context.Context) error {
	all, err := e.repos.Clusters.List()
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, c := range all {
		if c.State != store.StateDeleted {
			live[c.ID] = true
		}
	}
	removed, err := e.workspaces.GCOrphans(live)
	if err != nil {
		return err
	}
	for _, id := range removed {
		e.log.Info().Str("cluster_id", id).Msg("reconcile: removed orphan workspace")
	}
	return nil
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	TemplateName string
	BaseName     string
	Quotas       *Quotas // nil uses the template's default quotas
	Owner        Principal
}

// Create instantiates a new cluster from a template (spec.md §4.5).
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Cluster, error) {
	tmpl, err := e.templates.Get(req.TemplateName)
	if err != nil {
		return Cluster{}, err
	}

	name, err := generateName(req.BaseName, req.TemplateName, func(n string) bool {
		_, err := e.repos.Clusters.GetByName(n)
		return err == nil
	})
	if err != nil {
		return Cluster{}, err
	}

	quotas := quotasFromTemplate(tmpl.DefaultQuotas)
	if req.Quotas != nil {
		quotas = *req.Quotas
	}

	portNum, err := e.ports.Acquire()
	if err != nil {
		return Cluster{}, err
	}

	id := uuid.NewString()
	unlock := e.locks.Lock(id)
	defer unlock()
	e.pending.Enqueue(id)
	defer e.pending.Dequeue()

	// rollback bookkeeping: undo side effects in reverse order on any
	// failure past this point (spec.md §7 "Propagation policy").
	var workspacePath string
	var containerID string
	rollback := func() {
		if containerID != "" {
			_ = e.driver.Stop(ctx, containerID, 5)
			_ = e.driver.Remove(ctx, containerID)
		}
		if workspacePath != "" {
			_ = e.workspaces.Destroy(id)
		}
		e.ports.Release(portNum)
	}

	workspacePath, err = e.workspaces.Create(id, string(tmpl.Raw), "cluster.yaml", workspace.Params{
		ClusterID:   id,
		Name:        name,
		Port:        portNum,
		CPUCores:    quotas.CPUCores,
		MemoryMB:    quotas.MemoryMB,
		DiskGB:      quotas.DiskGB,
		NetworkMbps: quotas.NetworkMbps,
		Credential:  uuid.NewString(),
	})
	if err != nil {
		rollback()
		return Cluster{}, err
	}

	now := time.Now()
	rec := store.ClusterRecord{
		ID:               id,
		Name:             name,
		TemplateName:     req.TemplateName,
		OwnerUserID:      req.Owner.UserID,
		CreatedAt:        now,
		Port:             portNum,
		WorkspacePath:    workspacePath,
		Quotas:           quotas.toStore(),
		State:            store.StateStarting,
		LastTransitionAt: now,
	}

	containerID, err = e.driver.Run(ctx, runSpecFor(tmpl, name, workspacePath, portNum, quotas))
	if err != nil {
		rollback()
		return Cluster{}, errs.Wrap(errs.RuntimeError, "start container", err)
	}

	rec.ContainerID = containerID
	rec.State = store.StateRunning
	rec.LastTransitionAt = time.Now()

	if err := e.repos.Clusters.Insert(rec); err != nil {
		rollback()
		return Cluster{}, err
	}

	if err := e.repos.Policies.Upsert(store.PolicyRecord{
		ClusterID: id,
		Recovery:  e.defaultRecovery,
		Backup:    DefaultBackupPolicy(),
	}); err != nil {
		e.log.Warn().Err(err).Str("cluster_id", id).Msg("failed to persist default policy")
	}

	e.log.Info().Str("cluster_id", id).Str("name", name).Int("port", portNum).Msg("cluster created")
	return fromRecord(rec), nil
}

func runSpecFor(t template.Template, name, workspacePath string, port int, q Quotas) runtime.RunSpec {
	env := make([]string, 0, len(t.Manifest.Env))
	for k, v := range t.Manifest.Env {
		env = append(env, k+"="+v)
	}
	return runtime.RunSpec{
		Name:          name,
		Image:         t.Manifest.Image,
		Command:       t.Manifest.Command,
		Env:           env,
		WorkspacePath: workspacePath,
		HostPort:      port,
		ContainerPort: t.Manifest.ContainerPort,
		CPUCores:      q.CPUCores,
		MemoryMB:      q.MemoryMB,
		NetworkMbps:   q.NetworkMbps,
		RestartPolicy: "unless-stopped",
	}
}

func (e *Engine) authorize(rec store.ClusterRecord, p Principal) error {
	if !p.canAct(rec.OwnerUserID) {
		return errs.New(errs.Unauthorized, "not authorized to act on this cluster")
	}
	return nil
}

// Start reapplies quotas and starts a STOPPED or FAILED cluster
// (spec.md §4.5 start).
func (e *Engine) Start(ctx context.Context, p Principal, id string) (Cluster, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return Cluster{}, err
	}
	if err := e.authorize(rec, p); err != nil {
		return Cluster{}, err
	}
	if rec.State != store.StateStopped && rec.State != store.StateFailed {
		return Cluster{}, errs.New(errs.IllegalState, "start requires STOPPED or FAILED, got "+string(rec.State))
	}

	rec, err = e.startLocked(ctx, rec)
	return fromRecord(rec), err
}

// startLocked performs the actual container (re)start. Caller must already
// hold the cluster's lock and have validated the precondition.
func (e *Engine) startLocked(ctx context.Context, rec store.ClusterRecord) (store.ClusterRecord, error) {
	tmpl, err := e.templates.Get(rec.TemplateName)
	if err != nil {
		return rec, err
	}

	rec.State = store.StateStarting
	rec.LastTransitionAt = time.Now()
	_ = e.repos.Clusters.Update(rec)

	if rec.ContainerID != "" {
		_ = e.driver.Stop(ctx, rec.ContainerID, 5)
		_ = e.driver.Remove(ctx, rec.ContainerID)
	}

	containerID, err := e.driver.Run(ctx, runSpecFor(tmpl, rec.Name, rec.WorkspacePath, rec.Port, fromStoreQuotas(rec.Quotas)))
	if err != nil {
		rec.State = store.StateFailed
		rec.LastTransitionAt = time.Now()
		_ = e.repos.Clusters.Update(rec)
		return rec, errs.Wrap(errs.RuntimeError, "start container", err)
	}

	rec.ContainerID = containerID
	rec.State = store.StateRunning
	rec.LastTransitionAt = time.Now()
	if err := e.repos.Clusters.Update(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Stop gracefully stops a RUNNING cluster (spec.md §4.5 stop).
func (e *Engine) Stop(ctx context.Context, p Principal, id string, graceSeconds int) (Cluster, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return Cluster{}, err
	}
	if err := e.authorize(rec, p); err != nil {
		return Cluster{}, err
	}
	if rec.State != store.StateRunning {
		return Cluster{}, errs.New(errs.IllegalState, "stop requires RUNNING, got "+string(rec.State))
	}

	rec.State = store.StateStopping
	rec.LastTransitionAt = time.Now()
	_ = e.repos.Clusters.Update(rec)

	if err := e.driver.Stop(ctx, rec.ContainerID, graceSeconds); err != nil {
		return Cluster{}, errs.Wrap(errs.RuntimeError, "stop container", err)
	}

	rec.State = store.StateStopped
	rec.LastTransitionAt = time.Now()
	if err := e.repos.Clusters.Update(rec); err != nil {
		return Cluster{}, err
	}
	return fromRecord(rec), nil
}

// Delete tears down a cluster: stop if running, remove container, remove
// workspace, release port, persist DELETED (spec.md §4.5 "Delete
// ordering (required)").
func (e *Engine) Delete(ctx context.Context, p Principal, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return err
	}
	if err := e.authorize(rec, p); err != nil {
		return err
	}
	if rec.State == store.StateDeleted {
		return errs.New(errs.IllegalState, "cluster already deleted")
	}

	if rec.State == store.StateRunning || rec.State == store.StateFailed {
		if rec.ContainerID != "" {
			_ = e.driver.Stop(ctx, rec.ContainerID, 5)
		}
	}
	rec.State = store.StateDeleting
	rec.LastTransitionAt = time.Now()
	_ = e.repos.Clusters.Update(rec)

	if rec.ContainerID != "" {
		if err := e.driver.Remove(ctx, rec.ContainerID); err != nil && !errs.Is(err, errs.RuntimeNotFound) {
			e.log.Warn().Err(err).Str("cluster_id", id).Msg("remove container failed during delete")
		}
	}
	if err := e.workspaces.Destroy(id); err != nil {
		e.log.Warn().Err(err).Str("cluster_id", id).Msg("remove workspace failed during delete")
	}
	e.ports.Release(rec.Port)

	rec.State = store.StateDeleted
	rec.ContainerID = ""
	rec.LastTransitionAt = time.Now()
	return e.repos.Clusters.Update(rec)
}

// UpdateLimits always persists new quotas; if RUNNING, reapplies live via
// the runtime driver; otherwise the new quotas take effect on next start
// (spec.md §9 Open Question, fixed).
func (e *Engine) UpdateLimits(ctx context.Context, p Principal, id string, quotas Quotas) (Cluster, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return Cluster{}, err
	}
	if err := e.authorize(rec, p); err != nil {
		return Cluster{}, err
	}
	if rec.State == store.StateDeleted || State(rec.State).IsTransient() {
		return Cluster{}, errs.New(errs.IllegalState, "cannot update limits in state "+string(rec.State))
	}

	if rec.Quotas == quotas.toStore() {
		return fromRecord(rec), nil // no-op, spec.md §8 "Round-trip / idempotence"
	}

	rec.Quotas = quotas.toStore()
	if rec.State == store.StateRunning {
		if err := e.driver.UpdateLimits(ctx, rec.ContainerID, quotas.CPUCores, quotas.MemoryMB); err != nil {
			return Cluster{}, errs.Wrap(errs.RuntimeError, "reapply limits", err)
		}
	}
	if err := e.repos.Clusters.Update(rec); err != nil {
		return Cluster{}, err
	}
	return fromRecord(rec), nil
}

// Get returns a cluster by id, enforcing ownership.
func (e *Engine) Get(ctx context.Context, p Principal, id string) (Cluster, error) {
	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return Cluster{}, err
	}
	if err := e.authorize(rec, p); err != nil {
		return Cluster{}, err
	}
	return fromRecord(rec), nil
}

// List returns clusters visible to p: all for admins, owned-only otherwise.
func (e *Engine) List(ctx context.Context, p Principal) ([]Cluster, error) {
	var recs []store.ClusterRecord
	var err error
	if p.IsAdmin {
		recs, err = e.repos.Clusters.List()
	} else {
		recs, err = e.repos.Clusters.ListByOwner(p.UserID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Cluster, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Exec runs a one-shot command inside a cluster's container (spec.md §4.1
// verb set; surfaced per §12's supplemented pre_backup_exec hook, not as
// a general-purpose shell surface — callers are internal, not an external
// API per the Non-goals).
func (e *Engine) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (runtime.ExecResult, error) {
	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	if rec.State != store.StateRunning {
		return runtime.ExecResult{}, errs.New(errs.IllegalState, "exec requires RUNNING")
	}
	return e.driver.Exec(ctx, rec.ContainerID, argv, timeout)
}

// RefreshTemplates re-scans the template registry (spec.md §4.2 refresh(),
// supplemented per §12 since the distillation never wires a caller).
func (e *Engine) RefreshTemplates() error {
	return e.templates.Refresh()
}

// --- health-driven transitions (C6 ownership, spec.md §3 "Ownership") ---

// MarkFailed transitions a RUNNING cluster to FAILED on the first
// UNHEALTHY sample (spec.md §4.6). It is a no-op (changed=false) if the
// cluster's lock is contended or it is no longer RUNNING.
func (e *Engine) MarkFailed(ctx context.Context, id, reason string) (changed bool, err error) {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return false, nil
	}
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return false, err
	}
	if rec.State != store.StateRunning {
		return false, nil
	}
	rec.State = store.StateFailed
	rec.LastTransitionAt = time.Now()
	if err := e.repos.Clusters.Update(rec); err != nil {
		return false, err
	}
	e.log.Warn().Str("cluster_id", id).Str("reason", reason).Msg("cluster marked FAILED by health loop")
	return true, nil
}

// AttemptRestart transitions FAILED -> RESTARTING, increments the restart
// counter, and (re)starts the container. attempted=false means the lock
// was contended or the cluster was not FAILED, and the caller's tick
// should be skipped / not counted (spec.md §4.6, §5).
func (e *Engine) AttemptRestart(ctx context.Context, id string) (attempted bool, err error) {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return false, nil
	}
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return false, err
	}
	if rec.State != store.StateFailed {
		return false, nil
	}

	rec.State = store.StateRestarting
	rec.RestartAttempts++
	rec.LastTransitionAt = time.Now()
	if err := e.repos.Clusters.Update(rec); err != nil {
		return true, err
	}

	_, err = e.startLocked(ctx, rec)
	return true, err
}

// ResetRestartCounter clears the attempt counter after a clean HEALTHY
// observation spans a full cooldown window (spec.md §3 invariants).
func (e *Engine) ResetRestartCounter(ctx context.Context, id string) error {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return nil
	}
	defer unlock()

	rec, err := e.repos.Clusters.Get(id)
	if err != nil {
		return err
	}
	if rec.RestartAttempts == 0 {
		return nil
	}
	rec.RestartAttempts = 0
	return e.repos.Clusters.Update(rec)
}

// Repositories exposes the underlying store for read-mostly consumers
// (health, metrics, backup) that must read cluster records without going
// through the engine's authorization layer (they act as the system, not
// on behalf of an end user).
func (e *Engine) Repositories() store.Repositories { return e.repos }

// Driver exposes the runtime driver for components (backup) that need to
// pause/archive/exec against a cluster's container directly.
func (e *Engine) Driver() runtime.Driver { return e.driver }

// Templates exposes the template registry for components (backup) that
// need a manifest's metadata (e.g. the pre-backup exec hook) without
// going through a full Create/Start cycle.
func (e *Engine) Templates() *template.Registry { return e.templates }

// WorkspacePath returns the on-disk path for a cluster id.
func (e *Engine) WorkspacePath(id string) string { return e.workspaces.Path(id) }

// LockCluster exposes the blocking per-cluster lock for components (backup)
// that must serialize with lifecycle operations for a critical section.
func (e *Engine) LockCluster(id string) func() { return e.locks.Lock(id) }

// PendingDepth reports how many Create operations are currently in
// flight, for the admin status surface.
func (e *Engine) PendingDepth() int { return e.pending.Len() }
