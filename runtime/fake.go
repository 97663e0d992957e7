package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/clusterforge/errs"
)

// FakeDriver is an in-memory Driver used by engine/health/metrics/backup
// tests so they never need a real Docker daemon, matching the seam the
// teacher left open with task.DockerRunner/Logger.
type FakeDriver struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// RunErr, when set, is returned by the next Run call instead of
	// succeeding — used to exercise Create's rollback path.
	RunErr error
	// InspectOverride lets a test force the Inspect result for a given
	// container id (e.g. to simulate a crash); it applies to every Inspect
	// of that id until the container is removed.
	InspectOverride map[string]InspectResult
	StatsOverride   map[string]StatsResult
	PauseSupported  bool

	// ExecCalls records every container id passed to Exec, so tests can
	// assert a hook actually ran without inspecting its output.
	ExecCalls []string
}

type fakeContainer struct {
	id        string
	state     ContainerState
	exitCode  int
	startedAt time.Time
	restarts  int
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		containers:      map[string]*fakeContainer{},
		InspectOverride: map[string]InspectResult{},
		StatsOverride:   map[string]StatsResult{},
		PauseSupported:  true,
	}
}

func (f *FakeDriver) Run(ctx context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		err := f.RunErr
		f.RunErr = nil
		return "", err
	}
	id := uuid.NewString()
	f.containers[id] = &fakeContainer{id: id, state: StateRunning, startedAt: time.Now()}
	return id, nil
}

func (f *FakeDriver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return errs.New(errs.RuntimeNotFound, "no such container")
	}
	c.state = StateExited
	c.exitCode = 0
	return nil
}

func (f *FakeDriver) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	delete(f.InspectOverride, containerID)
	delete(f.StatsOverride, containerID)
	return nil
}

func (f *FakeDriver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ov, ok := f.InspectOverride[containerID]; ok {
		return ov, nil
	}
	c, ok := f.containers[containerID]
	if !ok {
		return InspectResult{}, errs.New(errs.RuntimeNotFound, "no such container")
	}
	return InspectResult{
		ContainerID:  c.id,
		State:        c.state,
		ExitCode:     c.exitCode,
		StartedAt:    c.startedAt,
		RestartCount: c.restarts,
	}, nil
}

func (f *FakeDriver) Stats(ctx context.Context, containerID string) (StatsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ov, ok := f.StatsOverride[containerID]; ok {
		return ov, nil
	}
	if _, ok := f.containers[containerID]; !ok {
		return StatsResult{}, errs.New(errs.RuntimeNotFound, "no such container")
	}
	return StatsResult{
		CPUUsageNanos:  0,
		OnlineCPUs:     1,
		MemUsageBytes:  0,
		MemLimitBytes:  1,
	}, nil
}

func (f *FakeDriver) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCalls = append(f.ExecCalls, containerID)
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeDriver) SupportsPause() bool { return f.PauseSupported }

func (f *FakeDriver) Pause(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = StatePaused
	}
	return nil
}

func (f *FakeDriver) Unpause(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = StateRunning
	}
	return nil
}

func (f *FakeDriver) UpdateLimits(ctx context.Context, containerID string, cpuCores float64, memoryMB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return errs.New(errs.RuntimeNotFound, "no such container")
	}
	return nil
}

// Kill simulates an external crash for health/recovery tests.
func (f *FakeDriver) Kill(containerID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = StateExited
		c.exitCode = exitCode
	}
}

var _ Driver = (*FakeDriver)(nil)
