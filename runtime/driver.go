// Package runtime wraps exactly the container-runtime operations the core
// needs: run, stop, remove, inspect, stats, exec. It is a capability set
// (spec.md §9 "Polymorphism") — any type satisfying Driver is substitutable;
// DockerDriver is the shipped implementation, grounded on the teacher's
// task.Docker (github.com/docker/docker/client wrapper).
package runtime

import (
	"context"
	"time"
)

// ContainerState mirrors the subset of Docker's inspect state the core cares about.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
	StateUnknown    ContainerState = "unknown"
)

// RunSpec describes a container to launch for a cluster.
type RunSpec struct {
	Name          string
	Image         string
	Command       []string
	Env           []string
	WorkspacePath string
	HostPort      int
	ContainerPort int
	CPUCores      float64 // decimal cores, converted to NanoCPUs
	MemoryMB      int64
	NetworkMbps   float64 // 0 = unthrottled
	RestartPolicy string
}

// InspectResult is the bit-exact subset of Docker's inspect JSON the core consumes.
type InspectResult struct {
	ContainerID   string
	State         ContainerState
	ExitCode      int
	StartedAt     time.Time
	RestartCount  int
	HealthLogTail []string
}

// StatsResult is the bit-exact subset of Docker's stats JSON the core consumes.
type StatsResult struct {
	CPUUsageNanos   uint64
	CPUSystemNanos  uint64
	OnlineCPUs      uint32
	MemUsageBytes   uint64
	MemLimitBytes   uint64
	NetRxBytes      uint64
	NetTxBytes      uint64
	BlkReadBytes    uint64
	BlkWriteBytes   uint64
	ContainerUptime time.Duration
}

// ExecResult is the outcome of a one-shot exec inside a running container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the capability set C1 exposes to the rest of the core.
// Every method must bound its own wall-clock time and translate
// runtime-specific failures into the errs.Kind taxonomy (RuntimeTimeout,
// RuntimeNotFound, RuntimeUnavailable, RuntimeError).
type Driver interface {
	Run(ctx context.Context, spec RunSpec) (containerID string, err error)
	Stop(ctx context.Context, containerID string, graceSeconds int) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (InspectResult, error)
	Stats(ctx context.Context, containerID string) (StatsResult, error)
	Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (ExecResult, error)
	// Pause/Unpause support pausing the writable layer for a consistent
	// backup snapshot. SupportsPause reports whether the underlying
	// runtime can do so; backup falls back to an unpaused snapshot with
	// a recorded warning when it cannot (spec.md §4.8).
	SupportsPause() bool
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	// UpdateLimits reapplies resource quotas to a running container without restarting it.
	UpdateLimits(ctx context.Context, containerID string, cpuCores float64, memoryMB int64) error
}

// Default per-call timeouts (spec.md §4.1, overridable via config).
const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultStatsTimeout = 5 * time.Second
)
