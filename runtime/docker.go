package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/clusterforge/clusterforge/errs"
)

// healthLogTailLines is the "last N log lines" spec.md §4.6's transient
// failure classification reads alongside the exit code.
const healthLogTailLines = 20

// DockerDriver implements Driver against a Docker-compatible daemon,
// generalizing the teacher's task.Docker (ImagePull/ContainerCreate/
// ContainerStart/ContainerLogs/Run) to the full C1 verb set.
type DockerDriver struct {
	Client        *client.Client
	Log           zerolog.Logger
	CallTimeout   time.Duration
	StatsTimeout  time.Duration
}

// NewDockerDriver builds a driver from a preconfigured Docker client.
func NewDockerDriver(c *client.Client, log zerolog.Logger) *DockerDriver {
	return &DockerDriver{
		Client:       c,
		Log:          log,
		CallTimeout:  DefaultCallTimeout,
		StatsTimeout: DefaultStatsTimeout,
	}
}

func (d *DockerDriver) timeoutCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = d.CallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// classify turns a raw client/daemon error into the errs taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return errs.Wrap(errs.RuntimeNotFound, op+": container not found", err)
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return errs.Wrap(errs.RuntimeTimeout, op+": timed out", err)
	}
	if client.IsErrConnectionFailed(err) {
		return errs.Wrap(errs.RuntimeUnavailable, op+": daemon unreachable", err)
	}
	return errs.Wrap(errs.RuntimeError, op+": runtime error", err)
}

func (d *DockerDriver) buildContainerConfig(spec RunSpec) *container.Config {
	exposed := nat.PortSet{}
	if spec.ContainerPort != 0 {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))] = struct{}{}
	}
	return &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Tty:          false,
	}
}

func (d *DockerDriver) buildHostConfig(spec RunSpec) *container.HostConfig {
	bindings := nat.PortMap{}
	if spec.ContainerPort != 0 && spec.HostPort != 0 {
		key := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))
		bindings[key] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}}
	}

	if spec.NetworkMbps > 0 {
		// NanoCPUs/Memory throttle CPU and RAM; network shaping is left to
		// the host's traffic-control layer, out of the runtime driver's
		// verb set per spec.md §4.1.
		d.Log.Debug().Float64("network_mbps", spec.NetworkMbps).Msg("network quota is not enforced by the runtime driver")
	}

	return &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores * math.Pow(10, 9)),
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspacePath,
			Target: "/workspace",
		}},
	}
}

func (d *DockerDriver) Run(ctx context.Context, spec RunSpec) (string, error) {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()

	d.Log.Info().Str("image", spec.Image).Str("name", spec.Name).Msg("pulling image")
	reader, err := d.Client.ImagePull(callCtx, spec.Image, image.PullOptions{})
	if err != nil {
		return "", classify("pull image", err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	cfg := d.buildContainerConfig(spec)
	hostCfg := d.buildHostConfig(spec)

	resp, err := d.Client.ContainerCreate(callCtx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify("create container", err)
	}

	if err := d.Client.ContainerStart(callCtx, resp.ID, container.StartOptions{}); err != nil {
		return "", classify("start container", err)
	}

	d.Log.Info().Str("container_id", resp.ID).Str("name", spec.Name).Msg("container started")
	return resp.ID, nil
}

func (d *DockerDriver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()
	timeout := graceSeconds
	return classify("stop container", d.Client.ContainerStop(callCtx, containerID, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()
	return classify("remove container", d.Client.ContainerRemove(callCtx, containerID, container.RemoveOptions{Force: true}))
}

func (d *DockerDriver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()

	info, err := d.Client.ContainerInspect(callCtx, containerID)
	if err != nil {
		return InspectResult{}, classify("inspect container", err)
	}

	state := StateUnknown
	exitCode := 0
	var startedAt time.Time
	restartCount := 0
	if info.State != nil {
		switch {
		case info.State.Running:
			state = StateRunning
		case info.State.Paused:
			state = StatePaused
		case info.State.Restarting:
			state = StateRestarting
		case info.State.Dead:
			state = StateDead
		case info.State.Status == "exited":
			state = StateExited
		}
		exitCode = info.State.ExitCode
		if t, perr := time.Parse(time.RFC3339Nano, info.State.StartedAt); perr == nil {
			startedAt = t
		}
	}
	if info.RestartCount > 0 {
		restartCount = info.RestartCount
	}

	return InspectResult{
		ContainerID:   info.ID,
		State:         state,
		ExitCode:      exitCode,
		StartedAt:     startedAt,
		RestartCount:  restartCount,
		HealthLogTail: d.tailLogs(ctx, containerID),
	}, nil
}

// tailLogs fetches the last healthLogTailLines lines of combined
// stdout/stderr, used by health.classify to detect transient startup
// failures (e.g. "address already in use") that the exit code alone
// doesn't distinguish. Best-effort: a log fetch failure yields nil, not
// an error, since the inspect result is still otherwise usable.
func (d *DockerDriver) tailLogs(ctx context.Context, containerID string) []string {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()

	reader, err := d.Client.ContainerLogs(callCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(healthLogTailLines),
	})
	if err != nil {
		return nil
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && buf.Len() == 0 {
		return nil
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) > healthLogTailLines {
		lines = lines[len(lines)-healthLogTailLines:]
	}
	return lines
}

func (d *DockerDriver) Stats(ctx context.Context, containerID string) (StatsResult, error) {
	callCtx, cancel := d.timeoutCtx(ctx, d.StatsTimeout)
	defer cancel()

	resp, err := d.Client.ContainerStatsOneShot(callCtx, containerID)
	if err != nil {
		return StatsResult{}, classify("stats", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return StatsResult{}, errs.Wrap(errs.RuntimeError, "decode stats", err)
	}

	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	var blkRead, blkWrite uint64
	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			blkRead += entry.Value
		case "write":
			blkWrite += entry.Value
		}
	}

	uptime := time.Duration(0)
	if info, err := d.Client.ContainerInspect(callCtx, containerID); err == nil && info.State != nil {
		if t, perr := time.Parse(time.RFC3339Nano, info.State.StartedAt); perr == nil {
			uptime = time.Since(t)
		}
	}

	return StatsResult{
		CPUUsageNanos:   raw.CPUStats.CPUUsage.TotalUsage,
		CPUSystemNanos:  raw.CPUStats.SystemUsage,
		OnlineCPUs:      uint32(raw.CPUStats.OnlineCPUs),
		MemUsageBytes:   raw.MemoryStats.Usage,
		MemLimitBytes:   raw.MemoryStats.Limit,
		NetRxBytes:      rx,
		NetTxBytes:      tx,
		BlkReadBytes:    blkRead,
		BlkWriteBytes:   blkWrite,
		ContainerUptime: uptime,
	}, nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (ExecResult, error) {
	callCtx, cancel := d.timeoutCtx(ctx, timeout)
	defer cancel()

	created, err := d.Client.ContainerExecCreate(callCtx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classify("exec create", err)
	}

	attach, err := d.Client.ContainerExecAttach(callCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, classify("exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := d.Client.ContainerExecInspect(callCtx, created.ID)
	if err != nil {
		return ExecResult{}, classify("exec inspect", err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *DockerDriver) SupportsPause() bool { return true }

func (d *DockerDriver) Pause(ctx context.Context, containerID string) error {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()
	return classify("pause container", d.Client.ContainerPause(callCtx, containerID))
}

func (d *DockerDriver) Unpause(ctx context.Context, containerID string) error {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()
	return classify("unpause container", d.Client.ContainerUnpause(callCtx, containerID))
}

func (d *DockerDriver) UpdateLimits(ctx context.Context, containerID string, cpuCores float64, memoryMB int64) error {
	callCtx, cancel := d.timeoutCtx(ctx, d.CallTimeout)
	defer cancel()
	_, err := d.Client.ContainerUpdate(callCtx, containerID, container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs: int64(cpuCores * math.Pow(10, 9)),
			Memory:   memoryMB * 1024 * 1024,
		},
	})
	return classify("update limits", err)
}

// ProbeTCP is used by the health package; kept here since it shares the
// runtime package's notion of "is this port reachable" for a given driver.
func ProbeTCP(address string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
