// Package metrics implements C7: a periodic per-cluster resource sampler
// with change-driven push fan-out. Grounded on the teacher's
// manager.Manager status polling loop, generalized from an in-memory
// event slice into a persisted rolling window plus a coalescing
// publish/subscribe bus shaped like alert.Bus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clusterforge/clusterforge/runtime"
	"github.com/clusterforge/clusterforge/store"
	"github.com/clusterforge/clusterforge/workspace"
)

// Config bounds the sampler (spec.md §6 configuration surface).
type Config struct {
	Interval        time.Duration // default 5s
	SampleRetention int           // default 1000
	Epsilon         float64       // default 1.0 (percentage points)
	MaxSilence      time.Duration // default 30s
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		SampleRetention: 1000,
		Epsilon:         1.0,
		MaxSilence:      30 * time.Second,
	}
}

// Sample is the domain-facing mirror of store.MetricsSampleRecord.
type Sample struct {
	ClusterID     string
	Timestamp     time.Time
	CPUPercent    float64
	MemPercent    float64
	DiskPercent   float64
	MemBytes      uint64
	NetRxBytes    uint64
	NetTxBytes    uint64
	UptimeSeconds int64
	RestartCount  int
	HealthState   string
	ContainerStatus string
}

func fromRecord(r store.MetricsSampleRecord, health, containerStatus string) Sample {
	return Sample{
		ClusterID: r.ClusterID, Timestamp: r.Timestamp, CPUPercent: r.CPUPercent,
		MemPercent: r.MemPercent, DiskPercent: r.DiskPercent, MemBytes: r.MemBytes,
		NetRxBytes: r.NetRxBytes, NetTxBytes: r.NetTxBytes, UptimeSeconds: r.UptimeSeconds,
		RestartCount: r.RestartCount, HealthState: health, ContainerStatus: containerStatus,
	}
}

var (
	cpuGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterforge_cluster_cpu_percent",
		Help: "CPU usage as a percentage of the cluster's configured quota.",
	}, []string{"cluster_id"})
	memGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterforge_cluster_memory_percent",
		Help: "Memory usage as a percentage of the cluster's configured quota.",
	}, []string{"cluster_id"})
	diskGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterforge_cluster_disk_percent",
		Help: "Disk usage as a percentage of the cluster's configured quota.",
	}, []string{"cluster_id"})
	uptimeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterforge_cluster_uptime_seconds",
		Help: "Seconds since the cluster's container last started.",
	}, []string{"cluster_id"})
)

func init() {
	prometheus.MustRegister(cpuGauge, memGauge, diskGauge, uptimeGauge)
}

// Sampler is C7.
type Sampler struct {
	driver     runtime.Driver
	repos      store.Repositories
	workspaces *workspace.Manager
	bus        *Bus
	cfg        Config
	log        zerolog.Logger

	mu        sync.Mutex
	lastPushed map[string]Sample
	lastPushAt map[string]time.Time
}

func NewSampler(driver runtime.Driver, repos store.Repositories, workspaces *workspace.Manager, bus *Bus, cfg Config, log zerolog.Logger) *Sampler {
	return &Sampler{
		driver: driver, repos: repos, workspaces: workspaces, bus: bus, cfg: cfg, log: log,
		lastPushed: map[string]Sample{}, lastPushAt: map[string]time.Time{},
	}
}

// Run blocks, sampling every cfg.Interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sampler) sweep(ctx context.Context) {
	recs, err := s.repos.Clusters.List()
	if err != nil {
		s.log.Error().Err(err).Msg("metrics sweep: list clusters")
		return
	}
	for _, rec := range recs {
		if rec.State != store.StateRunning {
			continue
		}
		s.sampleOne(ctx, rec)
	}
}

func (s *Sampler) sampleOne(ctx context.Context, rec store.ClusterRecord) {
	cctx, cancel := context.WithTimeout(ctx, runtime.DefaultStatsTimeout)
	defer cancel()

	stats, err := s.driver.Stats(cctx, rec.ContainerID)
	if err != nil {
		s.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("stats failed, skipping this cluster this tick")
		return
	}
	inspect, err := s.driver.Inspect(cctx, rec.ContainerID)
	if err != nil {
		s.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("inspect failed, skipping this cluster this tick")
		return
	}

	cpuPct := cpuPercent(stats)
	memPct := 0.0
	if rec.Quotas.MemoryMB > 0 {
		memPct = (float64(stats.MemUsageBytes) / (float64(rec.Quotas.MemoryMB) * 1024 * 1024)) * 100
	}
	diskBytes, diskPct := s.diskUsage(rec)

	now := time.Now()
	rec2 := store.MetricsSampleRecord{
		ClusterID: rec.ID, Timestamp: now, CPUPercent: cpuPct, MemBytes: stats.MemUsageBytes,
		MemPercent: memPct, DiskBytes: diskBytes, DiskPercent: diskPct, NetRxBytes: stats.NetRxBytes, NetTxBytes: stats.NetTxBytes,
		UptimeSeconds: int64(stats.ContainerUptime.Seconds()), RestartCount: inspect.RestartCount,
	}
	if err := s.repos.MetricsSamples.Append(rec2); err != nil {
		s.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("append metrics sample failed")
	}
	_ = s.repos.MetricsSamples.Prune(rec.ID, s.cfg.SampleRetention)

	cpuGauge.WithLabelValues(rec.ID).Set(cpuPct)
	memGauge.WithLabelValues(rec.ID).Set(memPct)
	diskGauge.WithLabelValues(rec.ID).Set(diskPct)
	uptimeGauge.WithLabelValues(rec.ID).Set(float64(rec2.UptimeSeconds))

	sample := fromRecord(rec2, s.healthState(rec.ID), string(inspect.State))
	s.maybePush(rec.ID, sample)
}

// healthState reads the overall verdict C6 last recorded for this cluster,
// so a pushed metrics sample never mislabels a FAILED cluster as healthy
// (spec.md §4.7 change-detection dimensions include healthState).
func (s *Sampler) healthState(clusterID string) string {
	latest, err := s.repos.HealthSamples.LatestByCluster(clusterID)
	if err != nil {
		return "UNKNOWN"
	}
	return latest.Overall
}

// diskUsage walks the cluster's workspace directory for its apparent byte
// size and expresses it as a percentage of the cluster's disk quota
// (spec.md §4.7). A missing workspace manager or a failed walk yields 0
// bytes and 0% rather than an error, since not every deployment wires one
// up; a zero disk quota yields the walked byte count with 0%.
func (s *Sampler) diskUsage(rec store.ClusterRecord) (uint64, float64) {
	if s.workspaces == nil {
		return 0, 0
	}
	used, err := s.workspaces.DiskUsage(rec.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("disk usage walk failed")
		return 0, 0
	}
	if rec.Quotas.DiskGB <= 0 {
		return uint64(used), 0
	}
	pct := (float64(used) / (float64(rec.Quotas.DiskGB) * 1024 * 1024 * 1024)) * 100
	return uint64(used), pct
}

// maybePush implements the change-driven push rule (spec.md §4.7).
func (s *Sampler) maybePush(clusterID string, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.lastPushed[clusterID]
	silenceElapsed := time.Since(s.lastPushAt[clusterID]) >= s.cfg.MaxSilence
	changed := !ok ||
		absDiff(prev.CPUPercent, sample.CPUPercent) > s.cfg.Epsilon ||
		absDiff(prev.MemPercent, sample.MemPercent) > s.cfg.Epsilon ||
		absDiff(prev.DiskPercent, sample.DiskPercent) > s.cfg.Epsilon ||
		prev.HealthState != sample.HealthState ||
		prev.ContainerStatus != sample.ContainerStatus

	if !changed && !silenceElapsed {
		return
	}
	s.lastPushed[clusterID] = sample
	s.lastPushAt[clusterID] = time.Now()
	s.bus.publish(clusterID, sample)
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func cpuPercent(s runtime.StatsResult) float64 {
	if s.CPUSystemNanos == 0 || s.OnlineCPUs == 0 {
		return 0
	}
	cpuDelta := float64(s.CPUUsageNanos)
	sysDelta := float64(s.CPUSystemNanos)
	return (cpuDelta / sysDelta) * float64(s.OnlineCPUs) * 100
}

