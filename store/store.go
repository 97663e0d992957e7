// Package store defines the six repositories the core depends on (spec.md
// §6): Cluster, HealthSample, MetricsSample, Alert, Backup, Policy. Every
// operation is synchronous and either commits or returns an error; no
// implicit caching; no cross-entity joins beyond cluster id lookup.
package store

import "time"

// ClusterState is re-declared here (rather than importing package cluster)
// to keep store free of a dependency on the domain packages it is
// consumed by — store only needs to persist/query the state, not reason
// about its transitions.
type ClusterState string

const (
	StateCreated     ClusterState = "CREATED"
	StateStarting    ClusterState = "STARTING"
	StateRunning     ClusterState = "RUNNING"
	StateStopping    ClusterState = "STOPPING"
	StateStopped     ClusterState = "STOPPED"
	StateFailed      ClusterState = "FAILED"
	StateRestarting  ClusterState = "RESTARTING"
	StateDeleting    ClusterState = "DELETING"
	StateDeleted     ClusterState = "DELETED"
)

// Quotas is the persisted shape of a cluster's resource limits.
type Quotas struct {
	CPUCores    float64
	MemoryMB    int64
	DiskGB      int64
	NetworkMbps float64
}

// ClusterRecord is the persisted Cluster entity (spec.md §3).
type ClusterRecord struct {
	ID                 string
	Name               string
	TemplateName       string
	OwnerUserID        string
	CreatedAt          time.Time
	Port               int
	WorkspacePath       string
	ContainerID        string
	Quotas             Quotas
	State              ClusterState
	RestartAttempts    int
	LastTransitionAt   time.Time
}

// ClusterRepository persists ClusterRecords.
type ClusterRepository interface {
	Insert(c ClusterRecord) error
	Update(c ClusterRecord) error
	Get(id string) (ClusterRecord, error)
	GetByName(name string) (ClusterRecord, error)
	List() ([]ClusterRecord, error)
	ListByOwner(ownerID string) ([]ClusterRecord, error)
	ListNonTerminal() ([]ClusterRecord, error)
	Delete(id string) error
}

// HealthSampleRecord is one probe outcome (spec.md §3).
type HealthSampleRecord struct {
	ClusterID    string
	Timestamp    time.Time
	Overall      string // HEALTHY | UNHEALTHY | UNKNOWN
	ContainerState string
	ExitCode     int
	LatencyMS    int64
	ErrorReason  string
}

// HealthSampleRepository persists the rolling health-sample window.
type HealthSampleRepository interface {
	Append(s HealthSampleRecord) error
	ListByCluster(clusterID string, limit int) ([]HealthSampleRecord, error)
	LatestByCluster(clusterID string) (HealthSampleRecord, error)
	Prune(clusterID string, keep int) error
}

// MetricsSampleRecord is one stats snapshot (spec.md §3).
type MetricsSampleRecord struct {
	ClusterID       string
	Timestamp       time.Time
	CPUPercent      float64
	MemBytes        uint64
	MemPercent      float64
	DiskBytes       uint64
	DiskPercent     float64
	NetRxBytes      uint64
	NetTxBytes      uint64
	UptimeSeconds   int64
	RestartCount    int
}

// MetricsSampleRepository persists the rolling metrics-sample window.
type MetricsSampleRepository interface {
	Append(s MetricsSampleRecord) error
	ListByCluster(clusterID string, limit int) ([]MetricsSampleRecord, error)
	LatestByCluster(clusterID string) (MetricsSampleRecord, error)
	Prune(clusterID string, keep int) error
}

// AlertRecord is a raised health/metrics alert (spec.md §3).
type AlertRecord struct {
	ID             string
	ClusterID      string
	Severity       string // LOW | MEDIUM | HIGH | CRITICAL
	Kind           string
	Message        string
	OpenedAt       time.Time
	LastSeenAt     time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
}

// AlertRepository persists alerts.
type AlertRepository interface {
	Insert(a AlertRecord) error
	Update(a AlertRecord) error
	Get(id string) (AlertRecord, error)
	FindOpen(clusterID, kind string) (AlertRecord, bool, error)
	ListByCluster(clusterID string) ([]AlertRecord, error)
	ListOpen() ([]AlertRecord, error)
}

// BackupRecord is one snapshot (spec.md §3).
type BackupRecord struct {
	ID          string
	ClusterID   string
	Kind        string // FULL | INCREMENTAL | CONFIG_ONLY | DATA_ONLY
	ArchivePath string
	ByteSize    int64
	Checksum    string
	CreatedAt   time.Time
	Description string
	Verified    bool
}

// BackupRepository persists backups.
type BackupRepository interface {
	Insert(b BackupRecord) error
	Get(id string) (BackupRecord, error)
	ListByCluster(clusterID string) ([]BackupRecord, error)
	Delete(id string) error
}

// RecoveryPolicy and BackupPolicy are per-cluster overrides stored
// alongside the cluster (spec.md §3).
type RecoveryPolicy struct {
	MaxAttempts      int
	RetryIntervalS   int
	CooldownS        int
}

type BackupPolicy struct {
	AutoBackupEnabled bool
	IntervalHours     int
	RetentionDays     int
	MaxBackups        int
	Kind              string
}

type PolicyRecord struct {
	ClusterID string
	Recovery  RecoveryPolicy
	Backup    BackupPolicy
}

// PolicyRepository persists per-cluster policy overrides.
type PolicyRepository interface {
	Upsert(p PolicyRecord) error
	Get(clusterID string) (PolicyRecord, error)
	Delete(clusterID string) error
}

// Repositories bundles all six repositories the core depends on.
type Repositories struct {
	Clusters       ClusterRepository
	HealthSamples  HealthSampleRepository
	MetricsSamples MetricsSampleRepository
	Alerts         AlertRepository
	Backups        BackupRepository
	Policies       PolicyRepository
}
