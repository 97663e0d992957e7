// Package backup implements C8: periodic and on-demand workspace
// snapshots with integrity checksums, retention pruning, and restore.
// Grounded on the teacher's task package's filesystem-adjacent helpers,
// generalized into a tar+gzip archival pipeline since the teacher never
// persisted anything to disk beyond the workspace itself.
package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clusterforge/clusterforge/alert"
	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/store"
)

const alertKindBackupFailed = "backup-failed"
const alertKindPauseUnsupported = "pause-unsupported"

// manifest is the sidecar metadata written next to each archive, used by
// Restore to infer the source template without re-reading BackupRecord
// (spec.md §4.8 "reuse template inferred from archive metadata").
type manifest struct {
	ClusterID    string `json:"cluster_id"`
	TemplateName string `json:"template_name"`
	Name         string `json:"name"`
	Quotas       cluster.Quotas `json:"quotas"`
}

// Engine is C8.
type Engine struct {
	engine *cluster.Engine
	repos  store.Repositories
	alerts *alert.Store
	fs     afero.Fs
	root   string
	log    zerolog.Logger
}

func NewEngine(engine *cluster.Engine, repos store.Repositories, alerts *alert.Store, fs afero.Fs, root string, log zerolog.Logger) *Engine {
	return &Engine{engine: engine, repos: repos, alerts: alerts, fs: fs, root: root, log: log}
}

// Run wakes every minute and snapshots any cluster whose policy demands
// it (spec.md §4.8 "Scheduler wakes every minute").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	recs, err := e.repos.Clusters.List()
	if err != nil {
		e.log.Error().Err(err).Msg("backup sweep: list clusters")
		return
	}
	for _, rec := range recs {
		if rec.State == store.StateDeleted {
			continue
		}
		policy, err := e.repos.Policies.Get(rec.ID)
		if err != nil || !policy.Backup.AutoBackupEnabled {
			continue
		}
		due, err := e.isDue(rec.ID, policy.Backup)
		if err != nil || !due {
			continue
		}
		if _, err := e.Snapshot(ctx, rec.ID, policy.Backup.Kind, "scheduled"); err != nil {
			e.log.Warn().Err(err).Str("cluster_id", rec.ID).Msg("scheduled backup failed")
		}
	}
}

func (e *Engine) isDue(clusterID string, policy store.BackupPolicy) (bool, error) {
	backups, err := e.repos.Backups.ListByCluster(clusterID)
	if err != nil {
		return false, err
	}
	if len(backups) == 0 {
		return true, nil
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	return time.Since(backups[0].CreatedAt) >= time.Duration(policy.IntervalHours)*time.Hour, nil
}

// Snapshot archives a cluster's workspace into the backup root, pausing
// the container's writable layer first if supported (spec.md §4.8
// "Snapshot procedure").
func (e *Engine) Snapshot(ctx context.Context, clusterID, kind, description string) (store.BackupRecord, error) {
	unlock := e.engine.LockCluster(clusterID)
	defer unlock()

	rec, err := e.repos.Clusters.Get(clusterID)
	if err != nil {
		return store.BackupRecord{}, err
	}

	if rec.State == store.StateRunning {
		if tmpl, err := e.engine.Templates().Get(rec.TemplateName); err == nil && len(tmpl.Manifest.PreBackupExec) > 0 {
			if _, err := e.engine.Exec(ctx, clusterID, tmpl.Manifest.PreBackupExec, 30*time.Second); err != nil {
				e.log.Warn().Err(err).Str("cluster_id", clusterID).Msg("pre-backup exec hook failed, continuing anyway")
			}
		}
	}

	if rec.State == store.StateRunning && rec.ContainerID != "" {
		if !e.engine.Driver().SupportsPause() {
			e.alerts.Raise(clusterID, alert.Low, alertKindPauseUnsupported, "runtime cannot pause the container, snapshotting without pause")
		} else if err := e.engine.Driver().Pause(ctx, rec.ContainerID); err != nil {
			e.log.Warn().Err(err).Str("cluster_id", clusterID).Msg("pause failed, snapshotting without pause")
		} else {
			defer func() { _ = e.engine.Driver().Unpause(ctx, rec.ContainerID) }()
		}
	}

	archivePath, byteSize, checksum, err := e.archive(rec, kind)
	if err != nil {
		e.alerts.Raise(clusterID, alert.Low, alertKindBackupFailed, err.Error())
		return store.BackupRecord{}, err
	}

	backupRec := store.BackupRecord{
		ID: uuid.NewString(), ClusterID: clusterID, Kind: kind, ArchivePath: archivePath,
		ByteSize: byteSize, Checksum: checksum, CreatedAt: time.Now(), Description: description, Verified: true,
	}
	if err := e.repos.Backups.Insert(backupRec); err != nil {
		_ = e.fs.Remove(archivePath)
		_ = e.fs.Remove(archivePath + ".json")
		return store.BackupRecord{}, err
	}

	policy, err := e.repos.Policies.Get(clusterID)
	if err == nil {
		e.applyRetention(clusterID, policy.Backup)
	}
	return backupRec, nil
}

func (e *Engine) archive(rec store.ClusterRecord, kind string) (path string, size int64, checksum string, err error) {
	if err := e.fs.MkdirAll(e.root, 0o755); err != nil {
		return "", 0, "", errs.Wrap(errs.RuntimeError, "create backup root", err)
	}
	name := fmt.Sprintf("%s-%d.tar.gz", rec.ID, time.Now().UnixNano())
	path = filepath.Join(e.root, name)

	f, err := e.fs.Create(path)
	if err != nil {
		return "", 0, "", errs.Wrap(errs.RuntimeError, "create archive", err)
	}
	defer f.Close()

	hasher := sha256.New()
	gw := gzip.NewWriter(io.MultiWriter(f, hasher))
	tw := tar.NewWriter(gw)

	walkErr := afero.Walk(e.fs, rec.WorkspacePath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rec.WorkspacePath, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := e.fs.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gw.Close()
		f.Close()
		_ = e.fs.Remove(path)
		return "", 0, "", errs.Wrap(errs.RuntimeError, "archive workspace", walkErr)
	}
	if err := tw.Close(); err != nil {
		return "", 0, "", errs.Wrap(errs.RuntimeError, "close tar writer", err)
	}
	if err := gw.Close(); err != nil {
		return "", 0, "", errs.Wrap(errs.RuntimeError, "close gzip writer", err)
	}

	info, err := e.fs.Stat(path)
	if err != nil {
		return "", 0, "", errs.Wrap(errs.RuntimeError, "stat archive", err)
	}

	m := manifest{ClusterID: rec.ID, TemplateName: rec.TemplateName, Name: rec.Name, Quotas: fromStoreQuotas(rec.Quotas)}
	raw, err := json.Marshal(m)
	if err != nil {
		_ = e.fs.Remove(path)
		return "", 0, "", errs.Wrap(errs.RuntimeError, "marshal manifest", err)
	}
	if err := afero.WriteFile(e.fs, path+".json", raw, 0o644); err != nil {
		_ = e.fs.Remove(path)
		return "", 0, "", errs.Wrap(errs.RuntimeError, "write manifest sidecar", err)
	}

	return path, info.Size(), hex.EncodeToString(hasher.Sum(nil)), nil
}

// applyRetention enforces retentionDays then maxBackups, never deleting
// the most recent successful backup (spec.md §4.8 "Retention").
func (e *Engine) applyRetention(clusterID string, policy store.BackupPolicy) {
	backups, err := e.repos.Backups.ListByCluster(clusterID)
	if err != nil || len(backups) == 0 {
		return
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	newest := backups[0]

	cutoff := time.Now().Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour)
	kept := []store.BackupRecord{newest}
	for _, b := range backups[1:] {
		if b.CreatedAt.Before(cutoff) {
			e.remove(b)
			continue
		}
		kept = append(kept, b)
	}

	for len(kept) > policy.MaxBackups && len(kept) > 1 {
		oldest := kept[len(kept)-1]
		e.remove(oldest)
		kept = kept[:len(kept)-1]
	}
}

func (e *Engine) remove(b store.BackupRecord) {
	_ = e.fs.Remove(b.ArchivePath)
	_ = e.fs.Remove(b.ArchivePath + ".json")
	if err := e.repos.Backups.Delete(b.ID); err != nil {
		e.log.Warn().Err(err).Str("backup_id", b.ID).Msg("delete backup record failed")
	}
}

func fromStoreQuotas(q store.Quotas) cluster.Quotas {
	return cluster.Quotas{CPUCores: q.CPUCores, MemoryMB: q.MemoryMB, DiskGB: q.DiskGB, NetworkMbps: q.NetworkMbps}
}
