package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/clusterforge/clusterforge/cluster"
	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/store"
)

// Restore verifies the archive's checksum, replaces the target cluster's
// workspace with its contents, and restarts it. A missing target is
// treated as a create, using the template recorded in the archive's
// manifest sidecar (spec.md §4.8 "Restore procedure").
func (e *Engine) Restore(ctx context.Context, backupID string, targetClusterID string, owner cluster.Principal) (cluster.Cluster, error) {
	b, err := e.repos.Backups.Get(backupID)
	if err != nil {
		return cluster.Cluster{}, err
	}

	if err := e.verifyChecksum(b); err != nil {
		return cluster.Cluster{}, errs.Wrap(errs.IntegrityError, "checksum verification failed, aborting restore", err)
	}

	m, err := e.readManifest(b)
	if err != nil {
		return cluster.Cluster{}, err
	}

	if targetClusterID == "" {
		return e.restoreAsNewCluster(ctx, b, m, owner)
	}
	return e.restoreInPlace(ctx, b, targetClusterID, owner)
}

func (e *Engine) verifyChecksum(b store.BackupRecord) error {
	f, err := e.fs.Open(b.ArchivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}
	if hex.EncodeToString(hasher.Sum(nil)) != b.Checksum {
		return errs.New(errs.IntegrityError, "archive checksum mismatch")
	}
	return nil
}

func (e *Engine) readManifest(b store.BackupRecord) (manifest, error) {
	raw, err := afero.ReadFile(e.fs, b.ArchivePath+".json")
	if err != nil {
		return manifest{}, errs.Wrap(errs.RuntimeError, "read manifest sidecar", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest{}, errs.Wrap(errs.IntegrityError, "parse manifest sidecar", err)
	}
	return m, nil
}

func (e *Engine) restoreInPlace(ctx context.Context, b store.BackupRecord, targetClusterID string, owner cluster.Principal) (cluster.Cluster, error) {
	rec, err := e.repos.Clusters.Get(targetClusterID)
	if err != nil {
		return cluster.Cluster{}, err
	}
	// engine.Stop and engine.Start take the cluster lock themselves, so it
	// is held here only while the workspace is replaced.
	if rec.State == store.StateRunning {
		if _, err := e.engine.Stop(ctx, owner, targetClusterID, 5); err != nil {
			return cluster.Cluster{}, err
		}
	}

	unlock := e.engine.LockCluster(targetClusterID)
	err = e.replaceWorkspace(rec.WorkspacePath, b.ArchivePath)
	unlock()
	if err != nil {
		return cluster.Cluster{}, err
	}

	return e.engine.Start(ctx, owner, targetClusterID)
}

func (e *Engine) restoreAsNewCluster(ctx context.Context, b store.BackupRecord, m manifest, owner cluster.Principal) (cluster.Cluster, error) {
	created, err := e.engine.Create(ctx, cluster.CreateRequest{
		TemplateName: m.TemplateName,
		BaseName:     m.Name,
		Quotas:       &m.Quotas,
		Owner:        owner,
	})
	if err != nil {
		return cluster.Cluster{}, err
	}

	if _, err := e.engine.Stop(ctx, owner, created.ID, 5); err != nil {
		return cluster.Cluster{}, err
	}
	unlock := e.engine.LockCluster(created.ID)
	err = e.replaceWorkspace(created.WorkspacePath, b.ArchivePath)
	unlock()
	if err != nil {
		return cluster.Cluster{}, err
	}

	return e.engine.Start(ctx, owner, created.ID)
}

// replaceWorkspace clears dst and re-extracts the archive into it.
func (e *Engine) replaceWorkspace(dst, archivePath string) error {
	entries, err := afero.ReadDir(e.fs, dst)
	if err == nil {
		for _, entry := range entries {
			if err := e.fs.RemoveAll(filepath.Join(dst, entry.Name())); err != nil {
				return errs.Wrap(errs.RuntimeError, "clear workspace before restore", err)
			}
		}
	}

	f, err := e.fs.Open(archivePath)
	if err != nil {
		return errs.Wrap(errs.RuntimeError, "open archive", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return errs.Wrap(errs.RuntimeError, "open gzip stream", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.RuntimeError, "read tar entry", err)
		}
		target := filepath.Join(dst, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := e.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := e.fs.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}
