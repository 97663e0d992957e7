// Package workspace creates, owns and tears down per-cluster on-disk
// working directories, rendering per-cluster runtime manifests from
// templates (spec.md §4.4). Filesystem access goes through afero.Fs so
// tests run against an in-memory filesystem.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/valyala/fasttemplate"

	"github.com/clusterforge/clusterforge/errs"
)

// Params are the cluster-specific values substituted into a template's
// manifest file (spec.md §4.4 "substituting cluster-specific parameters").
type Params struct {
	ClusterID   string
	Name        string
	Port        int
	CPUCores    float64
	MemoryMB    int64
	DiskGB      int64
	NetworkMbps float64
	Credential  string
}

// Manager owns the workspaces.root directory tree.
type Manager struct {
	fs   afero.Fs
	root string
}

func NewManager(fs afero.Fs, root string) *Manager {
	return &Manager{fs: fs, root: root}
}

func (m *Manager) pathFor(clusterID string) string {
	return filepath.Join(m.root, clusterID)
}

// Path returns the (not necessarily existing) workspace path for clusterID.
func (m *Manager) Path(clusterID string) string {
	return m.pathFor(clusterID)
}

// Create renders manifestTemplate with params into a new workspace
// directory, atomically: it is built in a temp directory first, then
// renamed into place. Any failure after the temp directory exists removes
// it before returning (spec.md §4.4 "Guarantees").
func (m *Manager) Create(clusterID string, manifestTemplate string, manifestFileName string, params Params) (string, error) {
	final := m.pathFor(clusterID)
	if exists, _ := afero.DirExists(m.fs, final); exists {
		return "", errs.New(errs.Conflict, "workspace already exists: "+final)
	}

	tmp := final + ".tmp"
	if err := m.fs.MkdirAll(tmp, 0o755); err != nil {
		return "", errs.Wrap(errs.RuntimeError, "create temp workspace", err)
	}

	rendered, err := render(manifestTemplate, params)
	if err != nil {
		_ = m.fs.RemoveAll(tmp)
		return "", errs.Wrap(errs.RuntimeError, "render manifest", err)
	}

	if err := afero.WriteFile(m.fs, filepath.Join(tmp, manifestFileName), []byte(rendered), 0o644); err != nil {
		_ = m.fs.RemoveAll(tmp)
		return "", errs.Wrap(errs.RuntimeError, "write manifest", err)
	}

	if err := m.fs.Rename(tmp, final); err != nil {
		_ = m.fs.RemoveAll(tmp)
		return "", errs.Wrap(errs.RuntimeError, "finalize workspace", err)
	}

	return final, nil
}

// Destroy removes a workspace recursively and unconditionally — workspace
// does not itself track cluster state. cluster.Engine calls it from Delete
// once the cluster record is in DELETING, and from Create's rollback
// before any record has been persisted.
func (m *Manager) Destroy(clusterID string) error {
	path := m.pathFor(clusterID)
	if err := m.fs.RemoveAll(path); err != nil {
		return errs.Wrap(errs.RuntimeError, "destroy workspace", err)
	}
	return nil
}

// DiskUsage sums the apparent size of every regular file under a cluster's
// workspace directory, du-style. Used by the metrics sampler to derive
// disk % of quota (spec.md §4.7) since the runtime driver has no stats
// verb for a container's writable-layer size.
func (m *Manager) DiskUsage(clusterID string) (int64, error) {
	var total int64
	err := afero.Walk(m.fs, m.pathFor(clusterID), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.RuntimeError, "walk workspace for disk usage", err)
	}
	return total, nil
}

// GCOrphans removes any workspace directory under root whose clusterID is
// not in liveIDs — used at startup to converge after a crash mid-delete
// (spec.md §4.5 "Delete ordering (required)").
func (m *Manager) GCOrphans(liveIDs map[string]bool) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		if afero.IsDir(m.fs, m.root) {
			return nil, errs.Wrap(errs.RuntimeError, "list workspaces root", err)
		}
		return nil, nil
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if liveIDs[e.Name()] {
			continue
		}
		if err := m.fs.RemoveAll(filepath.Join(m.root, e.Name())); err == nil {
			removed = append(removed, e.Name())
		}
	}
	return removed, nil
}

func render(tmpl string, params Params) (string, error) {
	t, err := fasttemplate.NewTemplate(tmpl, "{{", "}}")
	if err != nil {
		return "", err
	}
	out := t.ExecuteString(map[string]interface{}{
		"cluster_id":   params.ClusterID,
		"name":         params.Name,
		"port":         fmt.Sprintf("%d", params.Port),
		"cpu":          fmt.Sprintf("%.2f", params.CPUCores),
		"memory_mb":    fmt.Sprintf("%d", params.MemoryMB),
		"disk_gb":      fmt.Sprintf("%d", params.DiskGB),
		"network_mbps": fmt.Sprintf("%.2f", params.NetworkMbps),
		"credential":   params.Credential,
	})
	return out, nil
}
