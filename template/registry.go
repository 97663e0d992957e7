// Package template enumerates named templates on disk and resolves a
// template name to its manifest file and default resource hints. It does
// not read template contents beyond metadata extraction (spec.md §4.2) —
// workspace consumes the manifest file itself.
package template

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/clusterforge/clusterforge/errs"
)

// Quotas mirrors cluster.Quotas without importing package cluster, avoiding
// a dependency cycle (cluster imports template, not the reverse).
type Quotas struct {
	CPUCores    float64 `yaml:"cpu_cores"`
	MemoryMB    int64   `yaml:"memory_mb"`
	DiskGB      int64   `yaml:"disk_gb"`
	NetworkMbps float64 `yaml:"network_mbps"`
}

// Manifest is the parsed cluster.yaml: a compose-style single-service
// declaration plus ClusterForge-specific defaults.
type Manifest struct {
	Image          string            `yaml:"image"`
	Command        []string          `yaml:"command"`
	Env            map[string]string `yaml:"env"`
	ContainerPort  int               `yaml:"container_port"`
	HealthPath     string            `yaml:"health_path"`
	PreBackupExec  []string          `yaml:"pre_backup_exec"`
	DefaultQuotas  Quotas            `yaml:"default_quotas"`
}

// Template is the read-only descriptor discovered from disk.
type Template struct {
	Name          string
	ManifestPath  string
	DefaultQuotas Quotas
	Manifest      Manifest

	// Raw holds the manifest file's original bytes, unparsed. Workspace
	// re-renders these through fasttemplate with per-cluster parameters
	// when it materializes a new cluster's working directory, so the
	// parsed Manifest and the raw template text are kept side by side.
	Raw []byte
}

// Registry scans templates.root at startup; one subdirectory per template.
type Registry struct {
	fs   afero.Fs
	root string

	mu        sync.RWMutex
	templates map[string]Template
}

const manifestFileName = "cluster.yaml"

func NewRegistry(fs afero.Fs, root string) *Registry {
	return &Registry{fs: fs, root: root, templates: map[string]Template{}}
}

// Refresh rescans root, replacing the in-memory template set atomically.
func (r *Registry) Refresh() error {
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return errs.Wrap(errs.RuntimeError, "scan templates root", err)
	}

	next := map[string]Template{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		manifestPath := filepath.Join(r.root, name, manifestFileName)
		raw, err := afero.ReadFile(r.fs, manifestPath)
		if err != nil {
			// A template directory without a manifest is not a template;
			// skip rather than fail the whole scan.
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			continue
		}
		next[name] = Template{
			Name:          name,
			ManifestPath:  manifestPath,
			DefaultQuotas: m.DefaultQuotas,
			Manifest:      m,
			Raw:           raw,
		}
	}

	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	return nil
}

// List returns all known templates, sorted by name.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get resolves a template name, or errs.NotFound.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, errs.New(errs.NotFound, "template not found: "+name)
	}
	return t, nil
}
