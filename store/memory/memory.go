// Package memory implements store's six repositories over plain Go maps
// guarded by sync.RWMutex. It is the backend every other package's tests
// use; cmd/clusterforged always opens the bbolt store instead.
package memory

import (
	"sort"
	"sync"

	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/store"
)

type ClusterRepository struct {
	mu   sync.RWMutex
	byID map[string]store.ClusterRecord
}

func NewClusterRepository() *ClusterRepository {
	return &ClusterRepository{byID: map[string]store.ClusterRecord{}}
}

func (r *ClusterRepository) Insert(c store.ClusterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return errs.New(errs.Conflict, "cluster id already exists")
	}
	r.byID[c.ID] = c
	return nil
}

func (r *ClusterRepository) Update(c store.ClusterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return errs.New(errs.NotFound, "cluster not found")
	}
	r.byID[c.ID] = c
	return nil
}

func (r *ClusterRepository) Get(id string) (store.ClusterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return store.ClusterRecord{}, errs.New(errs.NotFound, "cluster not found")
	}
	return c, nil
}

func (r *ClusterRepository) GetByName(name string) (store.ClusterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if c.Name == name && c.State != store.StateDeleted {
			return c, nil
		}
	}
	return store.ClusterRecord{}, errs.New(errs.NotFound, "cluster not found")
}

func (r *ClusterRepository) List() ([]store.ClusterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.ClusterRecord, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ClusterRepository) ListByOwner(ownerID string) ([]store.ClusterRecord, error) {
	all, _ := r.List()
	out := make([]store.ClusterRecord, 0, len(all))
	for _, c := range all {
		if c.OwnerUserID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ClusterRepository) ListNonTerminal() ([]store.ClusterRecord, error) {
	all, _ := r.List()
	out := make([]store.ClusterRecord, 0, len(all))
	for _, c := range all {
		if c.State != store.StateDeleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ClusterRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

// --- HealthSampleRepository ---

type HealthSampleRepository struct {
	mu      sync.RWMutex
	byCluster map[string][]store.HealthSampleRecord
}

func NewHealthSampleRepository() *HealthSampleRepository {
	return &HealthSampleRepository{byCluster: map[string][]store.HealthSampleRecord{}}
}

func (r *HealthSampleRepository) Append(s store.HealthSampleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCluster[s.ClusterID] = append(r.byCluster[s.ClusterID], s)
	return nil
}

func (r *HealthSampleRepository) ListByCluster(clusterID string, limit int) ([]store.HealthSampleRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.byCluster[clusterID]
	if limit <= 0 || limit >= len(all) {
		out := make([]store.HealthSampleRecord, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]store.HealthSampleRecord, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (r *HealthSampleRepository) LatestByCluster(clusterID string) (store.HealthSampleRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.byCluster[clusterID]
	if len(all) == 0 {
		return store.HealthSampleRecord{}, errs.New(errs.NotFound, "no health samples")
	}
	return all[len(all)-1], nil
}

func (r *HealthSampleRepository) Prune(clusterID string, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byCluster[clusterID]
	if len(all) > keep {
		r.byCluster[clusterID] = append([]store.HealthSampleRecord{}, all[len(all)-keep:]...)
	}
	return nil
}

// --- MetricsSampleRepository ---

type MetricsSampleRepository struct {
	mu        sync.RWMutex
	byCluster map[string][]store.MetricsSampleRecord
}

func NewMetricsSampleRepository() *MetricsSampleRepository {
	return &MetricsSampleRepository{byCluster: map[string][]store.MetricsSampleRecord{}}
}

func (r *MetricsSampleRepository) Append(s store.MetricsSampleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCluster[s.ClusterID] = append(r.byCluster[s.ClusterID], s)
	return nil
}

func (r *MetricsSampleRepository) ListByCluster(clusterID string, limit int) ([]store.MetricsSampleRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.byCluster[clusterID]
	if limit <= 0 || limit >= len(all) {
		out := make([]store.MetricsSampleRecord, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]store.MetricsSampleRecord, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (r *MetricsSampleRepository) LatestByCluster(clusterID string) (store.MetricsSampleRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.byCluster[clusterID]
	if len(all) == 0 {
		return store.MetricsSampleRecord{}, errs.New(errs.NotFound, "no metrics samples")
	}
	return all[len(all)-1], nil
}

func (r *MetricsSampleRepository) Prune(clusterID string, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byCluster[clusterID]
	if len(all) > keep {
		r.byCluster[clusterID] = append([]store.MetricsSampleRecord{}, all[len(all)-keep:]...)
	}
	return nil
}

// --- AlertRepository ---

type AlertRepository struct {
	mu   sync.RWMutex
	byID map[string]store.AlertRecord
}

func NewAlertRepository() *AlertRepository {
	return &AlertRepository{byID: map[string]store.AlertRecord{}}
}

func (r *AlertRepository) Insert(a store.AlertRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	return nil
}

func (r *AlertRepository) Update(a store.AlertRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; !ok {
		return errs.New(errs.NotFound, "alert not found")
	}
	r.byID[a.ID] = a
	return nil
}

func (r *AlertRepository) Get(id string) (store.AlertRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return store.AlertRecord{}, errs.New(errs.NotFound, "alert not found")
	}
	return a, nil
}

func (r *AlertRepository) FindOpen(clusterID, kind string) (store.AlertRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest store.AlertRecord
	found := false
	for _, a := range r.byID {
		if a.ClusterID == clusterID && a.Kind == kind && a.ResolvedAt == nil {
			if !found || a.OpenedAt.After(latest.OpenedAt) {
				latest, found = a, true
			}
		}
	}
	return latest, found, nil
}

func (r *AlertRepository) ListByCluster(clusterID string) ([]store.AlertRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.AlertRecord
	for _, a := range r.byID {
		if a.ClusterID == clusterID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r *AlertRepository) ListOpen() ([]store.AlertRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.AlertRecord
	for _, a := range r.byID {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- BackupRepository ---

type BackupRepository struct {
	mu   sync.RWMutex
	byID map[string]store.BackupRecord
}

func NewBackupRepository() *BackupRepository {
	return &BackupRepository{byID: map[string]store.BackupRecord{}}
}

func (r *BackupRepository) Insert(b store.BackupRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[b.ID] = b
	return nil
}

func (r *BackupRepository) Get(id string) (store.BackupRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	if !ok {
		return store.BackupRecord{}, errs.New(errs.NotFound, "backup not found")
	}
	return b, nil
}

func (r *BackupRepository) ListByCluster(clusterID string) ([]store.BackupRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.BackupRecord
	for _, b := range r.byID {
		if b.ClusterID == clusterID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *BackupRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

// --- PolicyRepository ---

type PolicyRepository struct {
	mu   sync.RWMutex
	byID map[string]store.PolicyRecord
}

func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{byID: map[string]store.PolicyRecord{}}
}

func (r *PolicyRepository) Upsert(p store.PolicyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ClusterID] = p
	return nil
}

func (r *PolicyRepository) Get(clusterID string) (store.PolicyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[clusterID]
	if !ok {
		return store.PolicyRecord{}, errs.New(errs.NotFound, "policy not found")
	}
	return p, nil
}

func (r *PolicyRepository) Delete(clusterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, clusterID)
	return nil
}

// NewRepositories bundles fresh in-memory repositories.
func NewRepositories() store.Repositories {
	return store.Repositories{
		Clusters:       NewClusterRepository(),
		HealthSamples:  NewHealthSampleRepository(),
		MetricsSamples: NewMetricsSampleRepository(),
		Alerts:         NewAlertRepository(),
		Backups:        NewBackupRepository(),
		Policies:       NewPolicyRepository(),
	}
}
