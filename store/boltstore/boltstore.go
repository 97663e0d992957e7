// Package boltstore implements store's six repositories on top of
// go.etcd.io/bbolt, an embedded single-writer key/value store — a better
// fit for a single-host control plane than a client/server database
// (see DESIGN.md). One bucket per entity; records are encoded with
// goccy/go-json.
package boltstore

import (
	"sort"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/store"
)

var (
	bucketClusters       = []byte("clusters")
	bucketHealthSamples  = []byte("health_samples")
	bucketMetricsSamples = []byte("metrics_samples")
	bucketAlerts         = []byte("alerts")
	bucketBackups        = []byte("backups")
	bucketPolicies       = []byte("policies")
)

// Open opens (creating if necessary) a bbolt database at path and returns
// a fully wired store.Repositories.
func Open(path string) (*bolt.DB, store.Repositories, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, store.Repositories{}, errs.Wrap(errs.RuntimeError, "open bbolt db", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketClusters, bucketHealthSamples, bucketMetricsSamples, bucketAlerts, bucketBackups, bucketPolicies} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, store.Repositories{}, errs.Wrap(errs.RuntimeError, "init buckets", err)
	}

	repos := store.Repositories{
		Clusters:       &clusterRepo{db: db},
		HealthSamples:  &healthRepo{db: db},
		MetricsSamples: &metricsRepo{db: db},
		Alerts:         &alertRepo{db: db},
		Backups:        &backupRepo{db: db},
		Policies:       &policyRepo{db: db},
	}
	return db, repos, nil
}

type clusterRepo struct{ db *bolt.DB }

func (r *clusterRepo) Insert(c store.ClusterRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		if b.Get([]byte(c.ID)) != nil {
			return errs.New(errs.Conflict, "cluster id already exists")
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), raw)
	})
}

func (r *clusterRepo) Update(c store.ClusterRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		if b.Get([]byte(c.ID)) == nil {
			return errs.New(errs.NotFound, "cluster not found")
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), raw)
	})
}

func (r *clusterRepo) Get(id string) (store.ClusterRecord, error) {
	var out store.ClusterRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketClusters).Get([]byte(id))
		if raw == nil {
			return errs.New(errs.NotFound, "cluster not found")
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (r *clusterRepo) GetByName(name string) (store.ClusterRecord, error) {
	all, err := r.List()
	if err != nil {
		return store.ClusterRecord{}, err
	}
	for _, c := range all {
		if c.Name == name && c.State != store.StateDeleted {
			return c, nil
		}
	}
	return store.ClusterRecord{}, errs.New(errs.NotFound, "cluster not found")
}

func (r *clusterRepo) List() ([]store.ClusterRecord, error) {
	var out []store.ClusterRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(_, v []byte) error {
			var c store.ClusterRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *clusterRepo) ListByOwner(ownerID string) ([]store.ClusterRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []store.ClusterRecord
	for _, c := range all {
		if c.OwnerUserID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *clusterRepo) ListNonTerminal() ([]store.ClusterRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []store.ClusterRecord
	for _, c := range all {
		if c.State != store.StateDeleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *clusterRepo) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Delete([]byte(id))
	})
}

// health samples, metrics samples, alerts, backups, and policies follow the
// same encode/decode-into-a-bucket shape; each uses a composite key so
// ListByCluster can range-scan cheaply.

type healthRepo struct{ db *bolt.DB }

func healthKey(clusterID string, ts int64) []byte {
	return []byte(clusterID + "\x00" + itoa(ts))
}

func (r *healthRepo) Append(s store.HealthSampleRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHealthSamples).Put(healthKey(s.ClusterID, s.Timestamp.UnixNano()), raw)
	})
}

func (r *healthRepo) ListByCluster(clusterID string, limit int) ([]store.HealthSampleRecord, error) {
	var out []store.HealthSampleRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHealthSamples).Cursor()
		prefix := []byte(clusterID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var s store.HealthSampleRecord
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

func (r *healthRepo) LatestByCluster(clusterID string) (store.HealthSampleRecord, error) {
	all, err := r.ListByCluster(clusterID, 0)
	if err != nil {
		return store.HealthSampleRecord{}, err
	}
	if len(all) == 0 {
		return store.HealthSampleRecord{}, errs.New(errs.NotFound, "no health samples")
	}
	return all[len(all)-1], nil
}

func (r *healthRepo) Prune(clusterID string, keep int) error {
	all, err := r.ListByCluster(clusterID, 0)
	if err != nil || len(all) <= keep {
		return err
	}
	toRemove := all[:len(all)-keep]
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthSamples)
		for _, s := range toRemove {
			if err := b.Delete(healthKey(s.ClusterID, s.Timestamp.UnixNano())); err != nil {
				return err
			}
		}
		return nil
	})
}

type metricsRepo struct{ db *bolt.DB }

func (r *metricsRepo) Append(s store.MetricsSampleRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetricsSamples).Put(healthKey(s.ClusterID, s.Timestamp.UnixNano()), raw)
	})
}

func (r *metricsRepo) ListByCluster(clusterID string, limit int) ([]store.MetricsSampleRecord, error) {
	var out []store.MetricsSampleRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetricsSamples).Cursor()
		prefix := []byte(clusterID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var s store.MetricsSampleRecord
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

func (r *metricsRepo) LatestByCluster(clusterID string) (store.MetricsSampleRecord, error) {
	all, err := r.ListByCluster(clusterID, 0)
	if err != nil {
		return store.MetricsSampleRecord{}, err
	}
	if len(all) == 0 {
		return store.MetricsSampleRecord{}, errs.New(errs.NotFound, "no metrics samples")
	}
	return all[len(all)-1], nil
}

func (r *metricsRepo) Prune(clusterID string, keep int) error {
	all, err := r.ListByCluster(clusterID, 0)
	if err != nil || len(all) <= keep {
		return err
	}
	toRemove := all[:len(all)-keep]
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetricsSamples)
		for _, s := range toRemove {
			if err := b.Delete(healthKey(s.ClusterID, s.Timestamp.UnixNano())); err != nil {
				return err
			}
		}
		return nil
	})
}

type alertRepo struct{ db *bolt.DB }

func (r *alertRepo) Insert(a store.AlertRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAlerts).Put([]byte(a.ID), raw)
	})
}

func (r *alertRepo) Update(a store.AlertRecord) error { return r.Insert(a) }

func (r *alertRepo) Get(id string) (store.AlertRecord, error) {
	var out store.AlertRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAlerts).Get([]byte(id))
		if raw == nil {
			return errs.New(errs.NotFound, "alert not found")
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (r *alertRepo) all() ([]store.AlertRecord, error) {
	var out []store.AlertRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a store.AlertRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (r *alertRepo) FindOpen(clusterID, kind string) (store.AlertRecord, bool, error) {
	all, err := r.all()
	if err != nil {
		return store.AlertRecord{}, false, err
	}
	var latest store.AlertRecord
	found := false
	for _, a := range all {
		if a.ClusterID == clusterID && a.Kind == kind && a.ResolvedAt == nil {
			if !found || a.OpenedAt.After(latest.OpenedAt) {
				latest, found = a, true
			}
		}
	}
	return latest, found, nil
}

func (r *alertRepo) ListByCluster(clusterID string) ([]store.AlertRecord, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	var out []store.AlertRecord
	for _, a := range all {
		if a.ClusterID == clusterID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *alertRepo) ListOpen() ([]store.AlertRecord, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	var out []store.AlertRecord
	for _, a := range all {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

type backupRepo struct{ db *bolt.DB }

func (r *backupRepo) Insert(b store.BackupRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBackups).Put([]byte(b.ID), raw)
	})
}

func (r *backupRepo) Get(id string) (store.BackupRecord, error) {
	var out store.BackupRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBackups).Get([]byte(id))
		if raw == nil {
			return errs.New(errs.NotFound, "backup not found")
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (r *backupRepo) ListByCluster(clusterID string) ([]store.BackupRecord, error) {
	var out []store.BackupRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(_, v []byte) error {
			var b store.BackupRecord
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.ClusterID == clusterID {
				out = append(out, b)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *backupRepo) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Delete([]byte(id))
	})
}

type policyRepo struct{ db *bolt.DB }

func (r *policyRepo) Upsert(p store.PolicyRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPolicies).Put([]byte(p.ClusterID), raw)
	})
}

func (r *policyRepo) Get(clusterID string) (store.PolicyRecord, error) {
	var out store.PolicyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPolicies).Get([]byte(clusterID))
		if raw == nil {
			return errs.New(errs.NotFound, "policy not found")
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (r *policyRepo) Delete(clusterID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Delete([]byte(clusterID))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func itoa(n int64) string {
	// Fixed-width decimal so lexicographic bucket-key order matches
	// chronological order even across zero-padding boundaries.
	const width = 20 // covers int64 range
	s := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}
