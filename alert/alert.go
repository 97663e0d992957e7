// Package alert implements C9: an append-only alert log with idempotent
// coalescing and a subscription fan-out bus used by the health (C6) and
// metrics (C7) engines. Grounded on the teacher's manager.Manager event
// history (a slice of task events consumed by callers), generalized to a
// persisted log plus bounded per-subscriber channels instead of an
// unbounded in-memory slice.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clusterforge/clusterforge/errs"
	"github.com/clusterforge/clusterforge/store"
)

// Severity levels, ordered low to high.
type Severity string

const (
	Low      Severity = "LOW"
	Medium   Severity = "MEDIUM"
	High     Severity = "HIGH"
	Critical Severity = "CRITICAL"
)

// Alert is the domain-facing mirror of store.AlertRecord.
type Alert struct {
	ID             string
	ClusterID      string
	Severity       Severity
	Kind           string
	Message        string
	OpenedAt       time.Time
	LastSeenAt     time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
}

func fromRecord(r store.AlertRecord) Alert {
	return Alert{
		ID: r.ID, ClusterID: r.ClusterID, Severity: Severity(r.Severity), Kind: r.Kind,
		Message: r.Message, OpenedAt: r.OpenedAt, LastSeenAt: r.LastSeenAt,
		ResolvedAt: r.ResolvedAt, ResolutionNote: r.ResolutionNote,
	}
}

// Event is published to subscribers on raise, coalesce and resolve.
type EventKind string

const (
	EventRaised    EventKind = "RAISED"
	EventCoalesced EventKind = "COALESCED"
	EventResolved  EventKind = "RESOLVED"
)

type Event struct {
	Kind  EventKind
	Alert Alert
}

// Store is C9: append-only with idempotent (clusterId, kind) coalescing
// within a configurable window (spec.md §4.9).
type Store struct {
	repo   store.AlertRepository
	bus    *Bus
	window time.Duration
	log    zerolog.Logger

	mu sync.Mutex
}

// NewStore builds a Store. window is the coalescing window for repeated
// identical (clusterID, kind) alerts; outside it a new alert is opened
// even if the prior one was never resolved.
func NewStore(repo store.AlertRepository, bus *Bus, window time.Duration, log zerolog.Logger) *Store {
	return &Store{repo: repo, bus: bus, window: window, log: log}
}

// Raise opens a new alert, or coalesces into the existing open one for
// (clusterID, kind) if it was last seen within the coalescing window.
func (s *Store) Raise(clusterID string, sev Severity, kind, message string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, found, err := s.repo.FindOpen(clusterID, kind)
	if err != nil {
		return Alert{}, err
	}
	if found && now.Sub(existing.LastSeenAt) <= s.window {
		existing.LastSeenAt = now
		existing.Message = message
		if severityRank(Severity(existing.Severity)) < severityRank(sev) {
			existing.Severity = string(sev)
		}
		if err := s.repo.Update(existing); err != nil {
			return Alert{}, err
		}
		a := fromRecord(existing)
		s.bus.publish(clusterID, Event{Kind: EventCoalesced, Alert: a})
		return a, nil
	}

	rec := store.AlertRecord{
		ID: uuid.NewString(), ClusterID: clusterID, Severity: string(sev), Kind: kind,
		Message: message, OpenedAt: now, LastSeenAt: now,
	}
	if err := s.repo.Insert(rec); err != nil {
		return Alert{}, err
	}
	a := fromRecord(rec)
	s.log.Info().Str("cluster_id", clusterID).Str("severity", string(sev)).Str("kind", kind).Msg("alert raised")
	s.bus.publish(clusterID, Event{Kind: EventRaised, Alert: a})
	return a, nil
}

// ResolveOpen resolves the open alert for (clusterID, kind), if any. It is
// a no-op if no open alert matches (spec.md §12, auto-resolution on any
// clean HEALTHY sample supplement).
func (s *Store) ResolveOpen(clusterID, kind, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.repo.FindOpen(clusterID, kind)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return s.resolveLocked(rec, note)
}

// Resolve sets resolved-at on an alert by id.
func (s *Store) Resolve(alertID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.Get(alertID)
	if err != nil {
		return err
	}
	if rec.ResolvedAt != nil {
		return errs.New(errs.IllegalState, "alert already resolved")
	}
	return s.resolveLocked(rec, note)
}

func (s *Store) resolveLocked(rec store.AlertRecord, note string) error {
	now := time.Now()
	rec.ResolvedAt = &now
	rec.ResolutionNote = note
	if err := s.repo.Update(rec); err != nil {
		return err
	}
	a := fromRecord(rec)
	s.bus.publish(rec.ClusterID, Event{Kind: EventResolved, Alert: a})
	return nil
}

// ListOpen returns every unresolved alert.
func (s *Store) ListOpen() ([]Alert, error) {
	recs, err := s.repo.ListOpen()
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// ListByCluster returns every alert (open and resolved) for one cluster.
func (s *Store) ListByCluster(clusterID string) ([]Alert, error) {
	recs, err := s.repo.ListByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func severityRank(s Severity) int {
	switch s {
	case Low:
		return 0
	case Medium:
		return 1
	case High:
		return 2
	case Critical:
		return 3
	default:
		return -1
	}
}
