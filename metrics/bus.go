package metrics

import "sync"

// Subscription is a coalescing metrics listener: concurrent pushes for
// distinct clusters accumulate into one pending map (latest sample per
// cluster wins) until the subscriber calls Next, so a slow subscriber
// never blocks the sampler and never sees more than one backlog entry
// per cluster (spec.md §4.7 "Back-pressure").
type Subscription struct {
	filter func(clusterID string) bool

	mu      sync.Mutex
	pending map[string]Sample
	signal  chan struct{}
	closed  bool
}

// Next blocks until at least one sample is pending (or the subscription
// is closed), then returns the accumulated per-cluster batch.
func (s *Subscription) Next() (map[string]Sample, bool) {
	<-s.signal
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, !s.closed
	}
	batch := s.pending
	s.pending = map[string]Sample{}
	return batch, true
}

func (s *Subscription) push(clusterID string, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[clusterID] = sample
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}

// Bus fans out change-driven metric pushes without ever blocking the
// sampler.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]*Subscription{}}
}

// Subscribe registers a listener and seeds it with resync, the caller's
// current full snapshot (spec.md §12 "explicit per-subscriber resync on
// Subscribe", since the bus itself is push-only and keeps no
// authoritative full-state map of its own).
func (b *Bus) Subscribe(filter func(clusterID string) bool, resync map[string]Sample) (*Subscription, func()) {
	sub := &Subscription{filter: filter, pending: map[string]Sample{}, signal: make(chan struct{}, 1)}
	for cid, s := range resync {
		if filter == nil || filter(cid) {
			sub.pending[cid] = s
		}
	}
	if len(sub.pending) > 0 {
		sub.signal <- struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			sub.close()
		}
	}
	return sub, unsubscribe
}

func (b *Bus) publish(clusterID string, sample Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(clusterID) {
			continue
		}
		sub.push(clusterID, sample)
	}
}
