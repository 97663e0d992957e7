package alert

import "sync"

// subscriberQueueDepth bounds each subscriber's backlog (spec.md §4.9
// "bounded per-subscriber queues").
const subscriberQueueDepth = 32

// Sink receives alert events for forwarding to an external notification
// channel (webhook, email). The core makes no delivery guarantee; sinks
// are opaque (spec.md §6 "To external notification sinks").
type Sink interface {
	Notify(Event)
}

type subscription struct {
	id      uint64
	ch      chan Event
	filter  func(clusterID string) bool
}

// Bus fans new/coalesced/resolved alert events out to subscribers without
// ever blocking the publisher (spec.md §4.9, §5 "Back-pressure"). A slow
// subscriber's channel fills and further events for it are dropped rather
// than stalling the raiser; callers needing guaranteed delivery should
// poll Store.ListOpen instead.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	sinks  []Sink
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]*subscription{}}
}

// AddSink registers an external notification sink. Each event is
// delivered to it on its own goroutine, so a slow or blocking sink never
// stalls the publisher.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe registers a new listener, optionally filtered to a subset of
// clusters (authorization is delegated to the caller, per spec.md §6).
// The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(filter func(clusterID string) bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{id: id, ch: make(chan Event, subscriberQueueDepth), filter: filter}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

func (b *Bus) publish(clusterID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(clusterID) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Backlog full: drop rather than block the raiser. The
			// subscriber falls back to ListOpen for the current state.
		}
	}
	for _, sink := range b.sinks {
		go sink.Notify(ev)
	}
}
