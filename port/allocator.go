// Package port hands out unique host ports from a configured half-open
// range, and reclaims them on cluster deletion. Thread-safe: concurrent
// acquires never collide (spec.md §4.3).
package port

import (
	"sync"

	"github.com/clusterforge/clusterforge/errs"
)

// Allocator manages a [lo, hi) pool of host ports.
type Allocator struct {
	mu     sync.Mutex
	lo, hi int
	inUse  map[int]bool
}

// NewAllocator builds an allocator over [lo, hi), seeding it with ports
// already held by non-DELETED clusters (spec.md §4.3 "seeded from the set
// of ports currently held by non-DELETED clusters").
func NewAllocator(lo, hi int, seed []int) *Allocator {
	a := &Allocator{lo: lo, hi: hi, inUse: make(map[int]bool, hi-lo)}
	for _, p := range seed {
		a.inUse[p] = true
	}
	return a
}

// Acquire returns the lowest free port in range, or ResourceExhausted.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.lo; p < a.hi; p++ {
		if !a.inUse[p] {
			a.inUse[p] = true
			return p, nil
		}
	}
	return 0, errs.New(errs.ResourceExhausted, "no ports available in range")
}

// Release returns port to the pool. Releasing a port not currently held is a no-op.
func (a *Allocator) Release(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, p)
}

// Reserve marks an externally-chosen port as in-use, used on
// restart-recovery from persisted state (spec.md §4.3).
func (a *Allocator) Reserve(p int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p < a.lo || p >= a.hi {
		return errs.New(errs.Conflict, "port outside configured range")
	}
	if a.inUse[p] {
		return errs.New(errs.Conflict, "port already reserved")
	}
	a.inUse[p] = true
	return nil
}

// InUseCount reports how many ports are currently allocated (test/metrics helper).
func (a *Allocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
