package pool

import (
	"sync"
	"sync/atomic"
)

// Guard represents exclusive ownership of one checked-out resource. Exactly
// one guard wraps a given resource at a time; releasing returns the resource
// to the idle queue unless Invalidate was called, in which case the resource
// is destroyed and its slot reclaimed lazily by a later checkout.
type Guard[R any] struct {
	pool    *Pool[R]
	entry   *entry[R]
	invalid atomic.Bool
	once    sync.Once
}

// Resource returns the owned resource. The reference must not outlive the
// guard.
func (g *Guard[R]) Resource() R {
	return g.entry.res
}

// ID returns the unique identity of the underlying pool entry.
func (g *Guard[R]) ID() string {
	return g.entry.id
}

// Invalidate marks the resource as corrupted so Release destroys it instead
// of returning it to the pool.
func (g *Guard[R]) Invalidate() {
	g.invalid.Store(true)
}

// Release returns ownership to the pool and frees the capacity slot. It is
// idempotent; only the first call has any effect. Callers should defer it
// immediately after checkout so the slot is reclaimed on every exit path.
func (g *Guard[R]) Release() {
	g.once.Do(func() {
		g.pool.checkin(g.entry, g.invalid.Load())
	})
}
