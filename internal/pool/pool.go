// Package pool implements a bounded, health-checked pool of reusable backend
// resources. A counting semaphore sized to the pool capacity is acquired
// before any resource is touched and released exactly when the corresponding
// guard is released, so in_use + idle never exceeds the configured maximum
// under any interleaving.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quayside/undertow/internal/clock"
	"github.com/quayside/undertow/internal/events"
)

// ErrExhausted is returned when no resource became available within the
// checkout timeout. It is a capacity signal, distinct from a breaker denial,
// and safe to retry with backoff.
var ErrExhausted = errors.New("resource pool exhausted")

// ErrClosed is returned by Checkout after Close.
var ErrClosed = errors.New("resource pool is closed")

// CreationError reports a factory failure while standing up a new resource.
type CreationError struct {
	Backend string
	Err     error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create %s resource: %v", e.Backend, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// Factory creates a fresh resource. It should honor ctx cancellation.
type Factory[R any] func(ctx context.Context) (R, error)

// HealthCheck reports whether an idle resource is still usable.
type HealthCheck[R any] func(ctx context.Context, r R) bool

// Destroy disposes a resource that will never be used again.
type Destroy[R any] func(r R)

// Config tunes pool capacity and lifecycle behavior.
type Config struct {
	// MaxSize bounds in_use + idle resources. Defaults to 4.
	MaxSize int64
	// CheckoutTimeout bounds the wait for a free slot. Defaults to 5s.
	CheckoutTimeout time.Duration
	// IdleTimeout evicts idle resources during sweeps. Zero disables.
	IdleTimeout time.Duration
	// MaxLifetime retires resources during sweeps regardless of use. Zero
	// disables.
	MaxLifetime time.Duration
	// SweepInterval is the cadence of the background sweep loop.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

type entry[R any] struct {
	id        string
	res       R
	createdAt time.Time
	lastUsed  time.Time
}

// Pool owns all entries; Checkout transfers exclusive ownership of one entry
// to a Guard, and release transfers it back. Resources are never aliased
// across concurrent callers.
type Pool[R any] struct {
	name    string
	cfg     Config
	factory Factory[R]
	health  HealthCheck[R]
	destroy Destroy[R]
	clk     clock.Clock
	logger  *zap.Logger
	hub     *events.Hub

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []*entry[R]
	inUse  int
	closed bool

	created   uint64
	destroyed uint64
}

// Option customizes a Pool.
type Option[R any] func(*Pool[R])

// WithHealthCheck installs an idle-resource health probe.
func WithHealthCheck[R any](h HealthCheck[R]) Option[R] {
	return func(p *Pool[R]) { p.health = h }
}

// WithDestroy installs a disposal hook for discarded resources.
func WithDestroy[R any](d Destroy[R]) Option[R] {
	return func(p *Pool[R]) { p.destroy = d }
}

// WithLogger attaches a structured logger.
func WithLogger[R any](l *zap.Logger) Option[R] {
	return func(p *Pool[R]) { p.logger = l }
}

// WithEvents attaches the reliability event hub.
func WithEvents[R any](h *events.Hub) Option[R] {
	return func(p *Pool[R]) { p.hub = h }
}

// New constructs an empty pool for the named backend. Resources are created
// lazily on checkout, up to cfg.MaxSize.
func New[R any](name string, cfg Config, factory Factory[R], clk clock.Clock, opts ...Option[R]) *Pool[R] {
	cfg = cfg.withDefaults()
	p := &Pool[R]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		clk:     clk,
		logger:  zap.NewNop(),
		sem:     semaphore.NewWeighted(cfg.MaxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Checkout acquires exclusive ownership of a resource, waiting up to the
// configured checkout timeout for a free slot. An unhealthy idle resource is
// discarded and replaced transparently; the caller only sees an error when
// replacement creation also fails.
func (p *Pool[R]) Checkout(ctx context.Context) (*Guard[R], error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("checkout %s: %w", p.name, ctx.Err())
		}
		poolExhaustedTotal.WithLabelValues(p.name).Inc()
		p.emit(events.KindPoolExhausted, "")
		return nil, ErrExhausted
	}

	// The permit is held from here on. Every path below either hands it to
	// a Guard or releases it before returning.
	for {
		e, closed := p.popIdle()
		if closed {
			p.sem.Release(1)
			return nil, ErrClosed
		}
		if e == nil {
			break
		}
		if p.health == nil || p.health(ctx, e.res) {
			return p.lease(e), nil
		}
		p.logger.Debug("discarding unhealthy idle resource",
			zap.String("backend", p.name),
			zap.String("resource_id", e.id),
		)
		p.dispose(e, "health_check_failed")
	}

	res, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, &CreationError{Backend: p.name, Err: err}
	}
	now := p.clk.Now()
	e := &entry[R]{
		id:        uuid.NewString(),
		res:       res,
		createdAt: now,
		lastUsed:  now,
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	poolCreatedTotal.WithLabelValues(p.name).Inc()
	p.emit(events.KindResourceCreated, e.id)
	return p.lease(e), nil
}

func (p *Pool[R]) popIdle() (*entry[R], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, true
	}
	if len(p.idle) == 0 {
		return nil, false
	}
	e := p.idle[0]
	p.idle = p.idle[1:]
	return e, false
}

func (p *Pool[R]) lease(e *entry[R]) *Guard[R] {
	e.lastUsed = p.clk.Now()
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	poolInUseGauge.WithLabelValues(p.name).Inc()
	return &Guard[R]{pool: p, entry: e}
}

// checkin is called exactly once per guard, via Guard.Release.
func (p *Pool[R]) checkin(e *entry[R], invalidated bool) {
	p.mu.Lock()
	p.inUse--
	closed := p.closed
	p.mu.Unlock()
	poolInUseGauge.WithLabelValues(p.name).Dec()

	if invalidated || closed {
		reason := "invalidated"
		if !invalidated {
			reason = "pool_closed"
		}
		p.dispose(e, reason)
	} else {
		e.lastUsed = p.clk.Now()
		p.mu.Lock()
		p.idle = append(p.idle, e)
		idleLen := len(p.idle)
		p.mu.Unlock()
		poolIdleGauge.WithLabelValues(p.name).Set(float64(idleLen))
	}
	p.sem.Release(1)
}

func (p *Pool[R]) dispose(e *entry[R], reason string) {
	if p.destroy != nil {
		p.destroy(e.res)
	}
	p.mu.Lock()
	p.destroyed++
	idleLen := len(p.idle)
	p.mu.Unlock()
	poolIdleGauge.WithLabelValues(p.name).Set(float64(idleLen))
	poolDestroyedTotal.WithLabelValues(p.name, reason).Inc()
	p.emit(events.KindResourceDestroyed, e.id)
}

// Sweep runs the background eviction loop until ctx finishes. Idle entries
// older than IdleTimeout and entries past MaxLifetime are destroyed; their
// slots are reclaimed lazily by the next checkout.
func (p *Pool[R]) Sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool[R]) sweepOnce() {
	now := p.clk.Now()
	var evicted []*entry[R]

	p.mu.Lock()
	kept := p.idle[:0]
	for _, e := range p.idle {
		expired := p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime
		stale := p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout
		if expired || stale {
			evicted = append(evicted, e)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, e := range evicted {
		p.logger.Debug("sweep evicted resource",
			zap.String("backend", p.name),
			zap.String("resource_id", e.id),
		)
		p.dispose(e, "swept")
	}
}

// Close disposes all idle resources and fails subsequent checkouts with
// ErrClosed. Outstanding guards drain normally; their resources are disposed
// on release.
func (p *Pool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, e := range idle {
		p.dispose(e, "pool_closed")
	}
}

// Name returns the backend label the pool was constructed with.
func (p *Pool[R]) Name() string {
	return p.name
}

// IdleCount reports resources currently parked in the pool.
func (p *Pool[R]) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUseCount reports resources currently owned by guards.
func (p *Pool[R]) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Size reports total live resources.
func (p *Pool[R]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.inUse
}

// Stats is a point-in-time view for monitoring endpoints.
type Stats struct {
	Backend   string `json:"backend"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Capacity  int64  `json:"capacity"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
}

// Stats returns a consistent snapshot of pool counters.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Backend:   p.name,
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Capacity:  p.cfg.MaxSize,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

func (p *Pool[R]) emit(kind events.Kind, resourceID string) {
	p.hub.Emit(events.Event{
		TS:         p.clk.Now(),
		Kind:       kind,
		Backend:    p.name,
		ResourceID: resourceID,
	})
}
