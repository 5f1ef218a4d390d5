// Package admission composes a circuit breaker and a resource pool into the
// single entry point through which all protected backend calls flow. The
// breaker models whether the backend as a whole is healthy; the pool models
// whether one specific instance is usable. The two failure domains are
// coordinated here and nowhere else.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quayside/undertow/internal/breaker"
	"github.com/quayside/undertow/internal/clock"
	"github.com/quayside/undertow/internal/events"
	"github.com/quayside/undertow/internal/pool"
)

// ErrCircuitOpen is returned when the breaker denies admission. Callers
// should fail fast or pick a fallback backend, not retry immediately.
var ErrCircuitOpen = errors.New("admission denied: circuit open")

// CorruptResourceError marks an operation failure that also corrupted the
// resource it ran against. The admission layer invalidates the guard so the
// instance is destroyed rather than returned to the pool.
type CorruptResourceError struct {
	Err error
}

func (e *CorruptResourceError) Error() string {
	return fmt.Sprintf("resource corrupted: %v", e.Err)
}

func (e *CorruptResourceError) Unwrap() error {
	return e.Err
}

// Corrupt wraps err so the admission layer discards the resource on release.
func Corrupt(err error) error {
	if err == nil {
		return nil
	}
	return &CorruptResourceError{Err: err}
}

// Controller guards one protected backend. Construct one per backend and
// pass it explicitly to callers; there is deliberately no process-wide
// registry.
type Controller[R any] struct {
	name    string
	breaker *breaker.Breaker
	pool    *pool.Pool[R]
	hub     *events.Hub
	clk     clock.Clock
	logger  *zap.Logger
}

// Option customizes a Controller.
type Option[R any] func(*Controller[R])

// WithLogger attaches a structured logger.
func WithLogger[R any](l *zap.Logger) Option[R] {
	return func(c *Controller[R]) { c.logger = l }
}

// WithEvents attaches the reliability event hub; breaker transitions and
// admission denials are emitted through it.
func WithEvents[R any](h *events.Hub) Option[R] {
	return func(c *Controller[R]) { c.hub = h }
}

// New constructs a Controller for the named backend, building its breaker
// from bcfg and fusing it with the supplied pool.
func New[R any](name string, bcfg breaker.Config, p *pool.Pool[R], clk clock.Clock, opts ...Option[R]) *Controller[R] {
	c := &Controller[R]{
		name:   name,
		pool:   p,
		clk:    clk,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = breaker.New(bcfg, clk, breaker.WithTransitionHook(c.onTransition))
	return c
}

// Execute runs op against a checked-out backend resource, reporting the
// outcome to the breaker. Pool exhaustion is surfaced without touching the
// breaker: running out of capacity says nothing about backend health.
// Factory failures do count against the breaker, since reaching the factory
// means the backend failed to stand up a fresh instance.
func (c *Controller[R]) Execute(ctx context.Context, op func(ctx context.Context, r R) error) error {
	decision := c.breaker.Allow()
	if decision == breaker.DecisionDeny {
		c.emit(events.Event{
			TS:      c.clk.Now(),
			Kind:    events.KindAdmissionDenied,
			Backend: c.name,
		})
		return ErrCircuitOpen
	}

	guard, err := c.pool.Checkout(ctx)
	if err != nil {
		var creation *pool.CreationError
		if errors.As(err, &creation) {
			c.breaker.RecordFailure()
		} else if decision == breaker.DecisionAllowTrial {
			// Exhaustion and caller cancellation say nothing about backend
			// health, but the claimed trial permit must go back or the
			// half-open cycle strands with no permits left.
			c.breaker.CancelTrial()
		}
		return err
	}
	defer guard.Release()

	if err := op(ctx, guard.Resource()); err != nil {
		c.breaker.RecordFailure()
		var corrupt *CorruptResourceError
		if errors.As(err, &corrupt) {
			c.logger.Warn("invalidating corrupted resource",
				zap.String("backend", c.name),
				zap.String("resource_id", guard.ID()),
				zap.Error(err),
			)
			guard.Invalidate()
		}
		return err
	}

	c.breaker.RecordSuccess()
	return nil
}

// Run executes op through ctrl and returns its value. It exists because
// methods cannot introduce new type parameters.
func Run[R, T any](ctx context.Context, ctrl *Controller[R], op func(ctx context.Context, r R) (T, error)) (T, error) {
	var out T
	err := ctrl.Execute(ctx, func(ctx context.Context, r R) error {
		v, err := op(ctx, r)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Name returns the backend label.
func (c *Controller[R]) Name() string {
	return c.name
}

// Snapshot is a point-in-time view of one protected backend for
// observability endpoints.
type Snapshot struct {
	Backend string           `json:"backend"`
	State   string           `json:"state"`
	Breaker breaker.Snapshot `json:"breaker"`
	Pool    pool.Stats       `json:"pool"`
}

// Snap captures breaker and pool counters together.
func (c *Controller[R]) Snap() Snapshot {
	b := c.breaker.Snap()
	return Snapshot{
		Backend: c.name,
		State:   b.State.String(),
		Breaker: b,
		Pool:    c.pool.Stats(),
	}
}

func (c *Controller[R]) onTransition(from, to breaker.State) {
	c.logger.Info("breaker state change",
		zap.String("backend", c.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	c.emit(events.Event{
		TS:      c.clk.Now(),
		Kind:    events.KindBreakerStateChange,
		Backend: c.name,
		From:    from.String(),
		To:      to.String(),
	})
}

func (c *Controller[R]) emit(evt events.Event) {
	c.hub.Emit(evt)
}
