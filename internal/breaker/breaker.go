// Package breaker implements a lock-free three-state circuit breaker gating
// admission to a protected backend. State and the counters that belong to it
// are packed into a single atomic word so every transition is one CAS; Allow
// never blocks and never takes a lock.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/quayside/undertow/internal/clock"
)

// State identifies the breaker's position in the Closed/Open/HalfOpen cycle.
type State int32

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a stable lowercase label for logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Allow.
type Decision int

// Admission decisions.
const (
	DecisionDeny Decision = iota
	DecisionAllow
	DecisionAllowTrial
)

// HalfOpenPolicy controls how a half-open failure is treated.
type HalfOpenPolicy int

const (
	// ReopenOnFailure reverts to Open on the first half-open failure. This
	// is the default: successes accumulate, one failure re-trips.
	ReopenOnFailure HalfOpenPolicy = iota
	// ResetOnFailure stays half-open but clears accumulated successes and
	// returns the trial slot, so closing requires an uninterrupted run.
	ResetOnFailure
)

// Config tunes breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures while Closed
	// that trips the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold uint32
	// OpenDuration is the cooldown before trial calls are admitted.
	OpenDuration time.Duration
	// HalfOpenMaxConcurrent caps in-flight trial calls while half-open.
	HalfOpenMaxConcurrent uint32
	// Policy selects the half-open failure behavior.
	Policy HalfOpenPolicy
}

const counterMax = 1<<16 - 1

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 60 * time.Second
	}
	if c.HalfOpenMaxConcurrent == 0 {
		c.HalfOpenMaxConcurrent = 3
	}
	if c.FailureThreshold > counterMax {
		c.FailureThreshold = counterMax
	}
	if c.SuccessThreshold > counterMax {
		c.SuccessThreshold = counterMax
	}
	if c.HalfOpenMaxConcurrent > counterMax {
		c.HalfOpenMaxConcurrent = counterMax
	}
	return c
}

// TransitionFunc observes state changes; it must be fast and non-blocking.
type TransitionFunc func(from, to State)

// Option customizes a Breaker.
type Option func(*Breaker)

// WithTransitionHook registers fn to run after each state transition. The
// hook runs on the goroutine that won the transition CAS.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// Breaker is a lock-free circuit breaker. The zero value is not usable;
// construct with New. All methods are safe for concurrent use.
//
// The packed word layout is:
//
//	bits  0..7   state tag
//	bits  8..23  failure count   (meaningful while Closed)
//	bits 24..39  trial permits   (meaningful while HalfOpen)
//	bits 40..55  trial successes (meaningful while HalfOpen)
//
// Counters belonging to other states are reset by the transition CAS itself,
// so a reader can never observe a fresh state with stale counters.
type Breaker struct {
	cfg          Config
	clk          clock.Clock
	word         atomic.Uint64
	openedAt     atomic.Int64
	onTransition TransitionFunc
}

// New constructs a Breaker in the Closed state.
func New(cfg Config, clk clock.Clock, opts ...Option) *Breaker {
	b := &Breaker{
		cfg: cfg.withDefaults(),
		clk: clk,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.word.Store(pack(StateClosed, 0, 0, 0))
	return b
}

func pack(s State, failures, trials, successes uint32) uint64 {
	return uint64(uint8(s)) |
		uint64(failures&counterMax)<<8 |
		uint64(trials&counterMax)<<24 |
		uint64(successes&counterMax)<<40
}

func unpack(w uint64) (s State, failures, trials, successes uint32) {
	return State(w & 0xff),
		uint32(w >> 8 & counterMax),
		uint32(w >> 24 & counterMax),
		uint32(w >> 40 & counterMax)
}

// Allow decides whether a caller may proceed. It returns DecisionAllow while
// Closed, DecisionAllowTrial when the caller claimed a half-open trial slot,
// and DecisionDeny otherwise. Pure atomic reads and CAS; never suspends.
func (b *Breaker) Allow() Decision {
	for {
		w := b.word.Load()
		state, _, trials, _ := unpack(w)
		switch state {
		case StateClosed:
			return DecisionAllow
		case StateOpen:
			opened := time.Unix(0, b.openedAt.Load())
			if b.clk.Now().Sub(opened) < b.cfg.OpenDuration {
				return DecisionDeny
			}
			// Cooldown elapsed: race to half-open. The winner claims the
			// first trial slot; losers re-read the post-transition state.
			next := pack(StateHalfOpen, 0, b.cfg.HalfOpenMaxConcurrent-1, 0)
			if b.word.CompareAndSwap(w, next) {
				b.notify(StateOpen, StateHalfOpen)
				return DecisionAllowTrial
			}
		case StateHalfOpen:
			if trials == 0 {
				return DecisionDeny
			}
			if b.word.CompareAndSwap(w, w-(1<<24)) {
				return DecisionAllowTrial
			}
		default:
			return DecisionDeny
		}
	}
}

// RecordSuccess reports a successful protected call.
func (b *Breaker) RecordSuccess() {
	for {
		w := b.word.Load()
		state, failures, trials, successes := unpack(w)
		switch state {
		case StateClosed:
			if failures == 0 {
				return
			}
			if b.word.CompareAndSwap(w, pack(StateClosed, 0, 0, 0)) {
				return
			}
		case StateOpen:
			// Stale result from before the trip; nothing to update.
			return
		case StateHalfOpen:
			if successes+1 >= b.cfg.SuccessThreshold {
				if b.word.CompareAndSwap(w, pack(StateClosed, 0, 0, 0)) {
					b.notify(StateHalfOpen, StateClosed)
					return
				}
				continue
			}
			if b.word.CompareAndSwap(w, pack(StateHalfOpen, 0, returnTrial(trials, b.cfg), successes+1)) {
				return
			}
		default:
			return
		}
	}
}

// RecordFailure reports a failed protected call. While Closed it counts
// toward the trip threshold; while HalfOpen it applies the configured
// half-open policy. Concurrent failures race the transition CAS but exactly
// one wins, so the breaker re-trips at most once per half-open cycle.
func (b *Breaker) RecordFailure() {
	for {
		w := b.word.Load()
		state, failures, trials, _ := unpack(w)
		switch state {
		case StateClosed:
			if failures+1 >= b.cfg.FailureThreshold {
				b.openedAt.Store(b.clk.Now().UnixNano())
				if b.word.CompareAndSwap(w, pack(StateOpen, 0, 0, 0)) {
					b.notify(StateClosed, StateOpen)
					return
				}
				continue
			}
			if b.word.CompareAndSwap(w, pack(StateClosed, failures+1, 0, 0)) {
				return
			}
		case StateOpen:
			return
		case StateHalfOpen:
			if b.cfg.Policy == ResetOnFailure {
				if b.word.CompareAndSwap(w, pack(StateHalfOpen, 0, returnTrial(trials, b.cfg), 0)) {
					return
				}
				continue
			}
			b.openedAt.Store(b.clk.Now().UnixNano())
			if b.word.CompareAndSwap(w, pack(StateOpen, 0, 0, 0)) {
				b.notify(StateHalfOpen, StateOpen)
				return
			}
		default:
			return
		}
	}
}

// CancelTrial hands back a trial permit claimed by Allow when the protected
// call never ran, so an aborted checkout cannot strand the half-open cycle
// with all permits consumed. It touches neither success nor failure counts,
// and is a no-op once the breaker has left HalfOpen.
func (b *Breaker) CancelTrial() {
	for {
		w := b.word.Load()
		state, _, trials, successes := unpack(w)
		if state != StateHalfOpen {
			return
		}
		if b.word.CompareAndSwap(w, pack(StateHalfOpen, 0, returnTrial(trials, b.cfg), successes)) {
			return
		}
	}
}

// returnTrial hands a completed trial's slot back without exceeding the cap.
func returnTrial(trials uint32, cfg Config) uint32 {
	if trials >= cfg.HalfOpenMaxConcurrent {
		return trials
	}
	return trials + 1
}

// State returns the current state tag. Observability only.
func (b *Breaker) State() State {
	s, _, _, _ := unpack(b.word.Load())
	return s
}

// Snapshot captures the breaker's counters for monitoring endpoints.
type Snapshot struct {
	State          State     `json:"-"`
	Failures       uint32    `json:"failures"`
	TrialPermits   uint32    `json:"trial_permits"`
	TrialSuccesses uint32    `json:"trial_successes"`
	OpenedAt       time.Time `json:"opened_at,omitzero"`
}

// Snap returns a consistent snapshot of state and counters.
func (b *Breaker) Snap() Snapshot {
	state, failures, trials, successes := unpack(b.word.Load())
	var openedAt time.Time
	if ns := b.openedAt.Load(); ns > 0 {
		openedAt = time.Unix(0, ns).UTC()
	}
	return Snapshot{
		State:          state,
		Failures:       failures,
		TrialPermits:   trials,
		TrialSuccesses: successes,
		OpenedAt:       openedAt,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
