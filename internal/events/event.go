// Package events defines the reliability event stream emitted by the
// breaker, pool, and admission layers, and the hub that fans events out to
// monitoring sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of reliability milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindBreakerStateChange Kind = "BREAKER_STATE_CHANGE"
	KindAdmissionDenied    Kind = "ADMISSION_DENIED"
	KindResourceCreated    Kind = "RESOURCE_CREATED"
	KindResourceDestroyed  Kind = "RESOURCE_DESTROYED"
	KindPoolExhausted      Kind = "POOL_EXHAUSTED"
)

// Event captures a single reliability milestone for one protected backend.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Backend names the protected backend the event belongs to.
	Backend string
	// ResourceID scopes resource lifecycle events to one pool entry.
	ResourceID string
	// From and To carry breaker state labels for state changes.
	From string
	To   string
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Backend == "" {
		return errors.New("backend is required")
	}
	switch e.Kind {
	case KindBreakerStateChange:
		if e.From == "" || e.To == "" {
			return errors.New("state change requires from and to")
		}
	case KindAdmissionDenied, KindPoolExhausted:
	case KindResourceCreated, KindResourceDestroyed:
		if e.ResourceID == "" {
			return errors.New("resource event requires resource id")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
