// Package event carries the structured outcomes the engine emits while
// running migrations. The engine only produces these values; presentation
// belongs to the caller supplied Sink.
package event

import (
	"sync"
	"time"
)

type Op string

const (
	OpUpgrade   Op = "upgrade"
	OpDowngrade Op = "downgrade"
)

type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseApplied  Phase = "applied"
	PhaseReverted Phase = "reverted"
	PhaseFailed   Phase = "failed"
	PhaseSkipped  Phase = "skipped"
)

type Event struct {
	Op          Op
	Phase       Phase
	Key         string
	Description string
	StartedAt   time.Time
	Elapsed     time.Duration
	Err         error
}

type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) {
	f(e)
}

type NullSink struct{}

func (NullSink) Emit(Event) {}

// Recorder buffers every emitted event, mostly for tests and tooling.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}
