// Package sink delivers lifecycle events to the presentation layer.
package sink

import (
	"sync"

	"github.com/wyn/collab/internal/domain"
)

// Sink receives lifecycle events. Emit must not block the caller for long;
// wrap slow sinks in a Queue.
type Sink interface {
	Emit(event domain.Event)
}

// Func adapts a function to a Sink.
type Func func(event domain.Event)

// Emit calls f(event).
func (f Func) Emit(event domain.Event) {
	f(event)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

// Emit forwards event to each sink.
func (m Multi) Emit(event domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// Discard drops every event.
var Discard Sink = Func(func(domain.Event) {})

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Emit appends event.
func (r *Recorder) Emit(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
