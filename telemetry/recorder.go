package telemetry

import (
	"context"
	"sync"

	"github.com/trickstertwo/xworld"
)

// Recorder keeps every emitted event in memory. It is meant for tests and
// local debugging.
type Recorder struct {
	mu     sync.Mutex
	events []xworld.TelemetryEvent
}

var _ xworld.TelemetrySink = (*Recorder)(nil)

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, e xworld.TelemetryEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []xworld.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xworld.TelemetryEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name xworld.EventName) []xworld.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []xworld.TelemetryEvent
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name xworld.EventName) int {
	return len(r.Named(name))
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Multi fans one event out to several sinks in order.
type Multi []xworld.TelemetrySink

func (m Multi) Emit(ctx context.Context, e xworld.TelemetryEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}
