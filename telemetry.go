package xworld

import (
	"context"
	"time"
)

// EventName enumerates the telemetry events emitted by the pipeline.
type EventName string

const (
	EventProcessed           EventName = "World.Event.Processed"
	EventDuplicate           EventName = "World.Event.Duplicate"
	EventDeadLettered        EventName = "World.Event.DeadLettered"
	EventDeadLetterFailed    EventName = "World.Event.DeadLetterFailed"
	EventRegistryCheckFailed EventName = "World.Event.RegistryCheckFailed"
	EventRegistryWriteFailed EventName = "World.Event.RegistryWriteFailed"
	EventHandlerInvoked      EventName = "World.Event.HandlerInvoked"
	EventHandlerMissing      EventName = "World.Event.HandlerMissing"
)

// TelemetryEvent carries one structured outcome to a TelemetrySink.
type TelemetryEvent struct {
	Name          EventName
	EventID       string
	EventType     string
	CorrelationID string
	// Props holds event-specific dimensions such as detectedVia, reason or outcome.
	Props     map[string]string
	Duration  time.Duration
	Err       error
	Timestamp time.Time
}

// Prop returns a dimension value, or "" when absent.
func (e TelemetryEvent) Prop(key string) string {
	if e.Props == nil {
		return ""
	}
	return e.Props[key]
}

// NewTelemetryEvent builds an event pre-filled with the envelope's identifiers.
// env may be nil for messages that never became an envelope.
func NewTelemetryEvent(name EventName, env *WorldEventEnvelope, props map[string]string) TelemetryEvent {
	e := TelemetryEvent{Name: name, Props: props}
	if env != nil {
		e.EventID = env.EventID
		e.EventType = env.Type
		e.CorrelationID = env.CorrelationID
	}
	return e
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, TelemetryEvent) {}

// SinkFunc adapts a plain function to TelemetrySink.
type SinkFunc func(ctx context.Context, e TelemetryEvent)

func (f SinkFunc) Emit(ctx context.Context, e TelemetryEvent) { f(ctx, e) }
