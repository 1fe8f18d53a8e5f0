package telemetry

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xworld"
)

// OTelSink records each telemetry event as an event on the span active in ctx.
// Without an active recording span it does nothing.
type OTelSink struct{}

var _ xworld.TelemetrySink = OTelSink{}

func (OTelSink) Emit(ctx context.Context, e xworld.TelemetryEvent) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(string(e.Name), trace.WithAttributes(Attributes(e)...))
	if e.Err != nil {
		span.RecordError(e.Err, trace.WithAttributes(attribute.String("xworld.telemetry", string(e.Name))))
	}
}

// Attributes flattens a telemetry event into OpenTelemetry attributes.
func Attributes(e xworld.TelemetryEvent) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4+len(e.Props))
	if e.EventID != "" {
		attrs = append(attrs, attribute.String("xworld.event_id", e.EventID))
	}
	if e.EventType != "" {
		attrs = append(attrs, attribute.String("xworld.event_type", e.EventType))
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, attribute.String("xworld.correlation_id", e.CorrelationID))
	}
	if e.Duration > 0 {
		attrs = append(attrs, attribute.Int64("xworld.duration_ms", e.Duration.Milliseconds()))
	}
	keys := make([]string, 0, len(e.Props))
	for k := range e.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("xworld."+k, e.Props[k]))
	}
	return attrs
}
