// Package telemetry provides TelemetrySink implementations for the xworld
// pipeline: structured logging, OpenTelemetry span events, an in-memory
// recorder for tests, fan-out and a non-blocking asynchronous wrapper.
//
// Sinks never return errors and never influence message processing.
package telemetry

import (
	"context"
	"sort"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xworld"
)

// LogSink is an Adapter that writes telemetry events via xlog.
type LogSink struct {
	Logger *xlog.Logger
}

var _ xworld.TelemetrySink = LogSink{}

func (s LogSink) Emit(ctx context.Context, e xworld.TelemetryEvent) {
	lg := s.Logger
	if lg == nil {
		lg = xworld.Logger(ctx)
	}
	ev := lg.With(
		xlog.Str("telemetry", string(e.Name)),
		xlog.Str("event_id", e.EventID),
		xlog.Str("event_type", e.EventType),
		xlog.Str("correlation_id", e.CorrelationID),
	)
	// Sorted for stable log output.
	keys := make([]string, 0, len(e.Props))
	for k := range e.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.With(xlog.Str(k, e.Props[k]))
	}
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}

	switch e.Name {
	case xworld.EventRegistryCheckFailed, xworld.EventRegistryWriteFailed, xworld.EventDeadLetterFailed:
		ev.Warn().Err(e.Err).Msg("xworld telemetry")
	case xworld.EventDeadLettered:
		ev.Info().Msg("xworld telemetry")
	default:
		ev.Debug().Msg("xworld telemetry")
	}
}
