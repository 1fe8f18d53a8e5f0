package xworld

import (
	"context"
)

// Handler applies the world mutation for exactly one event type.
//
// Handle returns a typed Outcome for every deterministic result. A non-nil
// error means a transient failure and is the only signal that causes the
// transport to redeliver the message.
type Handler interface {
	Type() string
	Handle(ctx context.Context, env *WorldEventEnvelope) (Outcome, error)
}

// HandlerFunc adapts a function to Handler for a fixed event type.
type HandlerFunc struct {
	EventType string
	Fn        func(ctx context.Context, env *WorldEventEnvelope) (Outcome, error)
}

func (h HandlerFunc) Type() string { return h.EventType }

func (h HandlerFunc) Handle(ctx context.Context, env *WorldEventEnvelope) (Outcome, error) {
	return h.Fn(ctx, env)
}

// Dispatcher routes a validated envelope to the handler registered for its type.
// matched is false when no handler owns the type; that is not an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *WorldEventEnvelope) (outcome Outcome, matched bool, err error)
}

// Validator turns a raw queue message into an envelope. It must be pure.
type Validator interface {
	Validate(raw any) (*WorldEventEnvelope, *ValidationFailure)
}

// IdempotencyStore is the durable registry of processed events.
// CheckProcessed returns (nil, nil) when the key is unknown or expired.
type IdempotencyStore interface {
	CheckProcessed(ctx context.Context, idempotencyKey string) (*ProcessedEventRecord, error)
	MarkProcessed(ctx context.Context, rec ProcessedEventRecord) (ProcessedEventRecord, error)
}

// DeadLetterStore persists quarantined records.
type DeadLetterStore interface {
	Store(ctx context.Context, rec DeadLetterRecord) error
}

// Quarantine dead-letters a message. It never fails from the caller's point of view.
type Quarantine interface {
	Quarantine(ctx context.Context, rawOrEnvelope any, details ErrorDetails)
}

// DuplicateGuard is the two-tier duplicate suppression used by the processor.
type DuplicateGuard interface {
	Check(ctx context.Context, env *WorldEventEnvelope) Decision
	MarkProcessed(ctx context.Context, env *WorldEventEnvelope)
}

// Decision is the result of a duplicate check.
type Decision struct {
	Duplicate   bool
	DetectedVia DetectedVia
	Record      *ProcessedEventRecord
}

// DetectedVia names the tier that recognised a duplicate.
type DetectedVia string

const (
	DetectedViaCache    DetectedVia = "cache"
	DetectedViaRegistry DetectedVia = "registry"
)

// TelemetrySink receives structured outcome events. Implementations must be
// non-blocking and must never influence control flow.
type TelemetrySink interface {
	Emit(ctx context.Context, e TelemetryEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
