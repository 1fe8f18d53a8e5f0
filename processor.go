package xworld

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/trickstertwo/xworld"

// Status is the terminal state of one Process call.
type Status string

const (
	StatusProcessed    Status = "processed"
	StatusDuplicate    Status = "duplicate"
	StatusDeadLettered Status = "dead-lettered"
	StatusUnhandled    Status = "unhandled"
	StatusFailed       Status = "failed"
)

// Result describes what happened to one message.
type Result struct {
	Status      Status
	Outcome     Outcome
	DetectedVia DetectedVia
	Category    ErrorCategory
	Envelope    *WorldEventEnvelope
}

// ProcessorConfig wires the collaborators of a Processor.
// Validator, Guard, Quarantine and Dispatcher are required.
type ProcessorConfig struct {
	Validator  Validator
	Guard      DuplicateGuard
	Quarantine Quarantine
	Dispatcher Dispatcher
	Sink       TelemetrySink
	Logger     *xlog.Logger
	Clock      xclock.Clock
	Tracer     trace.Tracer
}

// Processor runs the validate → de-duplicate → dispatch → mark pipeline for
// one message at a time. It is safe for concurrent use when its
// collaborators are.
type Processor struct {
	validator  Validator
	guard      DuplicateGuard
	quarantine Quarantine
	dispatcher Dispatcher
	sink       TelemetrySink
	logger     *xlog.Logger
	clock      xclock.Clock
	tracer     trace.Tracer
	stats      processorStats
}

type processorStats struct {
	processed    atomic.Uint64
	duplicates   atomic.Uint64
	deadLettered atomic.Uint64
	unhandled    atomic.Uint64
	failed       atomic.Uint64
}

// ProcessorStats is a snapshot of the processor counters.
type ProcessorStats struct {
	Processed    uint64 `json:"processed"`
	Duplicates   uint64 `json:"duplicates"`
	DeadLettered uint64 `json:"deadLettered"`
	Unhandled    uint64 `json:"unhandled"`
	Failed       uint64 `json:"failed"`
}

// NewProcessor validates the configuration and returns a ready Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	switch {
	case cfg.Validator == nil:
		return nil, errors.New("xworld: processor requires a validator")
	case cfg.Guard == nil:
		return nil, errors.New("xworld: processor requires a duplicate guard")
	case cfg.Quarantine == nil:
		return nil, errors.New("xworld: processor requires a quarantine")
	case cfg.Dispatcher == nil:
		return nil, errors.New("xworld: processor requires a dispatcher")
	}
	p := &Processor{
		validator:  cfg.Validator,
		guard:      cfg.Guard,
		quarantine: cfg.Quarantine,
		dispatcher: cfg.Dispatcher,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		tracer:     cfg.Tracer,
	}
	if p.sink == nil {
		p.sink = NopSink{}
	}
	if p.logger == nil {
		p.logger = xlog.Default()
	}
	if p.clock == nil {
		p.clock = xclock.Default()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	return p, nil
}

// Process handles one raw queue message.
//
// The returned error is non-nil only when a handler failed transiently; the
// caller must then let the transport redeliver the message. Every other
// result, including dead-lettered and duplicate messages, returns nil and the
// message should be acknowledged.
func (p *Processor) Process(ctx context.Context, raw any) (Result, error) {
	start := p.clock.Now()
	ctx, span := p.tracer.Start(ctx, "xworld.process")
	defer span.End()

	if _, ok := LoggerFromContext(ctx); !ok {
		ctx = injectLogger(ctx, p.logger)
	}
	if _, ok := ClockFromContext(ctx); !ok {
		ctx = injectClock(ctx, p.clock)
	}
	lg := Logger(ctx)

	env, failure := p.validator.Validate(raw)
	if failure != nil {
		subject := raw
		if failure.Parsed != nil {
			subject = failure.Parsed
		}
		p.quarantine.Quarantine(ctx, subject, failure.Details())
		p.stats.deadLettered.Add(1)
		span.SetAttributes(
			attribute.String("xworld.status", string(StatusDeadLettered)),
			attribute.String("xworld.error_category", string(failure.Category)),
		)
		lg.Warn().
			Str("category", string(failure.Category)).
			Str("reason", failure.Message).
			Msg("xworld: message rejected")
		return Result{Status: StatusDeadLettered, Category: failure.Category}, nil
	}

	span.SetAttributes(
		attribute.String("xworld.event_id", env.EventID),
		attribute.String("xworld.event_type", env.Type),
		attribute.String("xworld.correlation_id", env.CorrelationID),
	)
	lg = lg.With(
		xlog.Str("event_id", env.EventID),
		xlog.Str("event_type", env.Type),
		xlog.Str("correlation_id", env.CorrelationID),
	)
	ctx = injectEnvelope(injectLogger(ctx, lg), env)

	decision := p.guard.Check(ctx, env)
	if decision.Duplicate {
		p.stats.duplicates.Add(1)
		p.emit(ctx, EventDuplicate, env, map[string]string{
			"detectedVia":    string(decision.DetectedVia),
			"idempotencyKey": env.IdempotencyKey,
		})
		span.SetAttributes(
			attribute.String("xworld.status", string(StatusDuplicate)),
			attribute.String("xworld.detected_via", string(decision.DetectedVia)),
		)
		lg.Debug().Str("detected_via", string(decision.DetectedVia)).Msg("xworld: duplicate skipped")
		return Result{Status: StatusDuplicate, DetectedVia: decision.DetectedVia, Envelope: env}, nil
	}

	if env.IngestedUTC == nil {
		now := p.clock.Now().UTC()
		env.IngestedUTC = &now
	}

	outcome, matched, err := p.dispatcher.Dispatch(ctx, env)
	if err == nil && matched && outcome == OutcomeError {
		err = errors.New("handler reported a transient error")
	}
	if err != nil {
		p.stats.failed.Add(1)
		p.emit(ctx, EventHandlerInvoked, env, map[string]string{"outcome": string(OutcomeError)})
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		lg.Error().Err(err).Msg("xworld: handler failed; message will be redelivered")
		return Result{Status: StatusFailed, Outcome: OutcomeError, Envelope: env},
			&HandlerError{EventType: env.Type, EventID: env.EventID, Err: err}
	}
	if !matched {
		p.stats.unhandled.Add(1)
		p.emit(ctx, EventHandlerMissing, env, nil)
		span.SetAttributes(attribute.String("xworld.status", string(StatusUnhandled)))
		lg.Info().Msg("xworld: no handler registered for event type")
		return Result{Status: StatusUnhandled, Envelope: env}, nil
	}

	p.guard.MarkProcessed(ctx, env)
	p.stats.processed.Add(1)

	p.emit(ctx, EventHandlerInvoked, env, map[string]string{"outcome": string(outcome)})
	done := NewTelemetryEvent(EventProcessed, env, map[string]string{"outcome": string(outcome)})
	done.Duration = p.clock.Since(start)
	p.sink.Emit(ctx, p.stamp(done))

	span.SetAttributes(
		attribute.String("xworld.status", string(StatusProcessed)),
		attribute.String("xworld.outcome", string(outcome)),
	)
	lg.Debug().Str("outcome", string(outcome)).Dur("dur", done.Duration).Msg("xworld: event processed")
	return Result{Status: StatusProcessed, Outcome: outcome, Envelope: env}, nil
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Processed:    p.stats.processed.Load(),
		Duplicates:   p.stats.duplicates.Load(),
		DeadLettered: p.stats.deadLettered.Load(),
		Unhandled:    p.stats.unhandled.Load(),
		Failed:       p.stats.failed.Load(),
	}
}

// MessageHandler adapts the processor to a transport subscription handler.
func (p *Processor) MessageHandler() MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		_, err := p.Process(injectMessage(ctx, msg), msg.Payload)
		return err
	}
}

func (p *Processor) emit(ctx context.Context, name EventName, env *WorldEventEnvelope, props map[string]string) {
	p.sink.Emit(ctx, p.stamp(NewTelemetryEvent(name, env, props)))
}

func (p *Processor) stamp(e TelemetryEvent) TelemetryEvent {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.clock.Now()
	}
	return e
}
