package xworld

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type (
	loggerKey   struct{}
	clockKey    struct{}
	messageKey  struct{}
	envelopeKey struct{}
)

// with stores v under key unless v is nil.
func with[T comparable](ctx context.Context, key any, v T) context.Context {
	var zero T
	if v == zero {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func from[T comparable](ctx context.Context, key any) (T, bool) {
	v, ok := ctx.Value(key).(T)
	var zero T
	return v, ok && v != zero
}

// LoggerFromContext returns the logger bound by the worker or processor.
// Inside a handler it already carries event_id, event_type and correlation_id.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	return from[*xlog.Logger](ctx, loggerKey{})
}

// Logger returns the context logger or the process default.
func Logger(ctx context.Context) *xlog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return xlog.Default()
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	return from[xclock.Clock](ctx, clockKey{})
}

// MessageFromContext returns the queue message being processed, when the
// processor runs under a Worker.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	return from[*Message](ctx, messageKey{})
}

// EnvelopeFromContext returns the validated envelope a handler is running for.
func EnvelopeFromContext(ctx context.Context) (*WorldEventEnvelope, bool) {
	return from[*WorldEventEnvelope](ctx, envelopeKey{})
}

// InjectAll binds a logger and clock for code that runs outside a Worker,
// such as tests or a one-off replay of a single message.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = with(ctx, loggerKey{}, logger)
	return with(ctx, clockKey{}, clock)
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	return with(ctx, loggerKey{}, l)
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	return with(ctx, clockKey{}, c)
}

func injectMessage(ctx context.Context, m *Message) context.Context {
	return with(ctx, messageKey{}, m)
}

func injectEnvelope(ctx context.Context, env *WorldEventEnvelope) context.Context {
	return with(ctx, envelopeKey{}, env)
}
