package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xworld"
)

// Use builds a Worker on Redis Streams for proc. It panics on a bad config
// or an unreachable server.
func Use(cfg Config, proc *xworld.Processor, opts ...Option) *xworld.Worker {
	wb := xworld.NewWorkerBuilder().
		WithTransport(TransportName, cfg.toMap()).
		WithProcessor(proc)
	for _, o := range opts {
		if o != nil {
			o(wb)
		}
	}
	w, err := wb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return w
}

// Option configures the worker built by Use.
type Option func(*xworld.WorkerBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xworld.WorkerBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xworld.WorkerBuilder) { b.WithClock(c) }
}

func WithMiddleware(mw ...xworld.Middleware) Option {
	return func(b *xworld.WorkerBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack/nack timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xworld.WorkerBuilder) { b.WithAckTimeout(d) }
}

func WithProcessTimeout(d time.Duration) Option {
	return func(b *xworld.WorkerBuilder) { b.WithProcessTimeout(d) }
}
