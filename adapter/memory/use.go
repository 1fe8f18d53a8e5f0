package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xworld"
)

// Use builds a Worker on the in-memory transport.
//
// Example:
//
//	w := memory.Use(memory.Config{Concurrency: 4, AssignIDs: true}, proc,
//	    memory.WithLogger(logger),
//	    memory.WithProcessTimeout(10*time.Second),
//	)
func Use(cfg Config, proc *xworld.Processor, opts ...Option) *xworld.Worker {
	return build(xworld.NewWorkerBuilder().WithTransport(TransportName, cfg.toMap()), proc, opts)
}

// UseTransport builds a Worker on an existing transport, keeping the caller's
// handle for transport-level counters such as Redelivered and Poisoned.
func UseTransport(tr *Transport, proc *xworld.Processor, opts ...Option) *xworld.Worker {
	return build(xworld.NewWorkerBuilder().WithTransportInstance(tr), proc, opts)
}

func build(wb *xworld.WorkerBuilder, proc *xworld.Processor, opts []Option) *xworld.Worker {
	wb.WithProcessor(proc)
	for _, o := range opts {
		if o != nil {
			o(wb)
		}
	}
	w, err := wb.Build()
	if err != nil {
		panic(fmt.Errorf("memory: build worker: %w", err))
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

// WithAckTimeout sets the ack/nack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xworld.WorkerBuilder) { b.WithAckTimeout(d) }
}

func WithProcessTimeout(d time.Duration) Option {
	return func(b *xworld.WorkerBuilder) { b.WithProcessTimeout(d) }
}
