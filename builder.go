package xworld

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// WorkerBuilder constructs Worker instances (Builder pattern).
type WorkerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	processor      *Processor
	middlewares    []Middleware
	logger         *xlog.Logger
	clock          xclock.Clock
	ackTimeout     time.Duration
	processTimeout time.Duration
}

// NewWorkerBuilder returns a new builder with sensible defaults.
func NewWorkerBuilder() *WorkerBuilder {
	return &WorkerBuilder{
		ackTimeout: 5 * time.Second,
	}
}

func (wb *WorkerBuilder) WithTransport(name string, cfg map[string]any) *WorkerBuilder {
	wb.transportName = name
	wb.transportCfg = cfg
	return wb
}

// WithTransportInstance accepts a ready Transport instance.
func (wb *WorkerBuilder) WithTransportInstance(t Transport) *WorkerBuilder {
	wb.transportInst = t
	return wb
}

func (wb *WorkerBuilder) WithProcessor(p *Processor) *WorkerBuilder {
	wb.processor = p
	return wb
}

func (wb *WorkerBuilder) WithMiddleware(mw ...Middleware) *WorkerBuilder {
	if len(mw) == 0 {
		return wb
	}
	wb.middlewares = append(wb.middlewares, mw...)
	return wb
}

func (wb *WorkerBuilder) WithLogger(l *xlog.Logger) *WorkerBuilder {
	wb.logger = l
	return wb
}

func (wb *WorkerBuilder) WithClock(c xclock.Clock) *WorkerBuilder {
	wb.clock = c
	return wb
}

func (wb *WorkerBuilder) WithAckTimeout(d time.Duration) *WorkerBuilder {
	if d > 0 {
		wb.ackTimeout = d
	}
	return wb
}

// WithProcessTimeout bounds the processing of a single message. A message
// that exceeds it is nacked and redelivered.
func (wb *WorkerBuilder) WithProcessTimeout(d time.Duration) *WorkerBuilder {
	wb.processTimeout = d
	return wb
}

func (wb *WorkerBuilder) Build() (*Worker, error) {
	if wb.processor == nil {
		return nil, ErrNoProcessor
	}

	var tr Transport
	var err error
	switch {
	case wb.transportInst != nil:
		tr = wb.transportInst
	case wb.transportName != "":
		tr, err = NewTransport(wb.transportName, wb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	clk := wb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := wb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	mws := make([]Middleware, 0, len(wb.middlewares)+1)
	if wb.processTimeout > 0 {
		mws = append(mws, TimeoutMiddleware(wb.processTimeout))
	}
	mws = append(mws, wb.middlewares...)

	return &Worker{
		transport:   tr,
		processor:   wb.processor,
		clock:       clk,
		logger:      lg,
		middlewares: mws,
		ackTimeout:  wb.ackTimeout,
		metrics:     &workerMetrics{},
	}, nil
}

// NewWorker constructs a Worker via the builder and returns a close func for convenience.
func NewWorker(init func(b *WorkerBuilder)) (*Worker, func() error, error) {
	b := NewWorkerBuilder()
	if init != nil {
		init(b)
	}
	w, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return w.Close(context.Background()) }
	return w, closeFn, nil
}
