package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xworld"
)

// ErrShutdownTimeout is returned by AsyncSink.Close when queued events could
// not be drained in time.
var ErrShutdownTimeout = errors.New("telemetry: async sink shutdown timeout")

// AsyncSink dispatches events to a wrapped sink from a small worker pool so
// a slow backend never blocks message processing. When the buffer is full,
// events are dropped and counted.
type AsyncSink struct {
	next      xworld.TelemetrySink
	eventCh   chan queued
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

type queued struct {
	ctx context.Context
	e   xworld.TelemetryEvent
}

// AsyncStats reports pool telemetry.
type AsyncStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

var _ xworld.TelemetrySink = (*AsyncSink)(nil)

// NewAsyncSink starts workers goroutines delivering to next.
// workers: 1-4 is plenty for telemetry; bufferSize: 1000-5000 for burst resilience.
func NewAsyncSink(next xworld.TelemetrySink, workers, bufferSize int) *AsyncSink {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncSink{
		next:    next,
		eventCh: make(chan queued, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Emit queues e for delivery. It never blocks.
func (s *AsyncSink) Emit(ctx context.Context, e xworld.TelemetryEvent) {
	if s.closed.Load() || s.next == nil {
		return
	}
	// Detach from the message's cancellation; the event outlives the delivery.
	select {
	case s.eventCh <- queued{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		s.dropped.Add(1)
	}
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case q := <-s.eventCh:
					s.dispatch(q)
				default:
					return
				}
			}
		case q := <-s.eventCh:
			s.dispatch(q)
		}
	}
}

// dispatch tolerates sink panics so one bad backend cannot kill the pool.
func (s *AsyncSink) dispatch(q queued) {
	defer func() {
		_ = recover()
	}()
	s.next.Emit(q.ctx, q.e)
	s.processed.Add(1)
}

// Close stops accepting events and waits up to timeout for the queue to drain.
func (s *AsyncSink) Close(timeout time.Duration) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (s *AsyncSink) Stats() AsyncStats {
	return AsyncStats{
		Dropped:      s.dropped.Load(),
		Processed:    s.processed.Load(),
		ActiveEvents: len(s.eventCh),
		Workers:      s.workers,
		BufferSize:   cap(s.eventCh),
	}
}
