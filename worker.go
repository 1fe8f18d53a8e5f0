package xworld

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Worker)(nil)

// Worker binds a Processor to a Transport: it consumes messages, acks what
// the processor settled and nacks what must be redelivered.
type Worker struct {
	transport   Transport
	processor   *Processor
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware
	ackTimeout  time.Duration
	metrics     *workerMetrics
	closed      atomic.Bool
	closeOnce   sync.Once

	subsMu sync.Mutex
	subs   []Subscription
}

// workerMetrics uses lock-free atomics for telemetry.
type workerMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Metrics is a snapshot of worker counters.
type Metrics struct {
	Published           uint64         `json:"published"`
	Consumed            uint64         `json:"consumed"`
	Acked               uint64         `json:"acked"`
	Nacked              uint64         `json:"nacked"`
	Errors              uint64         `json:"errors"`
	AvgProcessingTimeMs float64        `json:"avgProcessingTimeMs"`
	Processor           ProcessorStats `json:"processor"`
}

// HealthStatus indicates worker health for liveness and readiness checks.
type HealthStatus struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Processor returns the processor this worker drives.
func (w *Worker) Processor() *Processor { return w.processor }

// PublishEnvelope encodes env as JSON and sends it to topic.
func (w *Worker) PublishEnvelope(ctx context.Context, topic string, env *WorldEventEnvelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	data, err := json.Marshal(env)
	if err != nil {
		w.metrics.errorCount.Add(1)
		return err
	}
	return w.PublishRaw(ctx, topic, env.Type, data, map[string]string{
		"correlationId":  env.CorrelationID,
		"idempotencyKey": env.IdempotencyKey,
	})
}

// PublishRaw sends an already-encoded payload. It performs no validation of
// the payload; the consuming processor rejects malformed input.
func (w *Worker) PublishRaw(ctx context.Context, topic, name string, payload []byte, meta map[string]string) error {
	if w.closed.Load() {
		return ErrWorkerClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	w.metrics.publishCount.Add(1)
	msg := &Message{
		Name:       name,
		Payload:    payload,
		Metadata:   meta,
		ProducedAt: w.clock.Now(),
	}
	if err := w.transport.Publish(ctx, topic, msg); err != nil {
		w.metrics.errorCount.Add(1)
		return err
	}
	return nil
}

// Subscribe starts consuming topic under group. Deliveries are processed by
// the worker's Processor wrapped in the configured middlewares.
func (w *Worker) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}
	if topic == "" || group == "" {
		return nil, ErrInvalidSubscription
	}

	// Panic recovery is always innermost so middlewares observe the error.
	base := RecoveryMiddleware()(w.processor.MessageHandler())
	wh := Chain(base, w.middlewares...)
	lg := w.logger.With(xlog.Str("topic", topic), xlog.Str("group", group))

	sub, err := w.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lg.Warn().Msg("xworld: delivery panic (recovered)")
					w.metrics.errorCount.Add(1)
					_ = d.Nack(context.Background(), ErrHandlerPanic)
				}
			}()

			w.metrics.consumeCount.Add(1)
			msg := d.Message()

			hctx := InjectAll(ctx, lg.With(xlog.Str("message_id", msg.ID)), w.clock)

			start := w.clock.Now()
			err := wh(hctx, msg)
			w.recordProcessingTime(w.clock.Since(start).Nanoseconds())

			if err == nil {
				w.metrics.ackCount.Add(1)
				w.ackWithTimeout(hctx, d, true, nil)
				return
			}

			w.metrics.nackCount.Add(1)
			w.ackWithTimeout(hctx, d, false, err)
		}()
	})
	if err != nil {
		return nil, err
	}

	w.subsMu.Lock()
	w.subs = append(w.subs, sub)
	w.subsMu.Unlock()
	return sub, nil
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (w *Worker) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if w.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(context.WithoutCancel(ctx), w.ackTimeout)
	}
	defer cancel()

	lg := Logger(ctx)
	if ack {
		if err := d.Ack(actx); err != nil {
			w.metrics.errorCount.Add(1)
			lg.Warn().Err(err).Msg("xworld: ack failed")
		}
		return
	}

	lg.Warn().Err(reason).Msg("xworld: nack; message will be redelivered")
	if err := d.Nack(actx, reason); err != nil {
		w.metrics.errorCount.Add(1)
		lg.Warn().Err(err).Msg("xworld: nack failed")
	}
}

// Stats returns current worker metrics.
func (w *Worker) Stats() Metrics {
	return Metrics{
		Published:           w.metrics.publishCount.Load(),
		Consumed:            w.metrics.consumeCount.Load(),
		Acked:               w.metrics.ackCount.Load(),
		Nacked:              w.metrics.nackCount.Load(),
		Errors:              w.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(w.metrics.processingNs.Load()) / 1e6,
		Processor:           w.processor.Stats(),
	}
}

// Health reports worker health for liveness and readiness checks.
func (w *Worker) Health(ctx context.Context) HealthStatus {
	if w.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: w.clock.Now(),
			Message:   "worker is closed",
		}
	}

	metrics := w.Stats()
	status := "healthy"

	// Degraded if more than 5% of consumed messages were nacked.
	if metrics.Nacked > 0 && metrics.Consumed > 0 {
		nackRate := float64(metrics.Nacked) / float64(metrics.Consumed)
		if nackRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: w.clock.Now(),
	}
}

// Close stops all subscriptions and releases the transport. It is idempotent.
func (w *Worker) Close(ctx context.Context) error {
	var closeErr error

	w.closeOnce.Do(func() {
		w.closed.Store(true)

		w.subsMu.Lock()
		subs := w.subs
		w.subs = nil
		w.subsMu.Unlock()

		for _, s := range subs {
			if err := s.Close(); err != nil {
				w.logger.Warn().Err(err).Msg("xworld: subscription close failed")
				closeErr = err
			}
		}

		if err := w.transport.Close(ctx); err != nil {
			w.logger.Error().Err(err).Msg("xworld: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (w *Worker) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := w.metrics.processingNs.Load()
	if current == 0 {
		w.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	w.metrics.processingNs.Store(newAvg)
}
