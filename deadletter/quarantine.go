package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xworld"
)

// Lister is implemented by stores that can return quarantined records for
// operator inspection, newest first.
type Lister interface {
	List(ctx context.Context, limit int) ([]xworld.DeadLetterRecord, error)
}

// DefaultStoreTimeout bounds each dead-letter write.
const DefaultStoreTimeout = 5 * time.Second

// Config wires a Quarantine. Store is required.
type Config struct {
	Store  xworld.DeadLetterStore
	Sink   xworld.TelemetrySink
	Logger *xlog.Logger
	// StoreTimeout bounds each Store call so a hung backend cannot stall the
	// consumer (default: DefaultStoreTimeout).
	StoreTimeout time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Quarantine redacts and stores rejected messages. Storage failures are
// logged and reported to telemetry, never returned.
type Quarantine struct {
	store   xworld.DeadLetterStore
	sink    xworld.TelemetrySink
	logger  *xlog.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ xworld.Quarantine = (*Quarantine)(nil)

// New returns a Quarantine. It panics if cfg.Store is nil.
func New(cfg Config) *Quarantine {
	if cfg.Store == nil {
		panic("deadletter: nil store")
	}
	q := &Quarantine{store: cfg.Store, sink: cfg.Sink, logger: cfg.Logger, timeout: cfg.StoreTimeout, now: cfg.Now}
	if q.sink == nil {
		q.sink = xworld.NopSink{}
	}
	if q.timeout <= 0 {
		q.timeout = DefaultStoreTimeout
	}
	if q.now == nil {
		clk := xclock.Default()
		q.now = clk.Now
	}
	return q
}

// Quarantine builds a redacted record for rawOrEnvelope and stores it.
func (q *Quarantine) Quarantine(ctx context.Context, rawOrEnvelope any, details xworld.ErrorDetails) {
	lg := q.log(ctx)
	now := q.now()
	rec := NewRecord(rawOrEnvelope, details, now)

	ev := xworld.TelemetryEvent{
		EventID:       rec.OriginalEventID,
		EventType:     rec.EventType,
		CorrelationID: rec.CorrelationID,
		Props: map[string]string{
			"reason":       string(details.Category),
			"deadLetterId": rec.ID,
		},
		Timestamp: now,
	}

	if err := q.storeWithTimeout(ctx, rec); err != nil {
		lg.Error().
			Err(err).
			Str("dead_letter_id", rec.ID).
			Str("event_id", rec.OriginalEventID).
			Str("category", string(details.Category)).
			Msg("deadletter: failed to store record")
		ev.Name = xworld.EventDeadLetterFailed
		ev.Err = err
		q.sink.Emit(ctx, ev)
		return
	}

	lg.Warn().
		Str("dead_letter_id", rec.ID).
		Str("event_id", rec.OriginalEventID).
		Str("event_type", rec.EventType).
		Str("category", string(details.Category)).
		Str("reason", details.Message).
		Msg("deadletter: message quarantined")
	ev.Name = xworld.EventDeadLettered
	q.sink.Emit(ctx, ev)
}

// storeWithTimeout runs the store call in its own goroutine so a store that
// ignores ctx still releases the caller once the timeout passes.
func (q *Quarantine) storeWithTimeout(ctx context.Context, rec xworld.DeadLetterRecord) error {
	sctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.store.Store(sctx, rec) }()
	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return fmt.Errorf("deadletter: store record %s: %w", rec.ID, sctx.Err())
	}
}

func (q *Quarantine) log(ctx context.Context) *xlog.Logger {
	if lg, ok := xworld.LoggerFromContext(ctx); ok {
		return lg
	}
	if q.logger != nil {
		return q.logger
	}
	return xlog.Default()
}

// storeFunc lets a plain function serve as a store.
type storeFunc func(ctx context.Context, rec xworld.DeadLetterRecord) error

func (f storeFunc) Store(ctx context.Context, rec xworld.DeadLetterRecord) error { return f(ctx, rec) }

// StoreFunc adapts f to xworld.DeadLetterStore.
func StoreFunc(f func(ctx context.Context, rec xworld.DeadLetterRecord) error) xworld.DeadLetterStore {
	return storeFunc(f)
}
