package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xworld"
)

const (
	// DefaultRetention is how long durable records suppress duplicates.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultStoreTimeout bounds each registry call.
	DefaultStoreTimeout = 5 * time.Second
)

// GuardConfig wires a Guard. Cache and Store are required.
type GuardConfig struct {
	Cache *Cache
	Store xworld.IdempotencyStore
	Sink  xworld.TelemetrySink
	// Retention sets ExpiresUTC on new durable records.
	Retention time.Duration
	// StoreTimeout bounds CheckProcessed and MarkProcessed calls.
	StoreTimeout time.Duration
	Logger       *xlog.Logger
	Now          func() time.Time
}

// Guard is the two-tier duplicate filter. Registry failures degrade to
// "not a duplicate" so an outage never stalls processing.
type Guard struct {
	cache     *Cache
	store     xworld.IdempotencyStore
	sink      xworld.TelemetrySink
	retention time.Duration
	timeout   time.Duration
	logger    *xlog.Logger
	now       func() time.Time
}

var _ xworld.DuplicateGuard = (*Guard)(nil)

// NewGuard returns a Guard. It panics if cfg.Cache or cfg.Store is nil.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Cache == nil || cfg.Store == nil {
		panic("idempotency: guard requires a cache and a store")
	}
	g := &Guard{
		cache:     cfg.Cache,
		store:     cfg.Store,
		sink:      cfg.Sink,
		retention: cfg.Retention,
		timeout:   cfg.StoreTimeout,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if g.sink == nil {
		g.sink = xworld.NopSink{}
	}
	if g.retention <= 0 {
		g.retention = DefaultRetention
	}
	if g.timeout <= 0 {
		g.timeout = DefaultStoreTimeout
	}
	if g.now == nil {
		clk := xclock.Default()
		g.now = clk.Now
	}
	return g
}

// Cache exposes the first tier, e.g. to reset it in tests.
func (g *Guard) Cache() *Cache { return g.cache }

// Check reports whether env was already applied.
func (g *Guard) Check(ctx context.Context, env *xworld.WorldEventEnvelope) xworld.Decision {
	key := env.IdempotencyKey
	if g.cache.IsDuplicate(key) {
		return xworld.Decision{Duplicate: true, DetectedVia: xworld.DetectedViaCache}
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rec, err := g.store.CheckProcessed(cctx, key)
	if err != nil {
		g.log(ctx).Warn().
			Err(err).
			Str("idempotency_key", key).
			Msg("idempotency: registry lookup failed; processing without durable check")
		ev := xworld.NewTelemetryEvent(xworld.EventRegistryCheckFailed, env, map[string]string{"idempotencyKey": key})
		ev.Err = err
		ev.Timestamp = g.now()
		g.sink.Emit(ctx, ev)
		return xworld.Decision{}
	}
	if rec == nil || rec.Expired(g.now()) {
		return xworld.Decision{}
	}

	g.cache.MarkProcessed(key, rec.EventID)
	return xworld.Decision{Duplicate: true, DetectedVia: xworld.DetectedViaRegistry, Record: rec}
}

// MarkProcessed records env in the registry and the cache. A registry write
// failure is reported and otherwise ignored; the cache is always marked.
func (g *Guard) MarkProcessed(ctx context.Context, env *xworld.WorldEventEnvelope) {
	now := g.now().UTC()
	rec := NewRecord(env, now, g.retention)

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if _, err := g.store.MarkProcessed(cctx, rec); err != nil {
		g.log(ctx).Warn().
			Err(err).
			Str("idempotency_key", env.IdempotencyKey).
			Msg("idempotency: registry write failed; duplicate protection is cache-only")
		ev := xworld.NewTelemetryEvent(xworld.EventRegistryWriteFailed, env, map[string]string{"idempotencyKey": env.IdempotencyKey})
		ev.Err = err
		ev.Timestamp = now
		g.sink.Emit(ctx, ev)
	}
	g.cache.MarkProcessed(env.IdempotencyKey, env.EventID)
}

func (g *Guard) log(ctx context.Context) *xlog.Logger {
	if lg, ok := xworld.LoggerFromContext(ctx); ok {
		return lg
	}
	if g.logger != nil {
		return g.logger
	}
	return xlog.Default()
}

// NewRecord builds the durable record for env processed at now.
func NewRecord(env *xworld.WorldEventEnvelope, now time.Time, retention time.Duration) xworld.ProcessedEventRecord {
	return xworld.ProcessedEventRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: env.IdempotencyKey,
		EventID:        env.EventID,
		EventType:      env.Type,
		CorrelationID:  env.CorrelationID,
		ProcessedUTC:   now,
		ActorKind:      env.Actor.Kind,
		ActorID:        env.Actor.ID,
		Version:        env.Version,
		ExpiresUTC:     now.Add(retention),
	}
}
