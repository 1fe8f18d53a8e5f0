// Package redisstore keeps the processed-event registry in Redis, one key
// per idempotency key, expiring with Redis' native TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xworld"
)

const DefaultPrefix = "xworld:processed:"

// Registry implements xworld.IdempotencyStore on Redis strings.
type Registry struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ xworld.IdempotencyStore = (*Registry)(nil)

// Option customises a Registry.
type Option func(*Registry)

// WithPrefix namespaces keys; default DefaultPrefix.
func WithPrefix(p string) Option {
	return func(r *Registry) {
		if p != "" {
			r.prefix = p
		}
	}
}

// WithRetention is the TTL used when a record carries no ExpiresUTC.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New wraps client. The caller owns the client.
func New(client *redis.Client, opts ...Option) *Registry {
	clk := xclock.Default()
	r := &Registry{
		client:    client,
		prefix:    DefaultPrefix,
		retention: 7 * 24 * time.Hour,
		now:       clk.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) key(idempotencyKey string) string { return r.prefix + idempotencyKey }

func (r *Registry) CheckProcessed(ctx context.Context, idempotencyKey string) (*xworld.ProcessedEventRecord, error) {
	raw, err := r.client.Get(ctx, r.key(idempotencyKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %q: %w", idempotencyKey, err)
	}
	var rec xworld.ProcessedEventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode %q: %w", idempotencyKey, err)
	}
	if rec.Expired(r.now()) {
		return nil, nil
	}
	return &rec, nil
}

// MarkProcessed writes rec with a TTL ending at rec.ExpiresUTC. It
// overwrites any existing record for the key.
func (r *Registry) MarkProcessed(ctx context.Context, rec xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	ttl := r.retention
	if !rec.ExpiresUTC.IsZero() {
		ttl = rec.ExpiresUTC.Sub(r.now())
		if ttl <= 0 {
			// Already outside the window; nothing worth storing.
			return rec, nil
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return xworld.ProcessedEventRecord{}, fmt.Errorf("redisstore: encode %q: %w", rec.IdempotencyKey, err)
	}
	if err := r.client.Set(ctx, r.key(rec.IdempotencyKey), raw, ttl).Err(); err != nil {
		return xworld.ProcessedEventRecord{}, fmt.Errorf("redisstore: set %q: %w", rec.IdempotencyKey, err)
	}
	return rec, nil
}
