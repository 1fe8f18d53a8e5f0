package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xworld"
)

// Registry implements xworld.IdempotencyStore. Expired rows are ignored on
// read and removed by Sweep.
type Registry struct {
	db  *DB
	now func() time.Time
}

var _ xworld.IdempotencyStore = (*Registry)(nil)

func (d *DB) Registry() *Registry {
	return &Registry{db: d, now: xclock.Default().Now}
}

func (r *Registry) WithNow(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Registry) CheckProcessed(ctx context.Context, idempotencyKey string) (*xworld.ProcessedEventRecord, error) {
	ctx, cancel, err := r.db.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, event_id, event_type, correlation_id, processed_at, actor_kind, actor_id, version, expires_at
		FROM %s WHERE idempotency_key = $1`, r.db.table("processed_events"))
	rec := xworld.ProcessedEventRecord{IdempotencyKey: idempotencyKey}
	var (
		actorKind string
		expires   sql.NullTime
	)
	err = r.db.db.QueryRowContext(ctx, query, idempotencyKey).Scan(
		&rec.ID, &rec.EventID, &rec.EventType, &rec.CorrelationID, &rec.ProcessedUTC,
		&actorKind, &rec.ActorID, &rec.Version, &expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: check %q: %w", idempotencyKey, err)
	}
	rec.ActorKind = xworld.ActorKind(actorKind)
	rec.ProcessedUTC = rec.ProcessedUTC.UTC()
	if expires.Valid {
		rec.ExpiresUTC = expires.Time.UTC()
	}
	if rec.Expired(r.now()) {
		return nil, nil
	}
	return &rec, nil
}

// MarkProcessed upserts; the newest write for a key wins.
func (r *Registry) MarkProcessed(ctx context.Context, rec xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	ctx, cancel, err := r.db.op(ctx)
	if err != nil {
		return xworld.ProcessedEventRecord{}, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, id, event_id, event_type, correlation_id, processed_at, actor_kind, actor_id, version, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key)
		DO UPDATE SET id = EXCLUDED.id, event_id = EXCLUDED.event_id, event_type = EXCLUDED.event_type,
			correlation_id = EXCLUDED.correlation_id, processed_at = EXCLUDED.processed_at,
			actor_kind = EXCLUDED.actor_kind, actor_id = EXCLUDED.actor_id,
			version = EXCLUDED.version, expires_at = EXCLUDED.expires_at`, r.db.table("processed_events"))
	_, err = r.db.db.ExecContext(ctx, query,
		rec.IdempotencyKey, rec.ID, rec.EventID, rec.EventType, rec.CorrelationID,
		rec.ProcessedUTC.UTC(), string(rec.ActorKind), rec.ActorID, rec.Version, nullTime(rec.ExpiresUTC),
	)
	if err != nil {
		return xworld.ProcessedEventRecord{}, fmt.Errorf("postgres: mark %q: %w", rec.IdempotencyKey, err)
	}
	return rec, nil
}

// Sweep deletes rows whose window closed before now and returns how many.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel, err := r.db.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, r.db.table("processed_events"))
	res, err := r.db.db.ExecContext(ctx, query, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep: %w", err)
	}
	return res.RowsAffected()
}
