package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trickstertwo/xworld"
)

// DeadLetterStore appends quarantined records. Rows are never updated.
type DeadLetterStore struct {
	db *DB
}

var _ xworld.DeadLetterStore = (*DeadLetterStore)(nil)

func (d *DB) DeadLetters() *DeadLetterStore { return &DeadLetterStore{db: d} }

func (s *DeadLetterStore) Store(ctx context.Context, rec xworld.DeadLetterRecord) error {
	env, err := json.Marshal(rec.RedactedEnvelope)
	if err != nil {
		return fmt.Errorf("postgres: encode dead letter %s: %w", rec.ID, err)
	}
	details, err := json.Marshal(rec.Error)
	if err != nil {
		return fmt.Errorf("postgres: encode dead letter %s: %w", rec.ID, err)
	}
	pk := rec.PartitionKey
	if pk == "" {
		pk = xworld.DeadLetterPartitionKey
	}

	ctx, cancel, err := s.db.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, partition_key, original_event_id, event_type, actor_kind, occurred_utc,
			correlation_id, redacted_envelope, error, category, dead_lettered_at, redacted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.db.table("dead_letters"))
	_, err = s.db.db.ExecContext(ctx, query,
		rec.ID, pk, rec.OriginalEventID, rec.EventType, rec.ActorKind, rec.OccurredUTC,
		rec.CorrelationID, string(env), string(details), string(rec.Error.Category),
		rec.DeadLetteredUTC.UTC(), rec.Redacted,
	)
	if err != nil {
		return fmt.Errorf("postgres: store dead letter %s: %w", rec.ID, err)
	}
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]xworld.DeadLetterRecord, error) {
	ctx, cancel, err := s.db.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, partition_key, original_event_id, event_type, actor_kind, occurred_utc,
			correlation_id, redacted_envelope, error, dead_lettered_at, redacted
		FROM %s WHERE partition_key = $1
		ORDER BY dead_lettered_at DESC, id DESC`, s.db.table("dead_letters"))
	args := []any{xworld.DeadLetterPartitionKey}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []xworld.DeadLetterRecord
	for rows.Next() {
		var (
			rec     xworld.DeadLetterRecord
			env     string
			details string
		)
		if err := rows.Scan(&rec.ID, &rec.PartitionKey, &rec.OriginalEventID, &rec.EventType, &rec.ActorKind,
			&rec.OccurredUTC, &rec.CorrelationID, &env, &details, &rec.DeadLetteredUTC, &rec.Redacted); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		dec := json.NewDecoder(strings.NewReader(env))
		dec.UseNumber()
		if err := dec.Decode(&rec.RedactedEnvelope); err != nil {
			return nil, fmt.Errorf("postgres: decode dead letter %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(details), &rec.Error); err != nil {
			return nil, fmt.Errorf("postgres: decode dead letter %s: %w", rec.ID, err)
		}
		rec.DeadLetteredUTC = rec.DeadLetteredUTC.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
