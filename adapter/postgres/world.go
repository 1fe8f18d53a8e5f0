package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trickstertwo/xworld/world"
)

// WorldStore keeps exits and narrative layers. Uniqueness is enforced by
// primary keys, so concurrent creators race safely.
type WorldStore struct {
	db *DB
}

var (
	_ world.ExitRepository  = (*WorldStore)(nil)
	_ world.LayerRepository = (*WorldStore)(nil)
)

func (d *DB) World() *WorldStore { return &WorldStore{db: d} }

func (w *WorldStore) CreateExit(ctx context.Context, e world.Exit) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	ctx, cancel, err := w.db.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (from_location_id, direction, to_location_id, created_at, event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_location_id, direction) DO NOTHING`, w.db.table("exits"))
	res, err := w.db.db.ExecContext(ctx, query,
		e.FromLocationID, string(e.Direction), e.ToLocationID, e.CreatedUTC.UTC(), e.EventID)
	if err != nil {
		return false, fmt.Errorf("postgres: create exit %s/%s: %w", e.FromLocationID, e.Direction, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (w *WorldStore) ListExits(ctx context.Context, from string) ([]world.Exit, error) {
	ctx, cancel, err := w.db.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT from_location_id, direction, to_location_id, created_at, event_id
		FROM %s WHERE from_location_id = $1 ORDER BY direction`, w.db.table("exits"))
	rows, err := w.db.db.QueryContext(ctx, query, from)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exits %s: %w", from, err)
	}
	defer rows.Close()

	var out []world.Exit
	for rows.Next() {
		var (
			e   world.Exit
			dir string
		)
		if err := rows.Scan(&e.FromLocationID, &dir, &e.ToLocationID, &e.CreatedUTC, &e.EventID); err != nil {
			return nil, fmt.Errorf("postgres: scan exit: %w", err)
		}
		e.Direction = world.Direction(dir)
		e.CreatedUTC = e.CreatedUTC.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (w *WorldStore) AddLayer(ctx context.Context, l world.Layer) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return false, fmt.Errorf("postgres: encode layer %s: %w", l.ID, err)
	}
	ctx, cancel, err := w.db.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, location_id, layer_type, layer_key, content, attributes, created_at, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location_id, layer_type, layer_key) DO NOTHING`, w.db.table("layers"))
	res, err := w.db.db.ExecContext(ctx, query,
		l.ID, l.LocationID, string(l.Type), l.Key, l.Content, string(attrs), l.CreatedUTC.UTC(), l.EventID)
	if err != nil {
		return false, fmt.Errorf("postgres: add layer %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (w *WorldStore) FindLayer(ctx context.Context, location string, typ world.LayerType, key string) (*world.Layer, error) {
	ctx, cancel, err := w.db.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, location_id, layer_type, layer_key, content, attributes, created_at, event_id
		FROM %s WHERE location_id = $1 AND layer_type = $2 AND layer_key = $3`, w.db.table("layers"))
	var (
		l     world.Layer
		lt    string
		attrs string
	)
	err = w.db.db.QueryRowContext(ctx, query, location, string(typ), key).Scan(
		&l.ID, &l.LocationID, &lt, &l.Key, &l.Content, &attrs, &l.CreatedUTC, &l.EventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find layer %s/%s/%s: %w", location, typ, key, err)
	}
	l.Type = world.LayerType(lt)
	l.CreatedUTC = l.CreatedUTC.UTC()
	if err := json.Unmarshal([]byte(attrs), &l.Attributes); err != nil {
		return nil, fmt.Errorf("postgres: decode layer %s: %w", l.ID, err)
	}
	return &l, nil
}
