// Package postgres persists the processed-event registry, dead letters and
// the world graph in PostgreSQL. Tables are created on first use.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	DefaultTablePrefix = "xworld_"
	operationTimeout   = 5 * time.Second
)

var ErrInvalidDSN = errors.New("postgres: dsn is required")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// DB owns one connection pool shared by every store built from it.
type DB struct {
	dsn    string
	prefix string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type Option func(*DB)

// WithTablePrefix namespaces every table; default DefaultTablePrefix.
func WithTablePrefix(p string) Option {
	return func(d *DB) {
		if p = strings.TrimSpace(p); p != "" {
			d.prefix = p
		}
	}
}

// Open validates dsn. The connection and schema are set up lazily.
func Open(dsn string, opts ...Option) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	d := &DB{dsn: dsn, prefix: DefaultTablePrefix, openDB: sql.Open}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping opens the pool, creates the schema and checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.ensureReady(); err != nil {
		return err
	}
	return d.db.PingContext(ctx)
}

func (d *DB) table(name string) string { return quoteIdentifier(d.prefix + name) }

func (d *DB) ensureReady() error {
	d.initOnce.Do(func() {
		db, err := d.openDB("postgres", d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		for _, stmt := range d.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				d.initErr = fmt.Errorf("postgres: create schema: %w", err)
				return
			}
		}
		d.db = db
	})
	return d.initErr
}

func (d *DB) schema() []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				idempotency_key TEXT PRIMARY KEY,
				id TEXT NOT NULL,
				event_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				correlation_id TEXT NOT NULL DEFAULT '',
				processed_at TIMESTAMPTZ NOT NULL,
				actor_kind TEXT NOT NULL,
				actor_id TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				expires_at TIMESTAMPTZ NULL
			)`, d.table("processed_events")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				partition_key TEXT NOT NULL,
				original_event_id TEXT NOT NULL DEFAULT '',
				event_type TEXT NOT NULL DEFAULT '',
				actor_kind TEXT NOT NULL DEFAULT '',
				occurred_utc TEXT NOT NULL DEFAULT '',
				correlation_id TEXT NOT NULL DEFAULT '',
				redacted_envelope TEXT NOT NULL,
				error TEXT NOT NULL,
				category TEXT NOT NULL,
				dead_lettered_at TIMESTAMPTZ NOT NULL,
				redacted BOOLEAN NOT NULL
			)`, d.table("dead_letters")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				from_location_id TEXT NOT NULL,
				direction TEXT NOT NULL,
				to_location_id TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				event_id TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (from_location_id, direction)
			)`, d.table("exits")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT NOT NULL UNIQUE,
				location_id TEXT NOT NULL,
				layer_type TEXT NOT NULL,
				layer_key TEXT NOT NULL,
				content TEXT NOT NULL,
				attributes TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL,
				event_id TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (location_id, layer_type, layer_key)
			)`, d.table("layers")),
	}
}

// op readies the pool and bounds a single statement.
func (d *DB) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := d.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	return ctx, cancel, nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
