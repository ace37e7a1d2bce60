// Package registry implements the Point Registry (C1): the durable,
// authoritative mapping from point name/source-address to its assigned
// sequence id, backed by Postgres via pgx (§4.1).
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veltrix-io/tichain/internal/model"
)

// Registry is the Postgres-backed point catalog.
type Registry struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool against dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse registry dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open registry pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	return &Registry{pool: pool}, nil
}

// Close releases the pool.
func (r *Registry) Close() {
	r.pool.Close()
}

// Migrate applies the registry's one table, idempotently. Production
// deployments are expected to run this via an out-of-process migration
// tool; it is kept here too so a fresh dev database works out of the box.
func (r *Registry) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS points (
	sequence_id    BIGSERIAL PRIMARY KEY,
	id             UUID NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	units          TEXT NOT NULL DEFAULT '',
	value_type     TEXT NOT NULL,
	enabled        BOOLEAN NOT NULL DEFAULT true,
	data_source_id TEXT NOT NULL,
	source_address TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS points_source_name_ci_idx ON points (data_source_id, lower(name));
CREATE INDEX IF NOT EXISTS points_name_idx ON points (name);
CREATE INDEX IF NOT EXISTS points_source_address_idx ON points (data_source_id, source_address);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

// Register idempotently assigns (or returns the existing) sequence id for
// name under dataSourceID (§4.1, C1.Register). First registration wins the
// default fields; subsequent calls for an already-known name, compared
// case-insensitively, are no-ops that just return the current row.
func (r *Registry) Register(ctx context.Context, dataSourceID, name string, defaults model.PointDefaults) (*model.Point, error) {
	const q = `
INSERT INTO points (id, name, description, units, value_type, data_source_id, source_address)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
ON CONFLICT (data_source_id, lower(name)) DO UPDATE SET name = points.name
RETURNING sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at
`
	valueType := defaults.ValueType
	if valueType == "" {
		valueType = model.ValueTypeNumeric
	}
	row := r.pool.QueryRow(ctx, q, name, defaults.Description, defaults.Units, valueType, dataSourceID, defaults.SourceAddress)
	return scanPoint(row)
}

// GetBySequenceID looks up a point by its durable numeric handle.
func (r *Registry) GetBySequenceID(ctx context.Context, seq int64) (*model.Point, error) {
	const q = `SELECT sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at FROM points WHERE sequence_id = $1`
	return r.queryOne(ctx, q, seq)
}

// GetByName looks up a point by (dataSourceID, name), the natural key used
// during auto-registration lookups, compared case-insensitively to match
// the registry's unique constraint.
func (r *Registry) GetByName(ctx context.Context, dataSourceID, name string) (*model.Point, error) {
	const q = `SELECT sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at FROM points WHERE data_source_id = $1 AND lower(name) = lower($2)`
	return r.queryOne(ctx, q, dataSourceID, name)
}

// GetBySourceAddress looks up a point by its originating protocol address
// (e.g. a Modbus register or OPC-UA node id), used when a connector only
// knows the wire address and not the registered name.
func (r *Registry) GetBySourceAddress(ctx context.Context, dataSourceID, sourceAddress string) (*model.Point, error) {
	const q = `SELECT sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at FROM points WHERE data_source_id = $1 AND source_address = $2`
	return r.queryOne(ctx, q, dataSourceID, sourceAddress)
}

// Update applies a partial patch to an existing point, identified by its
// sequence id.
func (r *Registry) Update(ctx context.Context, seq int64, patch model.PointPatch) (*model.Point, error) {
	const q = `
UPDATE points SET
	description = COALESCE($2, description),
	units       = COALESCE($3, units),
	enabled     = COALESCE($4, enabled),
	value_type  = COALESCE($5, value_type),
	updated_at  = now()
WHERE sequence_id = $1
RETURNING sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at
`
	row := r.pool.QueryRow(ctx, q, seq, patch.Description, patch.Units, patch.Enabled, patch.ValueType)
	return scanPoint(row)
}

// List returns points matching filter, ordered by sequence id ascending
// with keyset pagination via filter.After.
func (r *Registry) List(ctx context.Context, filter model.PointFilter) ([]*model.Point, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	const q = `
SELECT sequence_id, id, name, description, units, value_type, enabled, data_source_id, source_address, created_at, updated_at
FROM points
WHERE ($1 = '' OR data_source_id = $1)
  AND ($2 = '' OR name ILIKE '%' || $2 || '%')
  AND (NOT $3 OR enabled)
  AND sequence_id > $4
ORDER BY sequence_id ASC
LIMIT $5
`
	rows, err := r.pool.Query(ctx, q, filter.DataSourceID, filter.NameContains, filter.EnabledOnly, filter.After, limit)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	defer rows.Close()

	var out []*model.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Registry) queryOne(ctx context.Context, q string, args ...any) (*model.Point, error) {
	row := r.pool.QueryRow(ctx, q, args...)
	p, err := scanPoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPoint(row rowScanner) (*model.Point, error) {
	var p model.Point
	var valueType string
	err := row.Scan(&p.SequenceID, &p.ID, &p.Name, &p.Description, &p.Units, &valueType, &p.Enabled, &p.DataSourceID, &p.SourceAddress, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ValueType = model.ValueType(valueType)
	return &p, nil
}
