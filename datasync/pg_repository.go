// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores one collection's entities in a Postgres table of
// the shape:
//
//	id         TEXT PRIMARY KEY
//	payload    JSONB NOT NULL
//	version    BYTEA NOT NULL
//	updated_at TIMESTAMPTZ NOT NULL
//	deleted    BOOLEAN NOT NULL DEFAULT FALSE
//
// A (updated_at, id) index is recommended for delta queries.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	table string
	sb    sq.StatementBuilderType
}

// NewPostgresRepository creates a repository over an existing pool. The table
// must already exist (see the sample server's goose migrations).
func NewPostgresRepository(pool *pgxpool.Pool, table string) *PostgresRepository {
	return &PostgresRepository{
		pool:  pool,
		table: table,
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	b := r.sb.
		Select("id", "payload", "version", "updated_at", "deleted").
		From(r.table).
		Where(sq.Or{
			sq.Gt{"updated_at": opts.Since},
			sq.And{sq.Eq{"updated_at": opts.Since}, sq.Gt{"id": opts.SinceID}},
		}).
		OrderBy("updated_at ASC", "id ASC")
	if !opts.IncludeDeleted {
		b = b.Where(sq.Eq{"deleted": false})
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build delta query: %w", err)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delta query failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Meta.ID, &rec.Payload, &rec.Meta.Version, &rec.Meta.UpdatedAt, &rec.Meta.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Meta.UpdatedAt = rec.Meta.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delta query iteration failed: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query, args, err := r.sb.
		Select("id", "payload", "version", "updated_at", "deleted").
		From(r.table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build get query: %w", err)
	}

	var rec Record
	err = r.pool.QueryRow(ctx, query, args...).
		Scan(&rec.Meta.ID, &rec.Payload, &rec.Meta.Version, &rec.Meta.UpdatedAt, &rec.Meta.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Meta.UpdatedAt = rec.Meta.UpdatedAt.UTC()
	return &rec, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	query, args, err := r.sb.
		Insert(r.table).
		Columns("id", "payload", "version", "updated_at", "deleted").
		Values(rec.Meta.ID, rec.Payload, rec.Meta.Version, rec.Meta.UpdatedAt, rec.Meta.Deleted).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Replace(ctx context.Context, rec *Record, expectedVersion []byte) error {
	b := r.sb.
		Update(r.table).
		Set("payload", rec.Payload).
		Set("version", rec.Meta.Version).
		Set("updated_at", rec.Meta.UpdatedAt).
		Set("deleted", rec.Meta.Deleted).
		Where(sq.Eq{"id": rec.Meta.ID})
	if expectedVersion != nil {
		b = b.Where(sq.Eq{"version": expectedVersion})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMismatch(ctx, rec.Meta.ID)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string, expectedVersion []byte) error {
	b := r.sb.Delete(r.table).Where(sq.Eq{"id": id})
	if expectedVersion != nil {
		b = b.Where(sq.Eq{"version": expectedVersion})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMismatch(ctx, id)
	}
	return nil
}

// missOrMismatch distinguishes a missing row from a failed version
// precondition after a zero-row write.
func (r *PostgresRepository) missOrMismatch(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrVersionMismatch
}
