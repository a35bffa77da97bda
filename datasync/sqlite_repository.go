// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
)

// SQLiteRepository stores one collection's entities in a SQLite table, for
// single-box deployments. Timestamps are stored as fixed-width UTC text so
// that lexical order matches chronological order.
type SQLiteRepository struct {
	db    *sql.DB
	table string
	sb    sq.StatementBuilderType
}

// NewSQLiteRepository creates the repository and its backing table if needed.
func NewSQLiteRepository(db *sql.DB, table string) (*SQLiteRepository, error) {
	if strings.ContainsAny(table, `"'; `) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		id         TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		version    BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		deleted    INTEGER NOT NULL DEFAULT 0
	)`, table)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_delta" ON "%s" (updated_at, id)`, table, table)
	if _, err := db.Exec(idx); err != nil {
		return nil, fmt.Errorf("failed to create delta index on %s: %w", table, err)
	}
	return &SQLiteRepository{db: db, table: table, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

var _ Repository = (*SQLiteRepository)(nil)

func (r *SQLiteRepository) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	since := FormatStorageTime(opts.Since)
	b := r.sb.
		Select("id", "payload", "version", "updated_at", "deleted").
		From(r.table).
		Where(sq.Or{
			sq.Gt{"updated_at": since},
			sq.And{sq.Eq{"updated_at": since}, sq.Gt{"id": opts.SinceID}},
		}).
		OrderBy("updated_at ASC", "id ASC")
	if !opts.IncludeDeleted {
		b = b.Where(sq.Eq{"deleted": 0})
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build delta query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delta query failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delta query iteration failed: %w", err)
	}
	return out, nil
}

func scanSQLiteRecord(scan func(...any) error) (*Record, error) {
	var rec Record
	var payload, updatedAt string
	var deleted int
	if err := scan(&rec.Meta.ID, &payload, &rec.Meta.Version, &updatedAt, &deleted); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	ts, err := ParseStorageTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored timestamp: %w", err)
	}
	rec.Payload = []byte(payload)
	rec.Meta.UpdatedAt = ts
	rec.Meta.Deleted = deleted != 0
	return &rec, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	query, args, err := r.sb.
		Select("id", "payload", "version", "updated_at", "deleted").
		From(r.table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build get query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	rec, err := scanSQLiteRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	query, args, err := r.sb.
		Insert(r.table).
		Columns("id", "payload", "version", "updated_at", "deleted").
		Values(rec.Meta.ID, string(rec.Payload), rec.Meta.Version,
			FormatStorageTime(rec.Meta.UpdatedAt), boolToInt(rec.Meta.Deleted)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) &&
			(sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ErrExists
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Replace(ctx context.Context, rec *Record, expectedVersion []byte) error {
	b := r.sb.
		Update(r.table).
		Set("payload", string(rec.Payload)).
		Set("version", rec.Meta.Version).
		Set("updated_at", FormatStorageTime(rec.Meta.UpdatedAt)).
		Set("deleted", boolToInt(rec.Meta.Deleted)).
		Where(sq.Eq{"id": rec.Meta.ID})
	if expectedVersion != nil {
		b = b.Where(sq.Eq{"version": expectedVersion})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return r.checkAffected(ctx, res, rec.Meta.ID)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string, expectedVersion []byte) error {
	b := r.sb.Delete(r.table).Where(sq.Eq{"id": id})
	if expectedVersion != nil {
		b = b.Where(sq.Eq{"version": expectedVersion})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *SQLiteRepository) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrVersionMismatch
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
