// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewSQLiteRepository(db, "todoitem")
	require.NoError(t, err)
	return repo
}

func TestSQLiteRepositoryRejectsBadTableName(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLiteRepository(db, `todo"; DROP TABLE x`)
	assert.Error(t, err)
}

func TestSQLiteRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)

	rec := mkRecord("t1", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), "v1", false)
	require.NoError(t, repo.Create(ctx, rec))
	require.ErrorIs(t, repo.Create(ctx, rec), ErrExists)

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, rec.Meta.ID, got.Meta.ID)
	assert.Equal(t, rec.Meta.Version, got.Meta.Version)
	assert.True(t, rec.Meta.UpdatedAt.Equal(got.Meta.UpdatedAt))
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Replace honors the version precondition.
	next := mkRecord("t1", rec.Meta.UpdatedAt.Add(time.Second), "v2", false)
	require.ErrorIs(t, repo.Replace(ctx, next, []byte("stale")), ErrVersionMismatch)
	require.NoError(t, repo.Replace(ctx, next, []byte("v1")))
	got, err = repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Meta.Version)

	// Unconditional replace (nil expected version).
	next = mkRecord("t1", next.Meta.UpdatedAt.Add(time.Second), "v3", true)
	require.NoError(t, repo.Replace(ctx, next, nil))
	got, err = repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Meta.Deleted)

	require.ErrorIs(t, repo.Replace(ctx, mkRecord("missing", time.Now(), "v", false), nil), ErrNotFound)

	require.ErrorIs(t, repo.Delete(ctx, "t1", []byte("stale")), ErrVersionMismatch)
	require.NoError(t, repo.Delete(ctx, "t1", []byte("v3")))
	_, err = repo.Get(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, repo.Delete(ctx, "t1", nil), ErrNotFound)
}

func TestSQLiteRepositoryDeltaQuery(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, mkRecord("b", base.Add(1*time.Millisecond), "v", false)))
	require.NoError(t, repo.Create(ctx, mkRecord("a", base.Add(2*time.Millisecond), "v", false)))
	// Two records in the same millisecond: id breaks the tie.
	require.NoError(t, repo.Create(ctx, mkRecord("d", base.Add(3*time.Millisecond), "v", false)))
	require.NoError(t, repo.Create(ctx, mkRecord("c", base.Add(3*time.Millisecond), "v", true)))

	recs, err := repo.Query(ctx, QueryOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "b", recs[0].Meta.ID)
	assert.Equal(t, "a", recs[1].Meta.ID)
	assert.Equal(t, "c", recs[2].Meta.ID)
	assert.Equal(t, "d", recs[3].Meta.ID)

	// Tombstones excluded by default.
	recs, err = repo.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// Boundary is strictly-after, with the id tie-break.
	recs, err = repo.Query(ctx, QueryOptions{
		Since:          base.Add(3 * time.Millisecond),
		SinceID:        "c",
		IncludeDeleted: true,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d", recs[0].Meta.ID)

	recs, err = repo.Query(ctx, QueryOptions{IncludeDeleted: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestStorageTimeOrder(t *testing.T) {
	// Lexical order of the stored text must match chronological order,
	// including sub-second boundaries that RFC3339Nano would trim.
	a := FormatStorageTime(time.Date(2026, 8, 1, 10, 0, 0, 500_000_000, time.UTC))
	b := FormatStorageTime(time.Date(2026, 8, 1, 10, 0, 0, 510_000_000, time.UTC))
	assert.Less(t, a, b)

	ts, err := ParseStorageTime(a)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 8, 1, 10, 0, 0, 500_000_000, time.UTC)))
}
