// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

// ErrCursorRegression is returned when an advance would move a collection's
// pull cursor backwards. Cursors only move forward; use ResetCursor for an
// explicit full re-pull.
var ErrCursorRegression = errors.New("cursor advance would regress")

// Cursor is the incremental-pull high-water-mark for one collection: the
// (updatedAt, id) boundary of the last durably applied entity. The id
// tie-break keeps paging deterministic when many entities share one
// timestamp. The zero value means "from the epoch".
type Cursor struct {
	UpdatedAt time.Time
	LastID    string
}

// IsZero reports whether the cursor is at the epoch start.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.LastID == ""
}

// before reports whether c orders strictly before other.
func (c Cursor) before(other Cursor) bool {
	if !c.UpdatedAt.Equal(other.UpdatedAt) {
		return c.UpdatedAt.Before(other.UpdatedAt)
	}
	return c.LastID < other.LastID
}

// GetCursor returns the persisted cursor for a collection, or the zero cursor
// when the collection has never pulled.
func (c *Client) GetCursor(ctx context.Context, collection string) (Cursor, error) {
	var updatedAt, lastID string
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_updated_at, last_id FROM _sync_cursors WHERE collection = ?
	`, collection).Scan(&updatedAt, &lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor for %s: %w", collection, err)
	}
	ts, err := datasync.ParseStorageTime(updatedAt)
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to parse stored cursor for %s: %w", collection, err)
	}
	return Cursor{UpdatedAt: ts, LastID: lastID}, nil
}

// AdvanceCursor moves a collection's cursor forward. Regressions are rejected
// with ErrCursorRegression.
func (c *Client) AdvanceCursor(ctx context.Context, collection string, next Cursor) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cursor tx: %w", err)
	}
	defer tx.Rollback()
	if err := c.advanceCursorInTx(ctx, tx, collection, next); err != nil {
		return err
	}
	return tx.Commit()
}

// advanceCursorInTx advances the cursor inside the transaction that applied
// the corresponding pull page, so a crash can never separate the two.
func (c *Client) advanceCursorInTx(ctx context.Context, tx *sql.Tx, collection string, next Cursor) error {
	var updatedAt, lastID string
	err := tx.QueryRowContext(ctx, `
		SELECT last_updated_at, last_id FROM _sync_cursors WHERE collection = ?
	`, collection).Scan(&updatedAt, &lastID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first advance for this collection
	case err != nil:
		return fmt.Errorf("failed to read cursor for %s: %w", collection, err)
	default:
		ts, perr := datasync.ParseStorageTime(updatedAt)
		if perr != nil {
			return fmt.Errorf("failed to parse stored cursor for %s: %w", collection, perr)
		}
		cur := Cursor{UpdatedAt: ts, LastID: lastID}
		if next.before(cur) {
			return fmt.Errorf("%w: %s", ErrCursorRegression, collection)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_cursors (collection, last_updated_at, last_id)
		VALUES (?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET
			last_updated_at = excluded.last_updated_at,
			last_id = excluded.last_id
	`, collection, datasync.FormatStorageTime(next.UpdatedAt), next.LastID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", collection, err)
	}
	return nil
}

// ResetCursor clears a collection's cursor so the next pull starts from the
// epoch.
func (c *Client) ResetCursor(ctx context.Context, collection string) error {
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM _sync_cursors WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to reset cursor for %s: %w", collection, err)
	}
	return nil
}
