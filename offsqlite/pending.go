// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Operation kinds for queued local mutations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ErrPendingDelete is returned when a local mutation targets an entity whose
// deletion is already queued for push.
var ErrPendingDelete = errors.New("entity has a pending delete")

// PendingOperation is a queued local mutation awaiting remote submission. The
// queue keeps at most one row per entity: later local mutations coalesce into
// the queued one, which is what guarantees a single in-flight remote write
// per entity during push. Seq preserves FIFO submission order.
type PendingOperation struct {
	Seq         int64
	Collection  string
	ID          string
	Kind        string
	Payload     json.RawMessage
	BaseVersion []byte
	QueuedAt    time.Time
}

// EnumeratePending returns the queued operations for a collection in FIFO
// order.
func (c *Client) EnumeratePending(ctx context.Context, collection string) ([]PendingOperation, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT seq, collection, entity_id, op, payload, base_version, queued_at
		FROM _sync_pending
		WHERE collection = ?
		ORDER BY seq
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var op PendingOperation
		var payload sql.NullString
		var queuedAt string
		if err := rows.Scan(&op.Seq, &op.Collection, &op.ID, &op.Kind, &payload, &op.BaseVersion, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			op.QueuedAt = ts
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}
	return ops, nil
}

// enqueueInTx records a local mutation in the pending queue, coalescing with
// any operation already queued for the same entity:
//
//	none    + any    -> queue as-is
//	CREATE  + UPDATE -> CREATE with refreshed payload (still unseen remotely)
//	CREATE  + DELETE -> queue entry removed (the entity never went remote)
//	UPDATE  + UPDATE -> UPDATE with refreshed payload
//	UPDATE  + DELETE -> DELETE, keeping the original base version
//	DELETE  + CREATE -> UPDATE with the new payload (delete not yet pushed)
//	DELETE  + other  -> ErrPendingDelete
func (c *Client) enqueueInTx(ctx context.Context, tx *sql.Tx, collection, id, kind string, payload json.RawMessage, baseVersion []byte) error {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT op FROM _sync_pending WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return c.insertPendingInTx(ctx, tx, collection, id, kind, payload, baseVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect pending queue: %w", err)
	}

	switch {
	case existing == OpCreate && kind == OpUpdate:
		return c.replacePendingInTx(ctx, tx, collection, id, OpCreate, payload)
	case existing == OpCreate && kind == OpDelete:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_pending WHERE collection = ? AND entity_id = ?
		`, collection, id)
		if err != nil {
			return fmt.Errorf("failed to cancel pending create: %w", err)
		}
		return nil
	case existing == OpUpdate && kind == OpUpdate:
		return c.replacePendingInTx(ctx, tx, collection, id, OpUpdate, payload)
	case existing == OpUpdate && kind == OpDelete:
		return c.replacePendingInTx(ctx, tx, collection, id, OpDelete, nil)
	case existing == OpDelete && kind == OpCreate:
		return c.replacePendingInTx(ctx, tx, collection, id, OpUpdate, payload)
	case existing == OpDelete:
		return fmt.Errorf("%w: %s/%s", ErrPendingDelete, collection, id)
	default:
		return fmt.Errorf("cannot queue %s over pending %s for %s/%s", kind, existing, collection, id)
	}
}

func (c *Client) insertPendingInTx(ctx context.Context, tx *sql.Tx, collection, id, kind string, payload json.RawMessage, baseVersion []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (collection, entity_id, op, payload, base_version, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, collection, id, kind, nullableString(payload), baseVersion, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to queue %s for %s/%s: %w", kind, collection, id, err)
	}
	return nil
}

// replacePendingInTx rewrites the queued operation's kind and payload while
// keeping its seq (FIFO position) and base version.
func (c *Client) replacePendingInTx(ctx context.Context, tx *sql.Tx, collection, id, kind string, payload json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_pending SET op = ?, payload = ?, queued_at = ?
		WHERE collection = ? AND entity_id = ?
	`, kind, nullableString(payload), time.Now().UTC().Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return fmt.Errorf("failed to coalesce pending operation for %s/%s: %w", collection, id, err)
	}
	return nil
}

// clearPendingInTx removes a queued operation once its remote submission has
// been accounted for. The seq guard keeps an operation queued after the push
// snapshot was taken from being dropped.
func (c *Client) clearPendingInTx(ctx context.Context, tx *sql.Tx, op *PendingOperation) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_pending WHERE collection = ? AND entity_id = ? AND seq = ?
	`, op.Collection, op.ID, op.Seq)
	if err != nil {
		return fmt.Errorf("failed to clear pending operation for %s/%s: %w", op.Collection, op.ID, err)
	}
	return nil
}

func nullableString(payload json.RawMessage) any {
	if payload == nil {
		return nil
	}
	return string(payload)
}
