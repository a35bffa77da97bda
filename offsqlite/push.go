// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

// Push drains the pending operation queue to the remote service. Per-item
// failures are collected in the result; the returned error is non-nil only
// for local storage failures, which abort the phase.
func (c *Client) Push(ctx context.Context) (*SyncResult, error) {
	release, err := c.locks.Acquire(ctx, wholeContextKey)
	if err != nil {
		return nil, err
	}
	defer release()

	res := newSyncResult()
	if err := c.pushLocked(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// pushLocked runs the push phase under the whole-context lock. Collections
// are drained one at a time under their own lock so no local write can race
// with an in-flight submission.
func (c *Client) pushLocked(ctx context.Context, res *SyncResult) error {
	for _, col := range c.config.Collections {
		release, err := c.locks.Acquire(ctx, collectionLockKey(col.Name))
		if err != nil {
			return err
		}
		err = c.pushCollection(ctx, col, res)
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// pushCollection submits a collection's queued operations in FIFO order with
// bounded parallelism across entities. The queue holds at most one operation
// per entity, so no entity ever has two submissions outstanding.
func (c *Client) pushCollection(ctx context.Context, col Collection, res *SyncResult) error {
	ops, err := c.EnumeratePending(ctx, col.Name)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.PushParallelism)
	for i := range ops {
		op := ops[i]
		g.Go(func() error {
			return c.pushOne(gctx, col, &op, res)
		})
	}
	return g.Wait()
}

// pushOne submits a single pending operation and settles local state from
// the outcome. Returns an error only for local storage failures.
func (c *Client) pushOne(ctx context.Context, col Collection, op *PendingOperation, res *SyncResult) error {
	switch op.Kind {
	case OpCreate:
		doc, err := c.remote.Create(ctx, col.Name, op.Payload)
		if err != nil {
			c.recordPushFailure(op, err, res)
			return nil
		}
		return c.settleAccepted(ctx, op, doc, res)

	case OpUpdate:
		doc, err := c.remote.Replace(ctx, col.Name, op.ID, op.Payload, op.BaseVersion)
		if err != nil {
			c.recordPushFailure(op, err, res)
			return nil
		}
		return c.settleAccepted(ctx, op, doc, res)

	case OpDelete:
		err := c.remote.Delete(ctx, col.Name, op.ID, op.BaseVersion)
		switch {
		case err == nil, errors.Is(err, datasync.ErrNotFound):
			// 404 means already gone remotely; both count as success.
			return c.settleDeleted(ctx, op, false, res)
		case errors.Is(err, datasync.ErrGone):
			// Soft-deleted remotely already; keep a tombstone when the
			// collection tracks deletes.
			return c.settleDeleted(ctx, op, col.TrackDeletes, res)
		default:
			c.recordPushFailure(op, err, res)
			return nil
		}

	default:
		return fmt.Errorf("unknown pending operation kind %q for %s/%s", op.Kind, op.Collection, op.ID)
	}
}

// settleAccepted stores the server's accepted document locally and clears
// the pending operation, atomically.
func (c *Client) settleAccepted(ctx context.Context, op *PendingOperation, doc []byte, res *SyncResult) error {
	meta, err := datasync.ExtractMetadata(doc)
	if err != nil {
		return fmt.Errorf("failed to parse server response for %s/%s: %w", op.Collection, op.ID, err)
	}
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.upsertRowInTx(ctx, tx, op.Collection, meta.ID, doc, meta.Version, meta.UpdatedAt, false); err != nil {
			return err
		}
		return c.clearPendingInTx(ctx, tx, op)
	})
	if err != nil {
		return err
	}
	res.addCompleted()
	return nil
}

// settleDeleted finalizes a successful delete push: the pending operation is
// cleared and the local row is removed, or tombstoned when asked.
func (c *Client) settleDeleted(ctx context.Context, op *PendingOperation, tombstone bool, res *SyncResult) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if tombstone {
			_, err := tx.ExecContext(ctx, `
				UPDATE _sync_rows SET deleted = 1, updated_at = ?
				WHERE collection = ? AND entity_id = ?
			`, datasync.FormatStorageTime(time.Now().UTC()), op.Collection, op.ID)
			if err != nil {
				return fmt.Errorf("failed to tombstone local row: %w", err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM _sync_rows WHERE collection = ? AND entity_id = ?
			`, op.Collection, op.ID)
			if err != nil {
				return fmt.Errorf("failed to delete local row: %w", err)
			}
		}
		return c.clearPendingInTx(ctx, tx, op)
	})
	if err != nil {
		return err
	}
	res.addCompleted()
	return nil
}

// recordPushFailure classifies a remote failure and records it in the
// result. The pending operation stays queued in every case: conflicts await
// caller-driven resolution, retryable failures await the next cycle.
func (c *Client) recordPushFailure(op *PendingOperation, err error, res *SyncResult) {
	failed := FailedOperation{
		Collection: op.Collection,
		ID:         op.ID,
		Kind:       op.Kind,
		Message:    err.Error(),
	}

	var conflict *ConflictError
	var status *StatusError
	var transport *TransportError
	switch {
	case errors.As(err, &conflict):
		failed.Failure = FailureConflict
		failed.Status = conflict.Code
		failed.ServerItem = conflict.Entity
	case errors.As(err, &transport):
		failed.Failure = FailureRetryable
	case errors.As(err, &status):
		if status.Retryable() {
			failed.Failure = FailureRetryable
		} else {
			failed.Failure = FailureFatal
		}
		failed.Status = status.Code
	case errors.Is(err, datasync.ErrNotFound):
		failed.Failure = FailureFatal
		failed.Status = 404
	case errors.Is(err, datasync.ErrGone):
		failed.Failure = FailureFatal
		failed.Status = 410
	default:
		failed.Failure = FailureRetryable
	}

	c.logger.Warn("Push operation failed",
		"collection", op.Collection, "id", op.ID, "op", op.Kind,
		"failure", failed.Failure, "status", failed.Status)
	res.addFailure(op.ID, failed)
}
