// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

// Pull fetches remote changes for every configured collection and applies
// them to the local store. Fetch failures are recorded per collection in the
// result; the returned error is non-nil only for local storage failures.
func (c *Client) Pull(ctx context.Context) (*SyncResult, error) {
	release, err := c.locks.Acquire(ctx, wholeContextKey)
	if err != nil {
		return nil, err
	}
	defer release()

	res := newSyncResult()
	if err := c.pullLocked(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// pullLocked runs the pull phase under the whole-context lock.
func (c *Client) pullLocked(ctx context.Context, res *SyncResult) error {
	for _, col := range c.config.Collections {
		release, err := c.locks.Acquire(ctx, collectionLockKey(col.Name))
		if err != nil {
			return err
		}
		err = c.pullCollection(ctx, col, res)
		release()

		if err == nil {
			continue
		}
		if isFetchFailure(err) {
			c.logger.Warn("Pull failed for collection", "collection", col.Name, "error", err)
			res.addFailure(col.Name, FailedOperation{
				Collection: col.Name,
				Kind:       "PULL",
				Failure:    FailureRetryable,
				Status:     statusOf(err),
				Message:    err.Error(),
			})
			if c.config.AbortOnPullError {
				return nil
			}
			continue
		}
		// Local storage failure: fatal to the cycle.
		return err
	}
	return nil
}

// isFetchFailure distinguishes remote fetch failures (recorded, cursor left
// at the last applied page) from local storage failures (fatal).
func isFetchFailure(err error) bool {
	var transport *TransportError
	var status *StatusError
	return errors.As(err, &transport) || errors.As(err, &status)
}

func statusOf(err error) int {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	return 0
}

// pullCollection loops pages of remote changes since the collection's cursor
// until the server is exhausted. Each page is applied and the cursor advanced
// in a single transaction; a failure mid-stream therefore never loses applied
// data and never advances the cursor past it.
func (c *Client) pullCollection(ctx context.Context, col Collection, res *SyncResult) error {
	cursor, err := c.GetCursor(ctx, col.Name)
	if err != nil {
		return err
	}

	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := c.remote.Page(ctx, PageRequest{
			Collection:     col.Name,
			Cursor:         token,
			Since:          cursor.UpdatedAt,
			SinceID:        cursor.LastID,
			Limit:          c.config.PageSize,
			IncludeDeleted: col.TrackDeletes,
			Extra:          col.Query,
		})
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			return nil
		}

		next, err := c.applyPage(ctx, col, page.Items)
		if err != nil {
			return err
		}
		res.mu.Lock()
		res.Completed += len(page.Items)
		res.mu.Unlock()

		// Prefer the server's continuation token; fall back to the
		// page-size heuristic for servers that do not issue one.
		token = page.NextCursor
		more := token != "" || len(page.Items) == c.config.PageSize
		if !more {
			return nil
		}
		// Forward-progress guard: stop rather than loop on a server that
		// signals more data without moving the boundary.
		if !cursor.before(next) {
			c.logger.Warn("Pull made no forward progress; stopping", "collection", col.Name)
			return nil
		}
		cursor = next
	}
}

// applyPage applies one page of remote entities and advances the cursor to
// the page's last (updatedAt, id), all in one transaction. Remote state wins
// unconditionally; conflicting local edits are resolved only through the
// push path's version precondition.
func (c *Client) applyPage(ctx context.Context, col Collection, items []json.RawMessage) (Cursor, error) {
	var last Cursor
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			meta, err := datasync.ExtractMetadata(item)
			if err != nil {
				return fmt.Errorf("failed to parse pulled entity: %w", err)
			}
			if meta.ID == "" {
				return fmt.Errorf("pulled entity has no id")
			}

			// Same id and byte-identical version means identical record;
			// skip the rewrite but still advance the cursor boundary.
			if local, derr := c.localVersionInTx(ctx, tx, col.Name, meta.ID); derr == nil && versionsEqual(local, meta.Version) && len(meta.Version) > 0 {
				last = Cursor{UpdatedAt: meta.UpdatedAt, LastID: meta.ID}
				continue
			}

			if meta.Deleted {
				if col.TrackDeletes {
					if err := c.upsertRowInTx(ctx, tx, col.Name, meta.ID, item, meta.Version, meta.UpdatedAt, true); err != nil {
						return err
					}
				} else if _, err := tx.ExecContext(ctx, `
					DELETE FROM _sync_rows WHERE collection = ? AND entity_id = ?
				`, col.Name, meta.ID); err != nil {
					return fmt.Errorf("failed to remove deleted row %s/%s: %w", col.Name, meta.ID, err)
				}
			} else if err := c.upsertRowInTx(ctx, tx, col.Name, meta.ID, item, meta.Version, meta.UpdatedAt, false); err != nil {
				return err
			}

			last = Cursor{UpdatedAt: meta.UpdatedAt, LastID: meta.ID}
		}
		return c.advanceCursorInTx(ctx, tx, col.Name, last)
	})
	if err != nil {
		return Cursor{}, err
	}
	return last, nil
}
