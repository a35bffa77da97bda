// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"fmt"
)

// Synchronize runs one full synchronization cycle: the push phase drains
// every queued local mutation, then the pull phase applies remote changes.
// Pushing first flushes local pending edits before remote state lands
// locally, minimizing the window in which a pull could clobber an unsent
// edit.
//
// The whole-context lock is held for the duration, so cycles never overlap.
// Per-item failures are collected in the result rather than raised; the
// returned error is non-nil only for cancellation and local storage
// failures, and already-applied state is left intact in either case.
func (c *Client) Synchronize(ctx context.Context) (*SyncResult, error) {
	release, err := c.locks.Acquire(ctx, wholeContextKey)
	if err != nil {
		return nil, err
	}
	defer release()

	res := newSyncResult()
	if err := c.pushLocked(ctx, res); err != nil {
		return res, fmt.Errorf("push phase aborted: %w", err)
	}
	if err := c.pullLocked(ctx, res); err != nil {
		return res, fmt.Errorf("pull phase aborted: %w", err)
	}

	c.logger.Debug("Synchronization cycle finished",
		"completed", res.Completed, "failed", len(res.Failed))
	return res, nil
}
