// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

func TestPushCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, tables := newServerBackedClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}))

	id, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"title":"buy milk"}`))
	require.NoError(t, err)

	res, err := c.Push(ctx)
	require.NoError(t, err)
	assert.True(t, res.Successful())
	assert.Equal(t, 1, res.Completed)

	// The server holds the entity.
	rec, err := tables["todoitem"].Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Meta.Version)

	// The local row now carries the server-assigned version and the queue
	// is empty.
	ops, err := c.EnumeratePending(ctx, "todoitem")
	require.NoError(t, err)
	assert.Empty(t, ops)
	doc, err := c.Get(ctx, "todoitem", id)
	require.NoError(t, err)
	meta, err := datasync.ExtractMetadata(doc)
	require.NoError(t, err)
	assert.Equal(t, rec.Meta.Version, meta.Version)

	// Nothing left to push: the next cycle is a no-op.
	res, err = c.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Completed)
}

func TestPushUpdateConflictKeepsOperationQueued(t *testing.T) {
	ctx := context.Background()
	c, tables := newServerBackedClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}))

	id, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	res, err := c.Synchronize(ctx)
	require.NoError(t, err)
	require.True(t, res.Successful())

	// Another client edits the entity remotely, invalidating our version.
	_, err = tables["todoitem"].Replace(ctx, id, json.RawMessage(`{"title":"theirs"}`), nil)
	require.NoError(t, err)

	require.NoError(t, c.Update(ctx, "todoitem", id, json.RawMessage(`{"title":"ours"}`)))
	res, err = c.Push(ctx)
	require.NoError(t, err)
	assert.False(t, res.Successful())

	failed, ok := res.Failed[id]
	require.True(t, ok)
	assert.Equal(t, FailureConflict, failed.Failure)
	assert.Equal(t, http.StatusPreconditionFailed, failed.Status)
	require.NotEmpty(t, failed.ServerItem, "conflict carries the server's current entity")
	meta, err := datasync.ExtractMetadata(failed.ServerItem)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)

	// The operation stays queued for resolution.
	ops, err := c.EnumeratePending(ctx, "todoitem")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpdate, ops[0].Kind)
}

func TestPushCreateConflict(t *testing.T) {
	ctx := context.Background()
	c, tables := newServerBackedClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}))

	// The id is already taken remotely.
	_, err := tables["todoitem"].Create(ctx, json.RawMessage(`{"id":"t1","title":"theirs"}`))
	require.NoError(t, err)

	_, err = c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"t1","title":"ours"}`))
	require.NoError(t, err)

	res, err := c.Push(ctx)
	require.NoError(t, err)
	failed, ok := res.Failed["t1"]
	require.True(t, ok)
	assert.Equal(t, FailureConflict, failed.Failure)
	assert.Equal(t, http.StatusConflict, failed.Status)
	assert.Contains(t, string(failed.ServerItem), "theirs")
}

func TestPushDeleteAlreadyGone(t *testing.T) {
	ctx := context.Background()
	c, tables := newServerBackedClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}))

	id, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	res, err := c.Synchronize(ctx)
	require.NoError(t, err)
	require.True(t, res.Successful())

	// Deleted remotely by someone else first.
	require.NoError(t, tables["todoitem"].Delete(ctx, id, nil))

	require.NoError(t, c.Delete(ctx, "todoitem", id))
	res, err = c.Push(ctx)
	require.NoError(t, err)
	assert.True(t, res.Successful(), "remote 410 on delete still settles the local delete")
	assert.Equal(t, 1, res.Completed)

	ops, err := c.EnumeratePending(ctx, "todoitem")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestPushRetryableFailureKeepsOperationQueued(t *testing.T) {
	ctx := context.Background()
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, `{"code":"internal","message":"down"}`), nil
	})
	c := newTestClient(t, DefaultConfig(Collection{Name: "todoitem"}), rt)

	id, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)

	res, err := c.Push(ctx)
	require.NoError(t, err, "remote failures are per-item results, not errors")
	failed, ok := res.Failed[id]
	require.True(t, ok)
	assert.Equal(t, FailureRetryable, failed.Failure)
	assert.Equal(t, http.StatusServiceUnavailable, failed.Status)

	ops, err := c.EnumeratePending(ctx, "todoitem")
	require.NoError(t, err)
	require.Len(t, ops, 1, "retryable failures leave the operation queued")
}

func TestPushBoundsParallelism(t *testing.T) {
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return jsonResponse(http.StatusServiceUnavailable, `{}`), nil
	})

	config := DefaultConfig(Collection{Name: "todoitem"})
	config.PushParallelism = 2
	c := newTestClient(t, config, rt)

	for i := 0; i < 8; i++ {
		_, err := c.Insert(ctx, "todoitem", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := c.Push(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
