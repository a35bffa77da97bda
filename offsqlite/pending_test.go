// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

func pendingTestClient(t *testing.T) *Client {
	t.Helper()
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected remote call: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})
	return newTestClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}), rt)
}

func pendingFor(t *testing.T, c *Client, id string) *PendingOperation {
	t.Helper()
	ops, err := c.EnumeratePending(context.Background(), "todoitem")
	require.NoError(t, err)
	for i := range ops {
		if ops[i].ID == id {
			return &ops[i]
		}
	}
	return nil
}

func TestLocalInsertQueuesCreate(t *testing.T) {
	ctx := context.Background()
	c := pendingTestClient(t)

	id, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id, "missing id is assigned")

	op := pendingFor(t, c, id)
	require.NotNil(t, op)
	assert.Equal(t, OpCreate, op.Kind)
	assert.Nil(t, op.BaseVersion)

	// The assigned id is stamped into the stored document.
	doc, err := c.Get(ctx, "todoitem", id)
	require.NoError(t, err)
	meta, err := datasync.ExtractMetadata(doc)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)

	// Inserting the same id again is rejected.
	_, err = c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"`+id+`"}`))
	require.ErrorIs(t, err, datasync.ErrExists)

	_, err = c.Insert(ctx, "unknown", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestPendingCoalescing(t *testing.T) {
	ctx := context.Background()

	t.Run("create then update stays create", func(t *testing.T) {
		c := pendingTestClient(t)
		_, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"t1","title":"a"}`))
		require.NoError(t, err)
		require.NoError(t, c.Update(ctx, "todoitem", "t1", json.RawMessage(`{"title":"b"}`)))

		op := pendingFor(t, c, "t1")
		require.NotNil(t, op)
		assert.Equal(t, OpCreate, op.Kind)
		assert.Contains(t, string(op.Payload), `"b"`)

		ops, err := c.EnumeratePending(ctx, "todoitem")
		require.NoError(t, err)
		assert.Len(t, ops, 1, "queue holds one row per entity")
	})

	t.Run("create then delete cancels out", func(t *testing.T) {
		c := pendingTestClient(t)
		_, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"t1"}`))
		require.NoError(t, err)
		require.NoError(t, c.Delete(ctx, "todoitem", "t1"))

		ops, err := c.EnumeratePending(ctx, "todoitem")
		require.NoError(t, err)
		assert.Empty(t, ops, "an unsent create followed by delete leaves nothing to push")

		_, err = c.Get(ctx, "todoitem", "t1")
		require.ErrorIs(t, err, datasync.ErrNotFound)
	})

	t.Run("update then update keeps one row", func(t *testing.T) {
		c := serverBackedUpdatableClient(t, "t1")
		require.NoError(t, c.Update(ctx, "todoitem", "t1", json.RawMessage(`{"title":"b"}`)))
		require.NoError(t, c.Update(ctx, "todoitem", "t1", json.RawMessage(`{"title":"c"}`)))

		ops, err := c.EnumeratePending(ctx, "todoitem")
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, OpUpdate, ops[0].Kind)
		assert.Contains(t, string(ops[0].Payload), `"c"`)
		assert.NotNil(t, ops[0].BaseVersion, "update keeps the known server version")
	})

	t.Run("update then delete becomes delete with original base version", func(t *testing.T) {
		c := serverBackedUpdatableClient(t, "t1")
		require.NoError(t, c.Update(ctx, "todoitem", "t1", json.RawMessage(`{"title":"b"}`)))
		before := pendingFor(t, c, "t1")
		require.NotNil(t, before)

		require.NoError(t, c.Delete(ctx, "todoitem", "t1"))
		op := pendingFor(t, c, "t1")
		require.NotNil(t, op)
		assert.Equal(t, OpDelete, op.Kind)
		assert.Nil(t, op.Payload)
		assert.Equal(t, before.BaseVersion, op.BaseVersion)
		assert.Equal(t, before.Seq, op.Seq, "coalescing keeps the queue position")
	})

	t.Run("delete then insert becomes update", func(t *testing.T) {
		c := serverBackedUpdatableClient(t, "t1")
		require.NoError(t, c.Delete(ctx, "todoitem", "t1"))
		_, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"t1","title":"again"}`))
		require.NoError(t, err)

		op := pendingFor(t, c, "t1")
		require.NotNil(t, op)
		assert.Equal(t, OpUpdate, op.Kind)
		assert.Contains(t, string(op.Payload), `"again"`)
	})

	t.Run("delete then update is rejected", func(t *testing.T) {
		c := serverBackedUpdatableClient(t, "t1")
		require.NoError(t, c.Delete(ctx, "todoitem", "t1"))
		err := c.Update(ctx, "todoitem", "t1", json.RawMessage(`{"title":"b"}`))
		require.Error(t, err)
	})
}

// serverBackedUpdatableClient returns a client whose local store already holds
// entity id with a server-assigned version and an empty pending queue, as if
// a previous sync cycle had completed.
func serverBackedUpdatableClient(t *testing.T, id string) *Client {
	t.Helper()
	c, _ := newServerBackedClient(t, DefaultConfig(Collection{Name: "todoitem", TrackDeletes: true}))
	ctx := context.Background()

	_, err := c.Insert(ctx, "todoitem", json.RawMessage(`{"id":"`+id+`","title":"a"}`))
	require.NoError(t, err)
	res, err := c.Synchronize(ctx)
	require.NoError(t, err)
	require.True(t, res.Successful())

	ops, err := c.EnumeratePending(ctx, "todoitem")
	require.NoError(t, err)
	require.Empty(t, ops)
	return c
}
