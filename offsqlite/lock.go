// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"sync"
)

// wholeContextKey is the reserved lock key serializing full synchronization
// cycles. The NUL prefix keeps it out of the collection-name keyspace.
const wholeContextKey = "\x00whole-context"

func collectionLockKey(name string) string { return "collection:" + name }

// LockTable is a keyed asynchronous mutual-exclusion primitive. Acquisition
// is FIFO-fair per key and cancellable: a cancelled acquire either never held
// the lock or releases it immediately, never leaving a partial state.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	held    bool
	waiters []chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is free or ctx is done. On success it
// returns a release function that must be called exactly once; calling it
// again is a no-op.
func (lt *LockTable) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lt.mu.Lock()
	e := lt.entries[key]
	if e == nil {
		e = &lockEntry{}
		lt.entries[key] = e
	}
	if !e.held {
		e.held = true
		lt.mu.Unlock()
		return lt.releaseFunc(key), nil
	}

	// Queue behind the current holder. Grants are handed off in FIFO order
	// by closing the head waiter's channel.
	grant := make(chan struct{})
	e.waiters = append(e.waiters, grant)
	lt.mu.Unlock()

	select {
	case <-grant:
		return lt.releaseFunc(key), nil
	case <-ctx.Done():
		lt.mu.Lock()
		for i, w := range e.waiters {
			if w == grant {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				lt.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		lt.mu.Unlock()
		// The grant raced with cancellation: we own the lock, give it up.
		lt.releaseFunc(key)()
		return nil, ctx.Err()
	}
}

func (lt *LockTable) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			lt.mu.Lock()
			defer lt.mu.Unlock()
			e := lt.entries[key]
			if e == nil {
				return
			}
			if len(e.waiters) > 0 {
				grant := e.waiters[0]
				e.waiters = e.waiters[1:]
				close(grant) // ownership hands off; held stays true
				return
			}
			delete(lt.entries, key)
		})
	}
}
