// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"encoding/json"
	"sync"
)

// FailureKind classifies a failed operation.
type FailureKind string

const (
	// FailureRetryable marks transport-level failures (network, timeout,
	// 5xx). The pending operation stays queued and the next cycle retries.
	FailureRetryable FailureKind = "retryable"

	// FailureConflict marks optimistic-concurrency failures (409/412). The
	// pending operation stays queued for caller-driven resolution and the
	// failure carries the server's current entity snapshot.
	FailureConflict FailureKind = "conflict"

	// FailureFatal marks non-retryable failures outside the conflict
	// contract (e.g. a 404 on update).
	FailureFatal FailureKind = "fatal"
)

// FailedOperation describes one per-item failure of a sync cycle.
type FailedOperation struct {
	Collection string
	ID         string
	Kind       string // operation kind, or "PULL" for a collection fetch failure
	Failure    FailureKind
	Status     int             // HTTP status when applicable, 0 otherwise
	Message    string
	ServerItem json.RawMessage // server's current entity for conflicts
}

// SyncResult is the aggregate outcome of one synchronization cycle. It is
// populated during the cycle and must be treated as immutable once returned.
type SyncResult struct {
	mu        sync.Mutex
	Completed int
	Failed    map[string]FailedOperation
}

func newSyncResult() *SyncResult {
	return &SyncResult{Failed: make(map[string]FailedOperation)}
}

// Successful reports whether the cycle finished with no failures of any kind.
func (r *SyncResult) Successful() bool {
	return len(r.Failed) == 0
}

func (r *SyncResult) addCompleted() {
	r.mu.Lock()
	r.Completed++
	r.mu.Unlock()
}

func (r *SyncResult) addFailure(key string, f FailedOperation) {
	r.mu.Lock()
	r.Failed[key] = f
	r.mu.Unlock()
}
