// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryRepository is an in-memory Repository, suitable for tests and for
// single-process deployments that do not need durability.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]*Record
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Record)}
}

var _ Repository = (*MemoryRepository)(nil)

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Meta.Version = bytes.Clone(rec.Meta.Version)
	cp.Payload = bytes.Clone(rec.Payload)
	return &cp
}

// recordAfter reports whether rec falls strictly after the (since, sinceID)
// boundary in (updated_at, id) order.
func recordAfter(rec *Record, opts QueryOptions) bool {
	if rec.Meta.UpdatedAt.After(opts.Since) {
		return true
	}
	return rec.Meta.UpdatedAt.Equal(opts.Since) && rec.Meta.ID > opts.SinceID
}

func (r *MemoryRepository) Query(_ context.Context, opts QueryOptions) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.rows {
		if rec.Meta.Deleted && !opts.IncludeDeleted {
			continue
		}
		if !recordAfter(rec, opts) {
			continue
		}
		out = append(out, *cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if !a.Meta.UpdatedAt.Equal(b.Meta.UpdatedAt) {
			return a.Meta.UpdatedAt.Before(b.Meta.UpdatedAt)
		}
		return a.Meta.ID < b.Meta.ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.Meta.ID]; ok {
		return ErrExists
	}
	r.rows[rec.Meta.ID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Replace(_ context.Context, rec *Record, expectedVersion []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[rec.Meta.ID]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion != nil && !bytes.Equal(cur.Meta.Version, expectedVersion) {
		return ErrVersionMismatch
	}
	r.rows[rec.Meta.ID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string, expectedVersion []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion != nil && !bytes.Equal(cur.Meta.Version, expectedVersion) {
		return ErrVersionMismatch
	}
	delete(r.rows, id)
	return nil
}
