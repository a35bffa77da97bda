// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Storage-level error taxonomy. The table service maps these onto the HTTP
// status contract (404/409/410/412).
var (
	ErrNotFound        = errors.New("entity not found")
	ErrExists          = errors.New("entity already exists")
	ErrVersionMismatch = errors.New("entity version mismatch")
)

// QueryOptions selects a delta page: entities strictly after the
// (Since, SinceID) boundary in (updated_at, id) order. The strict boundary is
// what guarantees forward progress when many entities share one timestamp.
type QueryOptions struct {
	Since          time.Time
	SinceID        string
	Limit          int
	IncludeDeleted bool
}

// Repository is the narrow storage capability the table service depends on.
// Implementations must apply the optimistic-concurrency check in Replace and
// Delete atomically with the write; expectedVersion == nil skips the check
// (the If-Match: * form).
type Repository interface {
	// Query returns up to opts.Limit records ordered by (updated_at, id)
	// ascending, strictly after the (opts.Since, opts.SinceID) boundary.
	Query(ctx context.Context, opts QueryOptions) ([]Record, error)

	// Get returns the record with the given id, deleted or not.
	Get(ctx context.Context, id string) (*Record, error)

	// Create stores a new record. Returns ErrExists when the id is taken.
	Create(ctx context.Context, rec *Record) error

	// Replace overwrites an existing record. Returns ErrNotFound or
	// ErrVersionMismatch.
	Replace(ctx context.Context, rec *Record, expectedVersion []byte) error

	// Delete physically removes a record. Returns ErrNotFound or
	// ErrVersionMismatch.
	Delete(ctx context.Context, id string, expectedVersion []byte) error
}

// cursorToken is the JSON shape behind the opaque continuation token.
type cursorToken struct {
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"id"`
}

// EncodeCursor builds an opaque continuation token for the given boundary.
func EncodeCursor(updatedAt time.Time, id string) string {
	raw, _ := json.Marshal(cursorToken{UpdatedAt: updatedAt.UTC(), ID: id})
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a continuation token produced by EncodeCursor.
func DecodeCursor(token string) (updatedAt time.Time, id string, err error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid continuation token: %w", err)
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid continuation token: %w", err)
	}
	return tok.UpdatedAt, tok.ID, nil
}
