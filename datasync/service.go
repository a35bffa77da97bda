// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrGone marks an entity that exists only as a soft-delete tombstone.
// Handlers translate it to 410.
var ErrGone = errors.New("entity has been deleted")

// TableServiceConfig configures one synchronized table.
type TableServiceConfig struct {
	// SoftDelete keeps deleted entities as tombstones so deletions propagate
	// through incremental pull. When false, deletes remove rows physically
	// and clients never learn about them via delta queries.
	SoftDelete bool

	// DefaultPageSize and MaxPageSize override the package defaults when > 0.
	DefaultPageSize int
	MaxPageSize     int
}

// TableService implements the synchronization semantics for one table on top
// of a Repository: server-assigned version tokens and monotonically
// non-decreasing update timestamps, optimistic-concurrency preconditions, and
// soft-delete tombstones.
type TableService struct {
	repo   Repository
	config TableServiceConfig
	logger *slog.Logger

	// clockMu serializes timestamp assignment so UpdatedAt is strictly
	// increasing across mutations even within one wall-clock millisecond.
	clockMu sync.Mutex
	lastTS  time.Time
}

// NewTableService creates a table service over the given repository.
func NewTableService(repo Repository, config TableServiceConfig, logger *slog.Logger) *TableService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableService{repo: repo, config: config, logger: logger}
}

// newVersion returns a fresh opaque concurrency token.
func (s *TableService) newVersion() []byte {
	v := uuid.New()
	return v[:]
}

// nextTimestamp returns a millisecond-truncated UTC timestamp strictly after
// every timestamp previously issued by this service and not before prev.
func (s *TableService) nextTimestamp(prev time.Time) time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	ts := time.Now().UTC().Truncate(time.Millisecond)
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Millisecond)
	}
	if !ts.After(prev) {
		ts = prev.Add(time.Millisecond)
	}
	s.lastTS = ts
	return ts
}

func (s *TableService) pageSize(requested int) int {
	def, max := DefaultPageSize, MaxPageSize
	if s.config.DefaultPageSize > 0 {
		def = s.config.DefaultPageSize
	}
	if s.config.MaxPageSize > 0 {
		max = s.config.MaxPageSize
	}
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// QueryRequest names a delta page. When Cursor is set it takes precedence
// over the Since/SinceID pair.
type QueryRequest struct {
	Cursor         string
	Since          time.Time
	SinceID        string
	Limit          int
	IncludeDeleted bool
}

// Query returns one page of entities changed since the request boundary,
// ordered by (updatedAt, id), with a continuation token when the page was
// full. Soft-deleted entities appear as tombstones only when the caller asks
// for them; tables without soft delete never surface tombstones.
func (s *TableService) Query(ctx context.Context, req QueryRequest) (*Page, error) {
	since, sinceID := req.Since, req.SinceID
	if req.Cursor != "" {
		var err error
		since, sinceID, err = DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
	}
	limit := s.pageSize(req.Limit)

	recs, err := s.repo.Query(ctx, QueryOptions{
		Since:          since,
		SinceID:        sinceID,
		Limit:          limit,
		IncludeDeleted: req.IncludeDeleted && s.config.SoftDelete,
	})
	if err != nil {
		return nil, fmt.Errorf("delta query failed: %w", err)
	}

	page := &Page{Items: make([]json.RawMessage, 0, len(recs))}
	for i := range recs {
		doc, err := MarshalRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, doc)
	}
	if len(recs) == limit && limit > 0 {
		last := recs[len(recs)-1].Meta
		page.NextCursor = EncodeCursor(last.UpdatedAt, last.ID)
	}
	return page, nil
}

// Get returns one entity. Soft-deleted entities report ErrGone.
func (s *TableService) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Meta.Deleted {
		return nil, ErrGone
	}
	return rec, nil
}

// Create stores a new entity from the wire document. A missing id is
// assigned; version and updatedAt are always server-assigned. Returns
// ErrExists (with no side effects) when the id is already taken, including
// when it is held by a tombstone.
func (s *TableService) Create(ctx context.Context, doc json.RawMessage) (*Record, error) {
	meta, err := ExtractMetadata(doc)
	if err != nil {
		return nil, err
	}
	payload, err := StripSystemFields(doc)
	if err != nil {
		return nil, err
	}

	id := meta.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := &Record{
		Meta: EntityMetadata{
			ID:        id,
			UpdatedAt: s.nextTimestamp(time.Time{}),
			Version:   s.newVersion(),
		},
		Payload: payload,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Replace overwrites an existing entity. expectedVersion nil means the caller
// sent If-Match: * (or no precondition) and the write is unconditional.
func (s *TableService) Replace(ctx context.Context, id string, doc json.RawMessage, expectedVersion []byte) (*Record, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Meta.Deleted {
		return nil, ErrGone
	}

	payload, err := StripSystemFields(doc)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Meta: EntityMetadata{
			ID:        id,
			UpdatedAt: s.nextTimestamp(cur.Meta.UpdatedAt),
			Version:   s.newVersion(),
		},
		Payload: payload,
	}
	if err := s.repo.Replace(ctx, rec, expectedVersion); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes an entity. With soft delete enabled the entity becomes a
// tombstone carrying a fresh version and timestamp so the deletion propagates
// through delta queries; otherwise the row is removed physically. Deleting a
// tombstone reports ErrGone.
func (s *TableService) Delete(ctx context.Context, id string, expectedVersion []byte) error {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Meta.Deleted {
		return ErrGone
	}

	if !s.config.SoftDelete {
		return s.repo.Delete(ctx, id, expectedVersion)
	}

	tomb := &Record{
		Meta: EntityMetadata{
			ID:        id,
			UpdatedAt: s.nextTimestamp(cur.Meta.UpdatedAt),
			Version:   s.newVersion(),
			Deleted:   true,
		},
		Payload: cur.Payload,
	}
	return s.repo.Replace(ctx, tomb, expectedVersion)
}

// CurrentState fetches the entity regardless of tombstone state, for
// attaching server snapshots to 409/410/412 responses.
func (s *TableService) CurrentState(ctx context.Context, id string) (*Record, error) {
	return s.repo.Get(ctx, id)
}
