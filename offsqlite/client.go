// Package offsqlite provides the client half of the datasync toolkit: an
// offline-capable SQLite-backed local store that pushes queued local
// mutations to a remote table service and pulls remote changes through an
// incremental, cursor-based delta protocol with optimistic concurrency.
//
// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

// Collection configures one synchronized collection.
type Collection struct {
	// Name is the remote table name.
	Name string

	// TrackDeletes keeps remote soft deletes as local tombstones. When
	// false, a pulled tombstone removes the local record physically.
	TrackDeletes bool

	// Query carries extra query parameters appended to every pull request
	// for this collection (a caller-supplied server-side filter).
	Query url.Values
}

// Config holds configuration for the offline sync client.
type Config struct {
	Collections []Collection

	// PageSize is the pull page size requested from the remote service.
	PageSize int

	// PushParallelism bounds concurrent push submissions across distinct
	// entities. Operations for one entity are always serialized.
	PushParallelism int

	// AbortOnPullError stops the pull phase at the first collection whose
	// fetch fails. The default records the failure and continues with the
	// remaining collections.
	AbortOnPullError bool
}

// DefaultConfig returns a configuration with sane defaults for the given
// collections.
func DefaultConfig(collections ...Collection) *Config {
	return &Config{
		Collections:     collections,
		PageSize:        100,
		PushParallelism: 4,
	}
}

// Client is the offline sync client: a local SQLite document store plus the
// push/pull operation managers and the synchronization orchestrator.
type Client struct {
	DB     *sql.DB
	remote *RemoteClient
	locks  *LockTable
	config *Config
	logger *slog.Logger
}

// NewClient creates an offline sync client over db, talking to the remote
// table service at baseURL. token may be nil for unauthenticated services.
func NewClient(db *sql.DB, baseURL string, token TokenProvider, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.Collections) == 0 {
		return nil, fmt.Errorf("config.Collections must name at least one collection")
	}
	if config.PageSize <= 0 {
		return nil, fmt.Errorf("config.PageSize must be positive")
	}
	if config.PushParallelism <= 0 {
		return nil, fmt.Errorf("config.PushParallelism must be positive")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize local schema: %w", err)
	}

	return &Client{
		DB:     db,
		remote: NewRemoteClient(baseURL, token, logger),
		locks:  NewLockTable(),
		config: config,
		logger: logger,
	}, nil
}

// initializeSchema creates the local sync metadata tables.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// Local entity store, one row per (collection, entity).
		`CREATE TABLE IF NOT EXISTS _sync_rows (
			collection  TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			payload     TEXT NOT NULL,
			version     BLOB,
			updated_at  TEXT NOT NULL,
			deleted     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, entity_id)
		)`,

		// Pull cursor per collection.
		`CREATE TABLE IF NOT EXISTS _sync_cursors (
			collection      TEXT PRIMARY KEY,
			last_updated_at TEXT NOT NULL,
			last_id         TEXT NOT NULL
		)`,

		// Pending queue, coalesced to one row per entity.
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			collection   TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload      TEXT,
			base_version BLOB,
			queued_at    TEXT NOT NULL,
			UNIQUE (collection, entity_id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

func (c *Client) collection(name string) (Collection, bool) {
	for _, col := range c.config.Collections {
		if col.Name == name {
			return col, true
		}
	}
	return Collection{}, false
}

// Insert stores a new local entity and queues a CREATE for the next push. A
// missing id in doc is assigned. Returns the entity id.
func (c *Client) Insert(ctx context.Context, collection string, doc json.RawMessage) (string, error) {
	if _, ok := c.collection(collection); !ok {
		return "", fmt.Errorf("collection %s is not configured", collection)
	}
	meta, err := datasync.ExtractMetadata(doc)
	if err != nil {
		return "", err
	}
	id := meta.ID
	if id == "" {
		id = uuid.New().String()
		if doc, err = setDocumentID(doc, id); err != nil {
			return "", err
		}
	}

	release, err := c.locks.Acquire(ctx, collectionLockKey(collection))
	if err != nil {
		return "", err
	}
	defer release()

	return id, c.withTx(ctx, func(tx *sql.Tx) error {
		var deleted int
		err := tx.QueryRowContext(ctx, `
			SELECT deleted FROM _sync_rows WHERE collection = ? AND entity_id = ?
		`, collection, id).Scan(&deleted)
		if err == nil {
			return fmt.Errorf("%w: %s/%s", datasync.ErrExists, collection, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check local row: %w", err)
		}
		if err := c.upsertRowInTx(ctx, tx, collection, id, doc, nil, time.Now().UTC(), false); err != nil {
			return err
		}
		return c.enqueueInTx(ctx, tx, collection, id, OpCreate, doc, nil)
	})
}

// Update overwrites a local entity's payload and queues an UPDATE carrying
// the entity's last known server version as the push precondition.
func (c *Client) Update(ctx context.Context, collection, id string, doc json.RawMessage) error {
	release, err := c.locks.Acquire(ctx, collectionLockKey(collection))
	if err != nil {
		return err
	}
	defer release()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		version, deleted, err := c.rowStateInTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("%w: %s/%s", datasync.ErrGone, collection, id)
		}
		if doc, err = setDocumentID(doc, id); err != nil {
			return err
		}
		if err := c.upsertRowInTx(ctx, tx, collection, id, doc, version, time.Now().UTC(), false); err != nil {
			return err
		}
		return c.enqueueInTx(ctx, tx, collection, id, OpUpdate, doc, version)
	})
}

// Delete removes a local entity and queues a DELETE carrying the last known
// server version as the push precondition.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	release, err := c.locks.Acquire(ctx, collectionLockKey(collection))
	if err != nil {
		return err
	}
	defer release()

	return c.withTx(ctx, func(tx *sql.Tx) error {
		version, deleted, err := c.rowStateInTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("%w: %s/%s", datasync.ErrGone, collection, id)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_rows WHERE collection = ? AND entity_id = ?
		`, collection, id); err != nil {
			return fmt.Errorf("failed to delete local row: %w", err)
		}
		return c.enqueueInTx(ctx, tx, collection, id, OpDelete, nil, version)
	})
}

// Get returns the locally stored document for an entity. Tombstoned entities
// report datasync.ErrGone.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var payload string
	var deleted int
	err := c.DB.QueryRowContext(ctx, `
		SELECT payload, deleted FROM _sync_rows WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&payload, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datasync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local row: %w", err)
	}
	if deleted != 0 {
		return nil, datasync.ErrGone
	}
	return json.RawMessage(payload), nil
}

// rowStateInTx returns the last known server version and tombstone state of
// a local row.
func (c *Client) rowStateInTx(ctx context.Context, tx *sql.Tx, collection, id string) (version []byte, deleted bool, err error) {
	var del int
	err = tx.QueryRowContext(ctx, `
		SELECT version, deleted FROM _sync_rows WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&version, &del)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s/%s", datasync.ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read local row: %w", err)
	}
	return version, del != 0, nil
}

// localVersionInTx returns the last known server version of a local row.
func (c *Client) localVersionInTx(ctx context.Context, tx *sql.Tx, collection, id string) ([]byte, error) {
	var version []byte
	err := tx.QueryRowContext(ctx, `
		SELECT version FROM _sync_rows WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&version)
	if err != nil {
		return nil, err
	}
	return version, nil
}

// upsertRowInTx writes a local row. version may be nil for entities that have
// not yet been accepted by the server.
func (c *Client) upsertRowInTx(ctx context.Context, tx *sql.Tx, collection, id string, doc json.RawMessage, version []byte, updatedAt time.Time, deleted bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_rows (collection, entity_id, payload, version, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`, collection, id, string(doc), version, datasync.FormatStorageTime(updatedAt), boolToInt(deleted))
	if err != nil {
		return fmt.Errorf("failed to upsert local row %s/%s: %w", collection, id, err)
	}
	return nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// setDocumentID returns doc with its id system property set.
func setDocumentID(doc json.RawMessage, id string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
	}
	m[datasync.FieldID] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// versionsEqual reports whether two version tokens are byte-identical, the
// identity rule for conflict detection.
func versionsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
