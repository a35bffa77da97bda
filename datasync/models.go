// Package datasync provides the server half of a client-server data
// synchronization toolkit: table services with optimistic concurrency,
// soft-delete tombstones, and incremental delta queries backed by
// pluggable repositories.
//
// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityMetadata is the system metadata every synchronizable record carries.
// Version is an opaque concurrency token regenerated by the server on every
// successful mutation; it marshals to base64 in JSON, matching the encoding
// used in If-Match/ETag headers.
type EntityMetadata struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   []byte    `json:"version"`
	Deleted   bool      `json:"deleted"`
}

// Record is a stored synchronizable entity: system metadata plus the
// application payload. Payload holds the application's own fields as a JSON
// object; system fields are injected on marshal and stripped on extract.
type Record struct {
	Meta    EntityMetadata
	Payload json.RawMessage
}

// Page is one page of a delta query response. NextCursor is an opaque
// continuation token; an empty value means the query is exhausted.
type Page struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// ErrorResponse is the body of non-2xx responses that do not carry an entity.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// MarshalRecord renders a record as a wire JSON document: the application
// payload with the four system properties overlaid.
func MarshalRecord(rec *Record) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode record payload: %w", err)
		}
	}
	doc[FieldID] = rec.Meta.ID
	doc[FieldUpdatedAt] = rec.Meta.UpdatedAt.UTC().Format(time.RFC3339Nano)
	doc[FieldVersion] = rec.Meta.Version
	doc[FieldDeleted] = rec.Meta.Deleted
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return out, nil
}

// ExtractMetadata parses the system properties out of a wire JSON document.
// Missing properties are left at their zero values; a malformed document is
// an error.
func ExtractMetadata(doc json.RawMessage) (EntityMetadata, error) {
	var meta EntityMetadata
	if err := json.Unmarshal(doc, &meta); err != nil {
		return EntityMetadata{}, fmt.Errorf("failed to extract entity metadata: %w", err)
	}
	return meta, nil
}

// StripSystemFields returns the document with the four system properties
// removed, suitable for storing as a Record payload.
func StripSystemFields(doc json.RawMessage) (json.RawMessage, error) {
	m := map[string]any{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	delete(m, FieldID)
	delete(m, FieldUpdatedAt)
	delete(m, FieldVersion)
	delete(m, FieldDeleted)
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return out, nil
}

// timeStorageLayout is the fixed-width millisecond layout used when a
// repository stores timestamps as text. Fixed width keeps lexical order
// identical to chronological order, which the delta query depends on.
const timeStorageLayout = "2006-01-02T15:04:05.000Z"

// FormatStorageTime renders t for text-column storage.
func FormatStorageTime(t time.Time) string {
	return t.UTC().Format(timeStorageLayout)
}

// ParseStorageTime parses a timestamp previously written by FormatStorageTime.
func ParseStorageTime(s string) (time.Time, error) {
	return time.Parse(timeStorageLayout, s)
}
