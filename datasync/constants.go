// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

// System property names in wire JSON documents
const (
	FieldID        = "id"
	FieldUpdatedAt = "updatedAt"
	FieldVersion   = "version"
	FieldDeleted   = "deleted"
)

// Query parameter names for the delta query endpoint
const (
	ParamCursor         = "cursor"
	ParamSince          = "since"
	ParamSinceID        = "sinceId"
	ParamLimit          = "limit"
	ParamIncludeDeleted = "includeDeleted"
)

// Paging defaults. DefaultPageSize is applied when a query does not name a
// limit; MaxPageSize caps whatever the caller asks for.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Error codes returned in ErrorResponse bodies
const (
	CodeBadRequest     = "invalid_request"
	CodeUnauthorized   = "authentication_failed"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeGone           = "gone"
	CodePrecondition   = "precondition_failed"
	CodeInternal       = "internal_error"
	CodeMissingIfMatch = "missing_precondition"
)
