// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

// TokenProvider supplies a bearer token for remote requests.
type TokenProvider func(ctx context.Context) (string, error)

// TransportError wraps a network-level failure talking to the remote
// service. Always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response outside the per-entity contract.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, string(e.Body))
}

// Retryable reports whether the status signals a transient server-side
// condition.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// ConflictError carries the server's current entity state for 409/412
// responses so the caller can reconcile.
type ConflictError struct {
	Code   int
	Entity json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting concurrent edit (status %d)", e.Code)
}

// RemoteClient talks to the remote table service. Version preconditions are
// transmitted base64-encoded in If-Match headers.
type RemoteClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRemoteClient creates a remote table client for the service at baseURL.
func NewRemoteClient(baseURL string, token TokenProvider, logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(60 * time.Second)
	if token != nil {
		http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			tok, err := token(req.Context())
			if err != nil {
				return fmt.Errorf("failed to get auth token: %w", err)
			}
			req.SetAuthToken(tok)
			return nil
		})
	}
	return &RemoteClient{http: http, logger: logger}
}

// SetTransport swaps the underlying HTTP transport (used by tests).
func (rc *RemoteClient) SetTransport(rt http.RoundTripper) {
	rc.http.SetTransport(rt)
}

// PageRequest names one delta page. Cursor, when set, takes precedence over
// the Since/SinceID boundary.
type PageRequest struct {
	Collection     string
	Cursor         string
	Since          time.Time
	SinceID        string
	Limit          int
	IncludeDeleted bool
	Extra          url.Values
}

// Page fetches one page of remote changes.
func (rc *RemoteClient) Page(ctx context.Context, req PageRequest) (*datasync.Page, error) {
	r := rc.http.R().SetContext(ctx)
	if req.Cursor != "" {
		r.SetQueryParam(datasync.ParamCursor, req.Cursor)
	} else {
		if !req.Since.IsZero() {
			r.SetQueryParam(datasync.ParamSince, req.Since.UTC().Format(time.RFC3339Nano))
		}
		if req.SinceID != "" {
			r.SetQueryParam(datasync.ParamSinceID, req.SinceID)
		}
	}
	if req.Limit > 0 {
		r.SetQueryParam(datasync.ParamLimit, strconv.Itoa(req.Limit))
	}
	if req.IncludeDeleted {
		r.SetQueryParam(datasync.ParamIncludeDeleted, "true")
	}
	if len(req.Extra) > 0 {
		r.SetQueryParamsFromValues(req.Extra)
	}

	resp, err := r.Get("/tables/" + req.Collection)
	if err != nil {
		return nil, &TransportError{Op: "pull " + req.Collection, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.Body()}
	}
	var page datasync.Page
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("failed to decode pull page: %w", err)
	}
	return &page, nil
}

// Create submits a new entity. Returns the server's stored document on
// success, a ConflictError on 409.
func (rc *RemoteClient) Create(ctx context.Context, collection string, doc json.RawMessage) (json.RawMessage, error) {
	resp, err := rc.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(doc)).
		Post("/tables/" + collection)
	if err != nil {
		return nil, &TransportError{Op: "create", Err: err}
	}
	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		return resp.Body(), nil
	case http.StatusConflict:
		return nil, &ConflictError{Code: resp.StatusCode(), Entity: resp.Body()}
	default:
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.Body()}
	}
}

// Replace overwrites an entity with a version precondition. version nil sends
// an unconditional If-Match: *. Returns the server's stored document on
// success, a ConflictError with the server snapshot on 409/412.
func (rc *RemoteClient) Replace(ctx context.Context, collection, id string, doc json.RawMessage, version []byte) (json.RawMessage, error) {
	r := rc.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(doc))
	r.SetHeader("If-Match", ifMatchValue(version))

	resp, err := r.Put("/tables/" + collection + "/" + id)
	if err != nil {
		return nil, &TransportError{Op: "replace", Err: err}
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return resp.Body(), nil
	case http.StatusNotFound:
		return nil, datasync.ErrNotFound
	case http.StatusGone:
		return nil, datasync.ErrGone
	case http.StatusConflict, http.StatusPreconditionFailed:
		return nil, &ConflictError{Code: resp.StatusCode(), Entity: resp.Body()}
	default:
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.Body()}
	}
}

// Delete removes an entity with a version precondition.
func (rc *RemoteClient) Delete(ctx context.Context, collection, id string, version []byte) error {
	r := rc.http.R().SetContext(ctx)
	r.SetHeader("If-Match", ifMatchValue(version))

	resp, err := r.Delete("/tables/" + collection + "/" + id)
	if err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return datasync.ErrNotFound
	case http.StatusGone:
		return datasync.ErrGone
	case http.StatusConflict, http.StatusPreconditionFailed:
		return &ConflictError{Code: resp.StatusCode(), Entity: resp.Body()}
	default:
		return &StatusError{Code: resp.StatusCode(), Body: resp.Body()}
	}
}

func ifMatchValue(version []byte) string {
	if version == nil {
		return "*"
	}
	return datasync.FormatETag(version)
}
