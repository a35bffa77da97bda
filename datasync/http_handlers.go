// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CommunityToolkit/Datasync-sub007/internal/auth"
)

// ClientAuthenticator extracts the caller identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and return the user id.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
}

// HTTPTableHandlers serves the table sync wire contract for a set of named
// tables:
//
//	GET    /{table}          delta query (cursor | since+sinceId, limit, includeDeleted)
//	GET    /{table}/{id}     fetch one entity
//	POST   /{table}          create (201, 409 with current entity)
//	PUT    /{table}/{id}     replace with If-Match (200, 404, 410, 412)
//	DELETE /{table}/{id}     delete with If-Match (204, 404, 410, 412)
type HTTPTableHandlers struct {
	tables        map[string]*TableService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPTableHandlers creates handlers for the given tables. A nil
// authenticator leaves the endpoints open.
func NewHTTPTableHandlers(tables map[string]*TableService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPTableHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTableHandlers{tables: tables, authenticator: authenticator, logger: logger}
}

// Routes returns a router serving the table endpoints, intended to be mounted
// under a prefix such as /tables.
func (h *HTTPTableHandlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authenticate)
	r.Get("/{table}", h.handleQuery)
	r.Post("/{table}", h.handleCreate)
	r.Get("/{table}/{id}", h.handleGet)
	r.Put("/{table}/{id}", h.handleReplace)
	r.Delete("/{table}/{id}", h.handleDelete)
	return r
}

func (h *HTTPTableHandlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authenticator != nil {
			userID, err := h.authenticator.GetUserID(r)
			if err != nil {
				h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
				return
			}
			r = r.WithContext(auth.SetUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPTableHandlers) table(w http.ResponseWriter, r *http.Request) (*TableService, bool) {
	name := chi.URLParam(r, "table")
	svc, ok := h.tables[name]
	if !ok {
		h.writeError(w, http.StatusNotFound, CodeNotFound, "unknown table "+name)
		return nil, false
	}
	return svc, true
}

func (h *HTTPTableHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.table(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := QueryRequest{
		Cursor:         q.Get(ParamCursor),
		SinceID:        q.Get(ParamSinceID),
		IncludeDeleted: q.Get(ParamIncludeDeleted) == "true",
	}
	if s := q.Get(ParamSince); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid since timestamp")
			return
		}
		req.Since = ts
	}
	if s := q.Get(ParamLimit); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid limit")
			return
		}
		req.Limit = limit
	}

	page, err := svc.Query(r.Context(), req)
	if err != nil {
		h.logger.Error("Delta query failed", "table", chi.URLParam(r, "table"), "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *HTTPTableHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.table(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := svc.Get(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, r, svc, id, err)
		return
	}
	h.writeRecord(w, http.StatusOK, rec)
}

func (h *HTTPTableHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.table(w, r)
	if !ok {
		return
	}
	doc, ok := h.readBody(w, r)
	if !ok {
		return
	}

	rec, err := svc.Create(r.Context(), doc)
	if err != nil {
		if errors.Is(err, ErrExists) {
			meta, merr := ExtractMetadata(doc)
			if merr == nil {
				h.writeCurrentState(w, r, svc, meta.ID, http.StatusConflict)
				return
			}
		}
		h.writeRepoError(w, r, svc, "", err)
		return
	}
	h.writeRecord(w, http.StatusCreated, rec)
}

func (h *HTTPTableHandlers) handleReplace(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.table(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	doc, ok := h.readBody(w, r)
	if !ok {
		return
	}
	expected, wildcard, err := ParseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid If-Match header")
		return
	}
	_ = wildcard // nil expected version already means unconditional

	rec, err := svc.Replace(r.Context(), id, doc, expected)
	if err != nil {
		h.writeRepoError(w, r, svc, id, err)
		return
	}
	h.writeRecord(w, http.StatusOK, rec)
}

func (h *HTTPTableHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.table(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	expected, _, err := ParseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid If-Match header")
		return
	}

	if err := svc.Delete(r.Context(), id, expected); err != nil {
		h.writeRepoError(w, r, svc, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPTableHandlers) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeBadRequest, "failed to read request body")
		return nil, false
	}
	if !json.Valid(body) {
		h.writeError(w, http.StatusBadRequest, CodeBadRequest, "request body is not valid JSON")
		return nil, false
	}
	return body, true
}

// writeRepoError maps service/repository errors onto the HTTP status
// contract. Conflict-class statuses (412) carry the entity's current server
// state in the body so clients can reconcile.
func (h *HTTPTableHandlers) writeRepoError(w http.ResponseWriter, r *http.Request, svc *TableService, id string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "entity not found")
	case errors.Is(err, ErrGone):
		h.writeError(w, http.StatusGone, CodeGone, "entity has been deleted")
	case errors.Is(err, ErrExists):
		h.writeCurrentState(w, r, svc, id, http.StatusConflict)
	case errors.Is(err, ErrVersionMismatch):
		h.writeCurrentState(w, r, svc, id, http.StatusPreconditionFailed)
	default:
		h.logger.Error("Table operation failed", "table", chi.URLParam(r, "table"), "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "operation failed")
	}
}

// writeCurrentState responds with the entity's current server state, used for
// 409 and 412 bodies.
func (h *HTTPTableHandlers) writeCurrentState(w http.ResponseWriter, r *http.Request, svc *TableService, id string, status int) {
	rec, err := svc.CurrentState(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load current state for conflict response", "id", id, "error", err)
		h.writeError(w, status, CodeConflict, "conflicting concurrent edit")
		return
	}
	w.Header().Set("ETag", FormatETag(rec.Meta.Version))
	h.writeRecordBody(w, status, rec)
}

func (h *HTTPTableHandlers) writeRecord(w http.ResponseWriter, status int, rec *Record) {
	w.Header().Set("ETag", FormatETag(rec.Meta.Version))
	h.writeRecordBody(w, status, rec)
}

func (h *HTTPTableHandlers) writeRecordBody(w http.ResponseWriter, status int, rec *Record) {
	doc, err := MarshalRecord(rec)
	if err != nil {
		h.logger.Error("Failed to marshal record", "id", rec.Meta.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to encode entity")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(doc)
}

func (h *HTTPTableHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPTableHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
