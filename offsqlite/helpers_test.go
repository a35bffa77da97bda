// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/CommunityToolkit/Datasync-sub007/datasync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// handlerTransport routes requests into an in-process handler, so client
// tests can run against the real table service without a listener.
type handlerTransport struct{ h http.Handler }

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient creates a client over an in-memory database with the given
// transport. A single connection keeps every statement on the same in-memory
// database.
func newTestClient(t *testing.T, config *Config, rt http.RoundTripper) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	client, err := NewClient(db, "http://sync.test", nil, config, testLogger())
	require.NoError(t, err)
	client.remote.SetTransport(rt)
	return client
}

// newServerBackedClient wires a client to real in-memory table services, one
// per configured collection, for full push/pull cycles.
func newServerBackedClient(t *testing.T, config *Config) (*Client, map[string]*datasync.TableService) {
	t.Helper()
	tables := make(map[string]*datasync.TableService, len(config.Collections))
	for _, col := range config.Collections {
		tables[col.Name] = datasync.NewTableService(
			datasync.NewMemoryRepository(),
			datasync.TableServiceConfig{SoftDelete: col.TrackDeletes},
			testLogger())
	}
	return newTestClient(t, config, handlerTransport{h: serverRouter(tables)}), tables
}

func serverRouter(tables map[string]*datasync.TableService) http.Handler {
	router := chi.NewRouter()
	router.Mount("/tables", datasync.NewHTTPTableHandlers(tables, nil, testLogger()).Routes())
	return router
}
