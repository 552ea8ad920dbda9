package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"collab-engine/internal/errs"
	"collab-engine/internal/hub"
	"collab-engine/internal/operations"
	"collab-engine/internal/presence"
	"collab-engine/internal/registry"
	"collab-engine/internal/storage"
	"collab-engine/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type deps struct {
	metrics  *telemetry.Metrics
	reader   Collector
	presence presence.Tracker
}

func newRouter(t *testing.T) (http.Handler, *registry.Registry) {
	t.Helper()
	return newRouterWith(t, deps{})
}

func newRouterWith(t *testing.T, d deps) (http.Handler, *registry.Registry) {
	t.Helper()
	metrics := d.metrics
	logger, _ := test.NewNullLogger()
	store, err := storage.NewBadgerStore(storage.BadgerConfig{InMemory: true, Logger: logger})
	require.NoError(t, err)
	gateway := storage.NewGateway(store, storage.Options{}, logger, metrics)
	docs := registry.New(gateway, nil, registry.Config{}, logger, metrics)
	h := hub.NewHub(docs, d.presence, hub.Options{Logger: logger})
	go h.Run()

	t.Cleanup(func() {
		h.Shutdown()
		docs.Close()
		gateway.Close()
		_ = store.Close()
	})
	return NewRouter(docs, h, Options{
		AllowedOrigins: []string{"http://app.example"},
		Logger:         logger,
		Metrics:        d.reader,
	}), docs
}

func seed(t *testing.T, docs *registry.Registry, id, text string) {
	t.Helper()
	lease, err := docs.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer lease.Release()

	coord := lease.Coordinator()
	s, err := coord.Connect(-1)
	require.NoError(t, err)
	require.NoError(t, coord.Acknowledge(s.ID()))
	_, err = coord.Submit(context.Background(), s.ID(), 0, 1, operations.NewInsertOp(0, text).Components)
	require.NoError(t, err)
	require.NoError(t, coord.Disconnect(s.ID()))
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	h, _ := newRouter(t)
	rec, body := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestDocumentLifecycle(t *testing.T) {
	h, docs := newRouter(t)
	seed(t, docs, "notes", "hello")

	rec, body := do(t, h, http.MethodGet, "/api/documents/notes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", body["content"])
	assert.EqualValues(t, 1, body["version"])

	rec, _ = do(t, h, http.MethodPut, "/api/documents/notes/title", `{"title":"Notes"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["documents"].([]any)
	require.True(t, ok, "documents = %v", body["documents"])
	require.Len(t, list, 1)
	assert.Equal(t, "Notes", list[0].(map[string]any)["title"])

	rec, _ = do(t, h, http.MethodGet, "/api/documents/notes/versions", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/api/documents/notes", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/documents/notes", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestUnknownDocuments(t *testing.T) {
	h, _ := newRouter(t)
	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/documents/missing", ""},
		{http.MethodPut, "/api/documents/missing/title", `{"title":"x"}`},
		{http.MethodGet, "/api/documents/missing/versions", ""},
		{http.MethodDelete, "/api/documents/missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec, body := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "not_found", body["code"])
		})
	}
}

func TestSetTitleRequiresBody(t *testing.T) {
	h, docs := newRouter(t)
	seed(t, docs, "doc", "x")

	rec, body := do(t, h, http.MethodPut, "/api/documents/doc/title", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", body["code"])
}

func TestPresence(t *testing.T) {
	tracker := presence.NewLocal()
	h, _ := newRouterWith(t, deps{presence: tracker})

	rec, body := do(t, h, http.MethodGet, "/api/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["documents"])

	ctx := context.Background()
	require.NoError(t, tracker.Join(ctx, "doc", "s1", "ada", time.Minute))
	require.NoError(t, tracker.Join(ctx, "doc", "s2", "", time.Minute))

	rec, body = do(t, h, http.MethodGet, "/api/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"doc"}, body["documents"])

	rec, body = do(t, h, http.MethodGet, "/api/documents/doc/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	members, ok := body["members"].([]any)
	require.True(t, ok)
	require.Len(t, members, 2)
	assert.Equal(t, "ada", members[0].(map[string]any)["name"])
}

func TestCORS(t *testing.T) {
	h, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: doc", errs.ErrNotFound), http.StatusNotFound},
		{errs.ErrMalformedOperation, http.StatusBadRequest},
		{fmt.Errorf("load: %w", errs.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{registry.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestDebugMetrics(t *testing.T) {
	plain, _ := newRouter(t)
	rec := httptest.NewRecorder()
	plain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "route is only mounted with a collector")

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := telemetry.New(mp)
	require.NoError(t, err)

	h, docs := newRouterWith(t, deps{metrics: metrics, reader: reader})
	seed(t, docs, "doc", "x")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collab.commits.total")
}
