package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/offline-sync/internal/api/handlers"
	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/connectivity"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/lifecycle"
	"github.com/onnwee/offline-sync/internal/middleware"
	"github.com/onnwee/offline-sync/internal/notify"
)

type remote struct {
	mu    sync.Mutex
	calls []httpx.Request
}

func (r *remote) Do(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return &httpx.Response{Status: 200, Header: http.Header{}, Body: []byte(`{}`)}, nil
}

func (r *remote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	engine  *engine.Engine
	net     *connectivity.Manual
	life    *lifecycle.Manual
	remote  *remote
	hub     *handlers.EventHub
	kv      *kvstore.MemoryStore
	handler http.Handler
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{
		net:    connectivity.NewManual(connectivity.State{IsConnected: online, Type: "wifi"}),
		life:   lifecycle.NewManual(),
		remote: &remote{},
		hub:    handlers.NewEventHub([]string{"http://localhost:5173"}),
		kv:     kvstore.NewMemoryStore(),
	}
	e, err := engine.New(context.Background(), engine.Deps{
		Storage:      f.kv,
		Reachability: f.net,
		Lifecycle:    f.life,
		Remote:       f.remote,
	}, engine.Options{DisableRefresh: true})
	require.NoError(t, err)
	f.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	unsub := e.AddListener(f.hub.Publish)
	e.Start(ctx)
	e.Wait()
	t.Cleanup(func() {
		unsub()
		_ = e.Close()
		cancel()
	})

	f.handler = NewRouter(e, f.hub, RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		Lifecycle:      f.life,
	})
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) apierr.ErrorCode {
	t.Helper()
	var resp apierr.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestReadyReportsStorageFailure(t *testing.T) {
	f := newFixture(t, true)

	rr := f.do("GET", "/ready", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"status":"ready","event_clients":0,"error_reporting":false}`, rr.Body.String())

	f.kv.FailReads(errors.New("database is locked"))
	rr = f.do("GET", "/ready", "")
	f.kv.FailReads(nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, apierr.ErrSystemStorage, errorCode(t, rr))
	assert.NotContains(t, rr.Body.String(), "database is locked")
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, true)

	rr := f.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = f.do("GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.IsOnline)
	assert.Equal(t, "wifi", st.ConnectionType)
	assert.Equal(t, 0, st.PendingOperations)

	rr = f.do("GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCacheEndpoints(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("PUT", "/api/cache/user/profile", `{"data":{"name":"Ada"},"metadata":{"source":"ui"}}`)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = f.do("GET", "/api/cache/user/profile?max_age_ms=60000", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, true, got["_cached"])
	assert.Equal(t, map[string]any{"source": "ui"}, got["_cacheMetadata"])

	rr = f.do("GET", "/api/cache/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"perKindCounts":{"user":1}`)

	rr = f.do("GET", "/api/cache/user/profile?max_age_ms=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierr.ErrValidationInvalidValue, errorCode(t, rr))

	rr = f.do("DELETE", "/api/cache/user/profile", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do("GET", "/api/cache/user/profile", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apierr.ErrCacheNotFound, errorCode(t, rr))
}

func TestPutCacheValidation(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("PUT", "/api/cache/user/profile", `{"metadata":{}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierr.ErrValidationMissingField, errorCode(t, rr))

	rr = f.do("PUT", "/api/cache/user/profile", `{"data":1,"extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierr.ErrValidationInvalidJSON, errorCode(t, rr))
}

func TestKindEndpoints(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("GET", "/api/cache", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"kinds":[]}`, rr.Body.String())

	for _, path := range []string{"/api/cache/messages/a", "/api/cache/messages/b", "/api/cache/user/profile"} {
		require.Equal(t, http.StatusNoContent, f.do("PUT", path, `{"data":{}}`).Code)
	}

	rr = f.do("GET", "/api/cache", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"kinds":["messages","user"]}`, rr.Body.String())

	rr = f.do("GET", "/api/cache/messages", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"kind":"messages","keys":["a","b"],"count":2}`, rr.Body.String())

	rr = f.do("DELETE", "/api/cache/messages", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"kind":"messages","removed":2}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/cache/messages/a", "").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/api/cache/user/profile", "").Code)

	rr = f.do("GET", "/api/cache/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"totalEntries":1`)
}

func TestClearCacheKeepsQueue(t *testing.T) {
	f := newFixture(t, false)

	require.Equal(t, http.StatusNoContent, f.do("PUT", "/api/cache/events/upcoming", `{"data":[1,2]}`).Code)
	require.Equal(t, http.StatusAccepted, f.do("POST", "/api/queue", `{"method":"POST","url":"/api/posts","data":{"a":1}}`).Code)

	assert.Equal(t, http.StatusNoContent, f.do("DELETE", "/api/cache", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/cache/events/upcoming", "").Code)
	assert.Len(t, f.engine.PendingOperations(), 1)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("POST", "/api/queue", `{"method":"post","url":"/api/posts","data":{"title":"hi"},"headers":{"Authorization":"Bearer supersecrettoken"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var created map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	rr = f.do("GET", "/api/queue", "")
	require.Equal(t, http.StatusOK, rr.Code)
	etag := rr.Header().Get("ETag")
	assert.NotEmpty(t, etag)
	var list struct {
		Count      int `json:"count"`
		Operations []struct {
			ID      string            `json:"id"`
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers"`
		} `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, created["id"], list.Operations[0].ID)
	assert.Equal(t, "POST", list.Operations[0].Method)
	assert.Equal(t, "Bearer supe...", list.Operations[0].Headers["Authorization"])

	rr = f.do("GET", "/api/queue", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rr.Code)

	rr = f.do("POST", "/api/queue", `{"method":"TRACE","url":"/api/posts"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierr.ErrQueueInvalidOperation, errorCode(t, rr))

	assert.Equal(t, http.StatusNoContent, f.do("DELETE", "/api/queue", "").Code)
	assert.Empty(t, f.engine.PendingOperations())
	assert.Equal(t, 0, f.remote.count())
}

func TestSyncOffline(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("POST", "/api/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, apierr.ErrSyncOffline, errorCode(t, rr))
}

func TestSyncOnline(t *testing.T) {
	f := newFixture(t, true)

	require.Equal(t, http.StatusAccepted, f.do("POST", "/api/queue", `{"method":"PUT","url":"/api/users/me","data":{"n":1}}`).Code)
	f.engine.Wait()

	rr := f.do("POST", "/api/sync", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Outcome struct {
			Started bool `json:"started"`
		} `json:"outcome"`
		Status engine.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Outcome.Started, "queue was already drained")
	assert.Equal(t, 0, body.Status.PendingOperations)
	assert.Equal(t, 1, f.remote.count())
}

func TestLifecycleEndpoint(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("POST", "/api/lifecycle/Background", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"background"}`, rr.Body.String())
	assert.Equal(t, lifecycle.Background, f.life.Current())

	rr = f.do("POST", "/api/lifecycle/asleep", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	bare := NewRouter(f.engine, f.hub, RouterConfig{})
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest("POST", "/api/lifecycle/active", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddlewareChain(t *testing.T) {
	f := newFixture(t, false)

	rr := f.do("GET", "/api/cache/stats", "", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "totalEntries")

	rr = f.do("OPTIONS", "/api/cache/user/profile", "",
		"Origin", "http://localhost:5173",
		"Access-Control-Request-Method", "PUT")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() notify.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev notify.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	assert.Equal(t, handlers.StatusSnapshot, read().Type)
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.engine.CacheData(context.Background(), "user", "profile", map[string]string{"n": "1"}, nil))
	assert.Equal(t, notify.CacheUpdated, read().Type)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
