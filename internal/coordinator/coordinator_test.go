package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/offline-sync/internal/cache"
	"github.com/onnwee/offline-sync/internal/circuitbreaker"
	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
	"github.com/onnwee/offline-sync/internal/queue"
)

type reach struct {
	mu     sync.Mutex
	online bool
}

func (r *reach) IsOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

func (r *reach) set(v bool) {
	r.mu.Lock()
	r.online = v
	r.mu.Unlock()
}

// remote is a scripted httpx.Doer.
type remote struct {
	mu      sync.Mutex
	calls   []httpx.Request
	respond func(n int, req httpx.Request) (*httpx.Response, error)
}

func (r *remote) Do(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	n := len(r.calls)
	fn := r.respond
	r.mu.Unlock()
	if fn == nil {
		return &httpx.Response{Status: 200, Header: http.Header{}, Body: []byte(`{}`)}, nil
	}
	return fn(n, req)
}

func (r *remote) urls(method string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c.URL)
		}
	}
	return out
}

func status(code int, body string) *httpx.Response {
	return &httpx.Response{Status: code, Header: http.Header{}, Body: []byte(body)}
}

type events struct {
	mu  sync.Mutex
	all []notify.Event
}

func (e *events) listen(ev notify.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) ofType(t notify.EventType) []notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Event
	for _, ev := range e.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (e *events) states() []string {
	var out []string
	for _, ev := range e.ofType(notify.SyncStateChanged) {
		out = append(out, ev.Payload.(notify.SyncStatePayload).State)
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	queue  *queue.Queue
	cache  *cache.Store
	kv     *kvstore.MemoryStore
	reach  *reach
	remote *remote
	events *events
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		reach:  &reach{online: true},
		remote: &remote{},
		events: &events{},
		now:    time.UnixMilli(1_700_000_000_000),
	}
	clock := func() time.Time { return f.now }
	hub := notify.NewHub(clock)
	hub.Subscribe(f.events.listen)

	kv := kvstore.NewMemoryStore()
	f.kv = kv
	q, err := queue.Open(context.Background(), kv, queue.Options{Now: clock})
	require.NoError(t, err)
	f.queue = q
	f.cache = cache.New(kv, cache.Options{Now: clock, Publisher: hub})

	opts.Now = clock
	opts.Publisher = hub
	f.coord = New(q, f.reach, f.remote, f.cache, opts)
	return f
}

func (f *fixture) enqueue(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		id, err := f.queue.Enqueue(context.Background(), queue.Operation{
			Method: "POST",
			URL:    fmt.Sprintf("/api/items/%d", i),
			Data:   json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
		})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestRequestSyncNoopWhenOfflineOrEmpty(t *testing.T) {
	f := newFixture(t, Options{})

	out := f.coord.RequestSync(context.Background(), "test")
	assert.False(t, out.Started, "empty queue")

	f.enqueue(t, 1)
	f.reach.set(false)
	out = f.coord.RequestSync(context.Background(), "test")
	assert.False(t, out.Started, "offline")
	assert.Empty(t, f.remote.calls)
	assert.Equal(t, 1, f.queue.Len())
	assert.Empty(t, f.events.states())
}

func TestDrainBatchLimitAndOrdering(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, 25)

	out := f.coord.RequestSync(context.Background(), "online")
	assert.True(t, out.Started)
	assert.Equal(t, 20, out.Processed)
	assert.Equal(t, 20, out.Acked)
	assert.Equal(t, Success, out.State)
	assert.Equal(t, 5, f.queue.Len())

	posts := f.remote.urls("POST")
	require.Len(t, posts, 20)
	for i, u := range posts {
		assert.Equal(t, fmt.Sprintf("/api/items/%d", i), u)
	}
	assert.Empty(t, f.remote.urls("GET"), "no refresh while the queue is non-empty")

	st := f.coord.State()
	assert.Equal(t, Idle, st.State)
	require.NotNil(t, st.LastSyncTime)
	assert.Equal(t, f.now, *st.LastSyncTime)
	assert.Equal(t, []string{"syncing", "success", "idle"}, f.events.states())
	assert.Len(t, f.events.ofType(notify.PendingChanged), 20)

	out = f.coord.RequestSync(context.Background(), "force")
	assert.Equal(t, 5, out.Acked)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, []string{"/api/users/me", "/api/events/upcoming", "/api/messages/recent"}, f.remote.urls("GET"))
}

func TestRetryCeilingDropsAndReports(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(int, httpx.Request) (*httpx.Response, error) {
		return status(500, `{"error":"boom"}`), nil
	}
	ids := f.enqueue(t, 1)

	for pass := 1; pass <= 2; pass++ {
		out := f.coord.RequestSync(context.Background(), "retry")
		assert.Equal(t, 1, out.Retained)
		assert.Equal(t, Success, out.State, "retained failures do not fail the pass")
		assert.Equal(t, 1, f.queue.Len())
	}

	out := f.coord.RequestSync(context.Background(), "retry")
	assert.Equal(t, 1, out.Dropped)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, f.queue.Len())
	assert.Len(t, f.remote.calls, 3)

	failures := f.events.ofType(notify.PermanentFailure)
	require.Len(t, failures, 1)
	p := failures[0].Payload.(notify.PermanentFailurePayload)
	assert.Equal(t, ids[0], p.OperationID)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, "HTTP 500", p.LastError)

	st := f.coord.State()
	assert.Equal(t, Idle, st.State)
	assert.Contains(t, st.LastError, "permanently failed")

	out = f.coord.RequestSync(context.Background(), "retry")
	assert.False(t, out.Started, "nothing left to drain")
}

func TestUnpersistedDropIsNotReported(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(int, httpx.Request) (*httpx.Response, error) {
		return status(500, `{}`), nil
	}
	f.enqueue(t, 1)
	for range 2 {
		f.coord.RequestSync(context.Background(), "retry")
	}

	f.kv.FailWrites(errors.New("disk full"))
	out := f.coord.RequestSync(context.Background(), "retry")
	f.kv.FailWrites(nil)
	assert.Equal(t, 0, out.Dropped)
	assert.Equal(t, 1, out.Retained)
	assert.Equal(t, 1, f.queue.Len())
	assert.Empty(t, f.events.ofType(notify.PermanentFailure), "a drop that was not persisted is not announced")

	out = f.coord.RequestSync(context.Background(), "retry")
	assert.Equal(t, 1, out.Dropped)
	failures := f.events.ofType(notify.PermanentFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Payload.(notify.PermanentFailurePayload).Attempts)
}

func TestInvalidJSONBodyIsFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(int, httpx.Request) (*httpx.Response, error) {
		return status(200, "<html>ok</html>"), nil
	}
	f.enqueue(t, 1)

	out := f.coord.RequestSync(context.Background(), "test")
	assert.Equal(t, 1, out.Retained)
	ops := f.queue.PeekBatch(0)
	require.Len(t, ops, 1)
	assert.Equal(t, ErrInvalidResponse.Error(), *ops[0].LastError)
}

func TestEmptyBodyIsSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(int, httpx.Request) (*httpx.Response, error) {
		return status(204, ""), nil
	}
	f.enqueue(t, 2)
	out := f.coord.RequestSync(context.Background(), "test")
	assert.Equal(t, 2, out.Acked)
}

func TestCircuitOpenStopsBatch(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(n int, _ httpx.Request) (*httpx.Response, error) {
		if n > 2 {
			return nil, fmt.Errorf("POST /x: %w", circuitbreaker.ErrCircuitOpen)
		}
		return status(200, `{}`), nil
	}
	f.enqueue(t, 5)

	out := f.coord.RequestSync(context.Background(), "test")
	assert.True(t, out.StoppedEarly)
	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, Failed, out.State)
	assert.Len(t, f.remote.calls, 3)

	for _, op := range f.queue.PeekBatch(0) {
		assert.Zero(t, op.Attempts, "untouched operations keep their attempts")
	}
	assert.Equal(t, 3, f.queue.Len())
	assert.Nil(t, f.coord.State().LastSyncTime)
}

func TestRequestSyncIsNonReentrant(t *testing.T) {
	f := newFixture(t, Options{DisableRefresh: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.respond = func(n int, _ httpx.Request) (*httpx.Response, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		return status(200, `{}`), nil
	}
	f.enqueue(t, 2)

	done := make(chan Outcome)
	go func() { done <- f.coord.RequestSync(context.Background(), "first") }()
	<-entered

	second := f.coord.RequestSync(context.Background(), "second")
	assert.False(t, second.Started)
	assert.Equal(t, Syncing, second.State)
	assert.Equal(t, Syncing, f.coord.State().State)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.Acked)
	assert.Len(t, f.remote.calls, 2)
}

func TestPassSurvivesCanceledContext(t *testing.T) {
	f := newFixture(t, Options{DisableRefresh: true})
	f.enqueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.coord.RequestSync(ctx, "test")
	assert.Equal(t, 3, out.Acked)
	assert.Equal(t, Idle, f.coord.State().State)
}

func TestForceSyncOffline(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, 1)
	f.reach.set(false)

	_, err := f.coord.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, f.queue.Len())

	f.reach.set(true)
	out, err := f.coord.ForceSync(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Started)
}

func TestRefreshCriticalToleratesFailures(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.respond = func(_ int, req httpx.Request) (*httpx.Response, error) {
		switch {
		case strings.HasSuffix(req.URL, "/upcoming"):
			return status(503, ""), nil
		case strings.HasSuffix(req.URL, "/me"):
			r := status(200, `{"name":"ada"}`)
			r.Header.Set("ETag", `"v7"`)
			return r, nil
		default:
			return status(200, `[1,2]`), nil
		}
	}

	n := f.coord.RefreshCritical(context.Background())
	assert.Equal(t, 2, n)

	res, ok := f.cache.Get(context.Background(), "user", "profile", 0)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"ada"}`, string(res.Data))
	assert.Equal(t, RefreshSource, res.Metadata["source"])
	assert.Equal(t, `"v7"`, res.Metadata["version"])

	_, ok = f.cache.Get(context.Background(), "events", "upcoming", 0)
	assert.False(t, ok)
	_, ok = f.cache.Get(context.Background(), "messages", "recent", 0)
	assert.True(t, ok)
	assert.Len(t, f.events.ofType(notify.CacheRefreshed), 2)
}

func TestRefreshDisabledWithEmptyCriticalList(t *testing.T) {
	f := newFixture(t, Options{Critical: []CriticalResource{}})
	assert.Zero(t, f.coord.RefreshCritical(context.Background()))
	assert.Empty(t, f.remote.calls)
}

func TestFailuresCountedByClass(t *testing.T) {
	f := newFixture(t, Options{DisableRefresh: true})
	f.remote.respond = func(n int, _ httpx.Request) (*httpx.Response, error) {
		switch n {
		case 1:
			return status(404, ""), nil
		case 2:
			return status(200, "not json"), nil
		default:
			return status(503, ""), nil
		}
	}
	f.enqueue(t, 3)

	notFound := testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("not_found"))
	invalid := testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("invalid_response"))
	server := testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("server"))

	out := f.coord.RequestSync(context.Background(), "test")
	assert.Equal(t, 3, out.Retained)

	assert.Equal(t, notFound+1, testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("not_found")))
	assert.Equal(t, invalid+1, testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("invalid_response")))
	assert.Equal(t, server+1, testutil.ToFloat64(metrics.SyncOperationFailures.WithLabelValues("server")))
}
