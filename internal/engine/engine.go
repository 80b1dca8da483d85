// Package engine composes the cache, queue, connectivity monitor, coordinator
// and notification hub behind the application-facing API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/cache"
	"github.com/onnwee/offline-sync/internal/connectivity"
	"github.com/onnwee/offline-sync/internal/coordinator"
	"github.com/onnwee/offline-sync/internal/errorreporting"
	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/lifecycle"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
	"github.com/onnwee/offline-sync/internal/queue"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Deps are the external collaborators.
type Deps struct {
	Storage      kvstore.Store
	Reachability connectivity.Provider
	// Lifecycle is optional.
	Lifecycle lifecycle.Provider
	Remote    httpx.Doer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Options tunes the engine. Zero values take the package defaults.
type Options struct {
	BatchSize      int
	MaxRetries     int
	DefaultMaxAge  time.Duration
	Critical       []coordinator.CriticalResource
	DisableRefresh bool
}

// Status is the synchronous connection snapshot.
type Status struct {
	IsOnline          bool              `json:"isOnline"`
	ConnectionType    string            `json:"connectionType"`
	SyncState         coordinator.Phase `json:"syncState"`
	PendingOperations int               `json:"pendingOperations"`
	LastSyncTime      *time.Time        `json:"lastSyncTime"`
	LastError         string            `json:"lastError,omitempty"`
}

// Engine is the process-wide offline data layer.
type Engine struct {
	hub       *notify.Hub
	cache     *cache.Store
	queue     *queue.Queue
	monitor   *connectivity.Monitor
	coord     *coordinator.Coordinator
	lifecycle lifecycle.Provider
	log       *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	unsubs  []func()
	wg      sync.WaitGroup
}

// New loads the persisted queue and wires the components. Nothing runs until
// Start.
func New(ctx context.Context, deps Deps, opts Options) (*Engine, error) {
	if deps.Storage == nil || deps.Reachability == nil || deps.Remote == nil {
		return nil, fmt.Errorf("engine: storage, reachability and remote are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	hub := notify.NewHub(deps.Clock)
	q, err := queue.Open(ctx, deps.Storage, queue.Options{MaxRetries: opts.MaxRetries, Now: deps.Clock})
	if err != nil {
		return nil, fmt.Errorf("engine: open queue: %w", err)
	}
	store := cache.New(deps.Storage, cache.Options{
		Now:           deps.Clock,
		DefaultMaxAge: opts.DefaultMaxAge,
		Publisher:     hub,
	})
	monitor := connectivity.NewMonitor(deps.Reachability)
	coord := coordinator.New(q, monitor, deps.Remote, store, coordinator.Options{
		BatchSize:      opts.BatchSize,
		Critical:       opts.Critical,
		DisableRefresh: opts.DisableRefresh,
		Now:            deps.Clock,
		Publisher:      hub,
	})

	return &Engine{
		hub:       hub,
		cache:     store,
		queue:     q,
		monitor:   monitor,
		coord:     coord,
		lifecycle: deps.Lifecycle,
		log:       logger.WithComponent("engine"),
	}, nil
}

// Start subscribes to connectivity and lifecycle. An offline->online edge,
// including the initial reading, triggers a drain; an online type switch only
// refreshes critical data; returning to the foreground while online drains.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.unsubs = append(e.unsubs, e.monitor.OnTransition(e.onTransition))
	if e.lifecycle != nil {
		e.unsubs = append(e.unsubs, e.lifecycle.Subscribe(e.onLifecycle))
	}
	e.mu.Unlock()

	e.monitor.Start(ctx)
	e.log.InfoContext(ctx, "engine started", "online", e.monitor.IsOnline(), "pending", e.queue.Len())
}

func (e *Engine) onTransition(prev, next bool, connectionType string) {
	e.hub.Publish(notify.Event{Type: notify.ConnectivityChanged, Payload: notify.ConnectivityPayload{
		IsOnline:       next,
		WasOnline:      prev,
		ConnectionType: connectionType,
	}})
	switch {
	case !prev && next:
		e.goSync("reconnect")
	case prev && next:
		e.goRefresh()
	}
}

func (e *Engine) onLifecycle(st lifecycle.State) {
	e.log.Debug("lifecycle changed", "state", st)
	if st == lifecycle.Active && e.monitor.IsOnline() {
		e.goSync("foreground")
	}
}

// goSync runs a drain in the background unless the engine is closed.
func (e *Engine) goSync(reason string) {
	e.background(func(ctx context.Context) {
		e.coord.RequestSync(ctx, reason)
	})
}

func (e *Engine) goRefresh() {
	e.background(func(ctx context.Context) {
		e.coord.RefreshCritical(ctx)
	})
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("background sync panicked", "panic", r)
				errorreporting.RecoverPanic(r, map[string]string{"component": "engine"})
			}
		}()
		fn(context.Background())
	}()
}

// CacheData stores data under (kind, key). It never panics; false means the
// value was not persisted.
func (e *Engine) CacheData(ctx context.Context, kind, key string, data any, metadata map[string]string) bool {
	return e.cache.Put(ctx, kind, key, data, metadata)
}

// GetCachedData returns a fresh entry. maxAge <= 0 uses the default.
func (e *Engine) GetCachedData(ctx context.Context, kind, key string, maxAge time.Duration) (*cache.Result, bool) {
	return e.cache.Get(ctx, kind, key, maxAge)
}

// RemoveCachedData deletes one entry.
func (e *Engine) RemoveCachedData(ctx context.Context, kind, key string) error {
	return e.cache.Remove(ctx, kind, key)
}

// AddToSyncQueue persists op and, when online, starts a drain in the
// background. The returned id is the operation's queue id.
func (e *Engine) AddToSyncQueue(ctx context.Context, op queue.Operation) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	id, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return "", err
	}
	e.hub.Publish(notify.Event{Type: notify.PendingChanged, Payload: notify.PendingPayload{PendingCount: e.queue.Len()}})
	if e.monitor.IsOnline() {
		e.goSync("enqueue")
	}
	return id, nil
}

// PendingOperations returns copies of every queued operation in FIFO order.
func (e *Engine) PendingOperations() []queue.Operation {
	return e.queue.PeekBatch(0)
}

// ClearSyncQueue drops every pending operation.
func (e *Engine) ClearSyncQueue(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}
	e.hub.Publish(notify.Event{Type: notify.PendingChanged, Payload: notify.PendingPayload{PendingCount: 0}})
	return nil
}

// GetCacheStats reports entry counts and sizes.
func (e *Engine) GetCacheStats(ctx context.Context) (cache.Stats, error) {
	return e.cache.Stats(ctx)
}

// ClearAllCache removes every cache entry and index. The queue is untouched.
func (e *Engine) ClearAllCache(ctx context.Context) bool {
	if err := e.cache.Clear(ctx); err != nil {
		e.log.ErrorContext(ctx, "clear cache failed", "error", err)
		return false
	}
	return true
}

// ForceSync drains now and waits for the pass. It returns
// coordinator.ErrOffline while offline.
func (e *Engine) ForceSync(ctx context.Context) error {
	_, err := e.SyncNow(ctx)
	return err
}

// SyncNow is ForceSync that also reports what the pass did. Started is false
// when a pass was already running or there was nothing to send.
func (e *Engine) SyncNow(ctx context.Context) (coordinator.Outcome, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return coordinator.Outcome{}, ErrClosed
	}
	return e.coord.ForceSync(ctx)
}

// GetConnectionStatus is a synchronous snapshot.
func (e *Engine) GetConnectionStatus() Status {
	st := e.coord.State()
	return Status{
		IsOnline:          e.monitor.IsOnline(),
		ConnectionType:    e.monitor.ConnectionType(),
		SyncState:         st.State,
		PendingOperations: e.queue.Len(),
		LastSyncTime:      st.LastSyncTime,
		LastError:         st.LastError,
	}
}

// AddListener subscribes to every engine event.
func (e *Engine) AddListener(fn notify.Listener) func() {
	return e.hub.Subscribe(fn)
}

// Cache exposes the entry store for maintenance jobs.
func (e *Engine) Cache() *cache.Store { return e.cache }

// MetricsSnapshot implements metrics.Source.
func (e *Engine) MetricsSnapshot(ctx context.Context) (metrics.Snapshot, error) {
	stats, err := e.cache.Stats(ctx)
	if err != nil {
		return metrics.Snapshot{Pending: e.queue.Len()}, err
	}
	return metrics.Snapshot{
		EntriesByKind: stats.PerKindCounts,
		TotalBytes:    stats.TotalSizeBytes,
		Pending:       e.queue.Len(),
	}, nil
}

// Wait blocks until background passes started so far have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Close unsubscribes from the providers and waits for in-flight passes. It
// does not close the storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	e.monitor.Stop()
	e.wg.Wait()
	e.log.Info("engine closed", "pending", e.queue.Len())
	return nil
}
