// Package coordinator drains the operation queue against the remote service.
// It owns the sync state machine: idle -> syncing -> success|error -> idle.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/offline-sync/internal/circuitbreaker"
	"github.com/onnwee/offline-sync/internal/errorreporting"
	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
	"github.com/onnwee/offline-sync/internal/queue"
	"github.com/onnwee/offline-sync/internal/tracing"
)

// DefaultBatchSize bounds one drain pass.
const DefaultBatchSize = 20

// Phase is a sync state machine state.
type Phase string

const (
	Idle    Phase = "idle"
	Syncing Phase = "syncing"
	Success Phase = "success"
	Failed  Phase = "error"
)

var (
	// ErrOffline is returned by ForceSync while the remote is unreachable.
	ErrOffline = errors.New("cannot sync while offline")
	// ErrInvalidResponse marks a 2xx response whose body is not JSON.
	ErrInvalidResponse = errors.New("response body is not valid JSON")
)

// SyncState is a point-in-time view of the coordinator.
type SyncState struct {
	State        Phase      `json:"state"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
	LastError    string     `json:"lastError,omitempty"`
}

// Outcome summarizes one RequestSync call.
type Outcome struct {
	Started      bool   `json:"started"`
	Reason       string `json:"reason"`
	Processed    int    `json:"processed"`
	Acked        int    `json:"acked"`
	Retained     int    `json:"retained"`
	Dropped      int    `json:"dropped"`
	StoppedEarly bool   `json:"stoppedEarly"`
	State        Phase  `json:"state"`
}

// Queue is the part of the operation queue the coordinator drives.
type Queue interface {
	PeekBatch(n int) []queue.Operation
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (queue.FailResult, error)
	Len() int
}

// Reachability reports whether the remote is believed reachable.
type Reachability interface {
	IsOnline() bool
}

// CacheWriter receives refreshed critical resources.
type CacheWriter interface {
	Put(ctx context.Context, kind, key string, data any, metadata map[string]string) bool
}

// CriticalResource is a read-through cache entry re-fetched after a clean drain.
type CriticalResource struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	URL  string `json:"url"`
}

// DefaultCriticalResources are the profile, upcoming events and recent
// messages a client needs right after reconnecting.
var DefaultCriticalResources = []CriticalResource{
	{Kind: "user", Key: "profile", URL: "/api/users/me"},
	{Kind: "events", Key: "upcoming", URL: "/api/events/upcoming"},
	{Kind: "messages", Key: "recent", URL: "/api/messages/recent"},
}

// Options tunes a Coordinator.
type Options struct {
	BatchSize int
	// Critical defaults to DefaultCriticalResources; an empty non-nil slice
	// disables the refresh pass.
	Critical       []CriticalResource
	DisableRefresh bool
	Now            func() time.Time
	Publisher      notify.Publisher
}

// Coordinator is the only writer of SyncState.
type Coordinator struct {
	queue     Queue
	reach     Reachability
	remote    httpx.Doer
	cache     CacheWriter
	batchSize int
	critical  []CriticalResource
	refresh   bool
	now       func() time.Time
	pub       notify.Publisher
	log       *slog.Logger

	mu    sync.Mutex
	state SyncState
	pass  atomic.Uint64
}

// New wires a coordinator. cache may be nil, which disables the refresh pass.
func New(q Queue, reach Reachability, remote httpx.Doer, cache CacheWriter, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Critical == nil {
		opts.Critical = DefaultCriticalResources
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard
	}
	return &Coordinator{
		queue:     q,
		reach:     reach,
		remote:    remote,
		cache:     cache,
		batchSize: opts.BatchSize,
		critical:  opts.Critical,
		refresh:   !opts.DisableRefresh && cache != nil && len(opts.Critical) > 0,
		now:       opts.Now,
		pub:       opts.Publisher,
		log:       logger.WithComponent("coordinator"),
		state:     SyncState{State: Idle},
	}
}

// State returns a copy of the current sync state.
func (c *Coordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() SyncState {
	st := c.state
	if st.LastSyncTime != nil {
		t := *st.LastSyncTime
		st.LastSyncTime = &t
	}
	return st
}

// ForceSync drains now. It fails fast with ErrOffline instead of queueing.
func (c *Coordinator) ForceSync(ctx context.Context) (Outcome, error) {
	if !c.reach.IsOnline() {
		return Outcome{Reason: "force", State: c.State().State}, ErrOffline
	}
	return c.RequestSync(ctx, "force"), nil
}

// RequestSync runs one drain pass when the coordinator is idle, the remote is
// reachable and the queue is non-empty. Otherwise it returns immediately with
// Started=false. The pass is detached from ctx cancellation so an accepted
// pass always reaches a terminal state.
func (c *Coordinator) RequestSync(ctx context.Context, reason string) Outcome {
	out := Outcome{Reason: reason}

	c.mu.Lock()
	switch {
	case c.state.State == Syncing:
		out.State = Syncing
		c.mu.Unlock()
		return out
	case !c.reach.IsOnline(), c.queue.Len() == 0:
		out.State = c.state.State
		c.mu.Unlock()
		return out
	}
	c.state.State = Syncing
	st := c.snapshotLocked()
	c.mu.Unlock()

	out.Started = true
	c.publishState(st)

	ctx = context.WithoutCancel(ctx)
	passID := strconv.FormatUint(c.pass.Add(1), 10)
	ctx = logger.WithSyncPass(ctx, passID)
	c.drain(ctx, &out)

	if out.State == Success && c.refresh && c.queue.Len() == 0 {
		c.RefreshCritical(ctx)
	}
	return out
}

func (c *Coordinator) drain(ctx context.Context, out *Outcome) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.drain")
	start := time.Now()
	log := logger.WithRequestID(ctx).With("component", "coordinator")

	batch := c.queue.PeekBatch(c.batchSize)
	log.InfoContext(ctx, "sync pass started", "reason", out.Reason, "batch", len(batch), "pending", c.queue.Len())

	var lastErr error
	for _, op := range batch {
		cause, err := c.execute(ctx, op)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			out.StoppedEarly = true
			lastErr = err
			log.WarnContext(ctx, "circuit open, stopping batch", "remaining", len(batch)-out.Processed)
			break
		}
		out.Processed++

		if cause == nil {
			if err := c.queue.Ack(ctx, op.ID); err != nil {
				log.ErrorContext(ctx, "ack not persisted", "id", op.ID, "error", err)
			}
			out.Acked++
		} else {
			c.recordFailure(ctx, log, op, cause, out)
			lastErr = cause
		}
		c.pub.Publish(notify.Event{Type: notify.PendingChanged, Payload: notify.PendingPayload{PendingCount: c.queue.Len()}})
	}

	final := Success
	if out.Dropped > 0 || out.StoppedEarly {
		final = Failed
	}
	out.State = final

	c.mu.Lock()
	c.state.State = final
	if final == Success {
		now := c.now()
		c.state.LastSyncTime = &now
		c.state.LastError = ""
	} else {
		c.state.LastError = describe(out, lastErr)
	}
	terminal := c.snapshotLocked()
	c.state.State = Idle
	idle := c.snapshotLocked()
	c.mu.Unlock()

	c.publishState(terminal)
	c.publishState(idle)

	metrics.SyncPasses.WithLabelValues(string(final)).Inc()
	metrics.SyncDrainDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("sync.processed", out.Processed),
		attribute.Int("sync.acked", out.Acked),
		attribute.Int("sync.dropped", out.Dropped),
		attribute.String("sync.state", string(final)),
	)
	var spanErr error
	if final == Failed {
		spanErr = errors.New(terminal.LastError)
	}
	tracing.EndSpan(span, spanErr)

	log.InfoContext(ctx, "sync pass finished",
		"state", final,
		"processed", out.Processed,
		"acked", out.Acked,
		"retained", out.Retained,
		"dropped", out.Dropped,
		"stopped_early", out.StoppedEarly,
		"duration", time.Since(start))
}

// execute returns the failure cause for op, or nil on success. The second
// return is only set when the request was never sent.
func (c *Coordinator) execute(ctx context.Context, op queue.Operation) (cause error, notSent error) {
	resp, err := c.remote.Do(ctx, httpx.Request{
		Method:  op.Method,
		URL:     op.URL,
		Headers: op.Headers,
		Body:    op.Data,
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, err
	}
	if err != nil {
		return err, nil
	}
	if err := resp.Err(); err != nil {
		return err, nil
	}
	if body := bytes.TrimSpace(resp.Body); len(body) > 0 && !json.Valid(body) {
		return ErrInvalidResponse, nil
	}
	return nil, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, log *slog.Logger, op queue.Operation, cause error, out *Outcome) {
	res, err := c.queue.Fail(ctx, op.ID, cause)
	if errors.Is(err, queue.ErrUnknownOperation) {
		log.WarnContext(ctx, "operation vanished during pass", "id", op.ID)
		return
	}
	class := failureClass(cause)
	metrics.SyncOperationFailures.WithLabelValues(string(class)).Inc()
	if err != nil {
		// the queue kept the operation as it was; the next pass replays it
		out.Retained++
		log.ErrorContext(ctx, "failure not persisted", "id", op.ID, "class", class, "error", err)
		return
	}
	if res.Retained {
		out.Retained++
		log.WarnContext(ctx, "operation failed, will retry",
			"id", op.ID,
			"attempts", res.Operation.Attempts,
			"class", class,
			"likely_permanent", class.Permanent(),
			"error", cause)
		return
	}

	out.Dropped++
	lastError := cause.Error()
	if res.Operation.LastError != nil {
		lastError = *res.Operation.LastError
	}
	log.ErrorContext(ctx, "operation permanently failed", "id", op.ID, "method", op.Method, "attempts", res.Operation.Attempts, "class", class, "error", cause)
	c.pub.Publish(notify.Event{Type: notify.PermanentFailure, Payload: notify.PermanentFailurePayload{
		OperationID: op.ID,
		Method:      op.Method,
		URL:         op.URL,
		Attempts:    res.Operation.Attempts,
		LastError:   lastError,
	}})
	errorreporting.ReportPermanentFailure(errorreporting.PermanentFailure{
		OperationID: op.ID,
		Method:      op.Method,
		URL:         op.URL,
		Attempts:    res.Operation.Attempts,
		LastError:   lastError,
	})
}

func failureClass(cause error) httpx.FailureClass {
	if errors.Is(cause, ErrInvalidResponse) {
		return "invalid_response"
	}
	return httpx.Classify(cause)
}

func describe(out *Outcome, lastErr error) string {
	switch {
	case out.StoppedEarly:
		return fmt.Sprintf("stopped after %d operation(s): %v", out.Processed, lastErr)
	case lastErr != nil:
		return fmt.Sprintf("%d operation(s) permanently failed: %v", out.Dropped, lastErr)
	default:
		return fmt.Sprintf("%d operation(s) permanently failed", out.Dropped)
	}
}

func (c *Coordinator) publishState(st SyncState) {
	c.pub.Publish(notify.Event{Type: notify.SyncStateChanged, Payload: notify.SyncStatePayload{
		State:        string(st.State),
		LastSyncTime: st.LastSyncTime,
		LastError:    st.LastError,
	}})
}
