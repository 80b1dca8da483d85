// Package queue is the persisted FIFO of mutating operations waiting to be
// replayed against the remote service.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/offline-sync/internal/codec"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/secrets"
)

const (
	// StorageKey holds the full queue snapshot.
	StorageKey = "sync_queue"
	// CorruptKeyPrefix preserves an unreadable snapshot for inspection.
	CorruptKeyPrefix = "sync_queue_corrupt_"

	DefaultMaxRetries = 3
)

// Operation is a queued HTTP intent.
type Operation = codec.Operation

var (
	ErrInvalidOperation = errors.New("queue: invalid operation")
	ErrUnknownOperation = errors.New("queue: unknown operation id")
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// FailResult reports the outcome of a failed attempt. Operation is the state
// after the failure was recorded.
type FailResult struct {
	Retained  bool
	Operation Operation
}

// Options tunes a Queue.
type Options struct {
	MaxRetries int
	Now        func() time.Time
}

// Queue is safe for concurrent use. Every mutation persists the full snapshot
// before it returns.
type Queue struct {
	mu         sync.Mutex
	kv         kvstore.Store
	ops        []Operation
	maxRetries int
	now        func() time.Time
	seq        uint64
	log        *slog.Logger
}

// Open loads the persisted queue. An unreadable snapshot is copied aside under
// CorruptKeyPrefix and the queue starts empty.
func Open(ctx context.Context, kv kvstore.Store, opts Options) (*Queue, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		kv:         kv,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		log:        logger.WithComponent("queue"),
	}

	raw, ok, err := kv.GetItem(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", StorageKey, err)
	}
	if ok {
		ops, err := codec.DecodeQueue(raw)
		if err != nil {
			q.quarantine(ctx, raw, err)
		} else {
			q.ops = ops
		}
	}
	metrics.QueuePending.Set(float64(len(q.ops)))
	q.log.InfoContext(ctx, "queue loaded", "pending", len(q.ops), "max_retries", q.maxRetries)
	return q, nil
}

func (q *Queue) quarantine(ctx context.Context, raw string, cause error) {
	aside := fmt.Sprintf("%s%d", CorruptKeyPrefix, q.now().Unix())
	q.log.ErrorContext(ctx, "corrupt queue snapshot, starting empty", "error", cause, "preserved_as", aside)
	if err := q.kv.SetItem(ctx, aside, raw); err != nil {
		// keep the original in place rather than lose it
		q.log.ErrorContext(ctx, "failed to preserve corrupt queue snapshot", "error", err)
		return
	}
	if err := q.persistLocked(ctx, q.ops); err != nil {
		q.log.ErrorContext(ctx, "failed to reset queue snapshot", "error", err)
	}
}

// MaxRetries is the attempt ceiling after which operations are dropped.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue validates op, assigns its id and appends it. If the snapshot cannot
// be persisted the append is undone and the error returned.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	op, err := normalize(op)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.seq++
	op.ID = fmt.Sprintf("%d-%d-%s", now.UnixMilli(), q.seq, uuid.NewString()[:8])
	op.EnqueuedAt = now
	op.Attempts = 0
	op.LastError = nil

	next := append(slices.Clone(q.ops), op)
	if err := q.persistLocked(ctx, next); err != nil {
		return "", err
	}
	q.ops = next

	metrics.QueueOperations.WithLabelValues("enqueued").Inc()
	metrics.QueuePending.Set(float64(len(q.ops)))
	q.log.DebugContext(ctx, "operation enqueued",
		"id", op.ID,
		"method", op.Method,
		"url", op.URL,
		"headers", secrets.MaskHeaders(op.Headers))
	return op.ID, nil
}

func normalize(op Operation) (Operation, error) {
	op = op.Clone()
	op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
	if !allowedMethods[op.Method] {
		return op, fmt.Errorf("%w: unsupported method %q", ErrInvalidOperation, op.Method)
	}
	op.URL = strings.TrimSpace(op.URL)
	if op.URL == "" {
		return op, fmt.Errorf("%w: url is required", ErrInvalidOperation)
	}
	u, err := url.Parse(op.URL)
	if err != nil {
		return op, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return op, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOperation, u.Scheme)
		}
	} else if !strings.HasPrefix(op.URL, "/") {
		return op, fmt.Errorf("%w: relative url must start with /", ErrInvalidOperation)
	}
	if len(op.Data) > 0 && !json.Valid(op.Data) {
		return op, fmt.Errorf("%w: data is not valid JSON", ErrInvalidOperation)
	}
	return op, nil
}

// PeekBatch returns copies of the first n operations in FIFO order; n <= 0
// returns all of them.
func (q *Queue) PeekBatch(n int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.ops) {
		n = len(q.ops)
	}
	out := make([]Operation, n)
	for i := range n {
		out[i] = q.ops[i].Clone()
	}
	return out
}

// Ack removes a successfully replayed operation. Unknown ids are ignored.
// When the removal cannot be persisted the operation stays queued.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(q.ops), i, i+1)
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.ops = next
	metrics.QueueOperations.WithLabelValues("acked").Inc()
	metrics.QueuePending.Set(float64(len(q.ops)))
	return nil
}

// Fail records a failed attempt. Once attempts reach MaxRetries the operation
// is removed and Retained is false. If the new state cannot be persisted the
// queue is left unchanged and the error returned.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return FailResult{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}

	op := q.ops[i].Clone()
	op.Attempts++
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	op.LastError = &msg

	res := FailResult{Retained: op.Attempts < q.maxRetries, Operation: op.Clone()}
	next := slices.Clone(q.ops)
	if res.Retained {
		next[i] = op
	} else {
		next = slices.Delete(next, i, i+1)
	}
	if err := q.persistLocked(ctx, next); err != nil {
		return FailResult{}, err
	}
	q.ops = next

	if res.Retained {
		metrics.QueueOperations.WithLabelValues("retried").Inc()
	} else {
		metrics.QueueOperations.WithLabelValues("dropped").Inc()
	}
	metrics.QueuePending.Set(float64(len(q.ops)))
	return res, nil
}

// Len is the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear drops every pending operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.ops
	if err := q.persistLocked(ctx, nil); err != nil {
		return err
	}
	q.ops = nil
	metrics.QueuePending.Set(0)
	q.log.InfoContext(ctx, "queue cleared", "dropped", len(prev))
	return nil
}

func (q *Queue) indexOf(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes ops as the queue snapshot. Callers commit ops to q.ops
// only after it succeeds.
func (q *Queue) persistLocked(ctx context.Context, ops []Operation) error {
	raw, err := codec.EncodeQueue(ops)
	if err != nil {
		return fmt.Errorf("persist %s: %w", StorageKey, err)
	}
	if err := q.kv.SetItem(ctx, StorageKey, raw); err != nil {
		q.log.ErrorContext(ctx, "queue persist failed", "pending", len(ops), "error", err)
		return fmt.Errorf("persist %s: %w", StorageKey, err)
	}
	return nil
}
