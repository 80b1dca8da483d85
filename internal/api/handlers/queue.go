package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/coordinator"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/queue"
	"github.com/onnwee/offline-sync/internal/secrets"
)

type enqueueRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// operationView is a queued operation as shown to local clients. Credential
// headers are masked.
type operationView struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
	LastError  *string           `json:"lastError"`
}

func viewOf(op queue.Operation) operationView {
	return operationView{
		ID:         op.ID,
		Method:     op.Method,
		URL:        secrets.MaskURL(op.URL),
		Data:       op.Data,
		Headers:    secrets.MaskHeaders(op.Headers),
		EnqueuedAt: op.EnqueuedAt,
		Attempts:   op.Attempts,
		LastError:  op.LastError,
	}
}

// PostOperation queues a mutating request for replay.
// POST /api/queue
func PostOperation(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := e.AddToSyncQueue(r.Context(), queue.Operation{
			Method:  req.Method,
			URL:     req.URL,
			Data:    req.Data,
			Headers: req.Headers,
		})
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		case errors.Is(err, queue.ErrInvalidOperation):
			apierr.WriteErrorWithContext(w, r, apierr.QueueInvalidOperation(err.Error()))
		case errors.Is(err, engine.ErrClosed):
			apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Engine is shutting down"))
		default:
			logger.ErrorContext(r.Context(), "enqueue failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.QueuePersistFailed(""))
		}
	}
}

// ListOperations returns pending operations in replay order.
// GET /api/queue
func ListOperations(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops := e.PendingOperations()
		out := make([]operationView, 0, len(ops))
		for _, op := range ops {
			out = append(out, viewOf(op))
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": out, "count": len(out)})
	}
}

// ClearQueue drops every pending operation without sending it.
// DELETE /api/queue
func ClearQueue(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := e.ClearSyncQueue(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "clear queue failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.QueuePersistFailed(""))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// PostSync drains the queue now and reports what the pass did.
// POST /api/sync
func PostSync(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := e.SyncNow(r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"outcome": out, "status": e.GetConnectionStatus()})
		case errors.Is(err, coordinator.ErrOffline):
			apierr.WriteErrorWithContext(w, r, apierr.SyncOffline())
		case errors.Is(err, engine.ErrClosed):
			apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Engine is shutting down"))
		default:
			logger.ErrorContext(r.Context(), "forced sync failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.SystemInternal(""))
		}
	}
}
