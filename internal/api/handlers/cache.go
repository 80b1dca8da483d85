package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/logger"
)

type putCacheRequest struct {
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GetCached returns a fresh entry with its cache annotations merged in.
// GET /api/cache/{kind}/{key}?max_age_ms=N
func GetCached(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		kind, key := vars["kind"], vars["key"]

		var maxAge time.Duration
		if raw := r.URL.Query().Get("max_age_ms"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ms <= 0 {
				apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("max_age_ms", "max_age_ms must be a positive integer"))
				return
			}
			maxAge = time.Duration(ms) * time.Millisecond
		}

		res, ok := e.GetCachedData(r.Context(), kind, key, maxAge)
		if !ok {
			apierr.WriteErrorWithContext(w, r, apierr.CacheNotFound(kind, key))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// PutCached stores the request's data field under (kind, key).
// PUT /api/cache/{kind}/{key}
func PutCached(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		var req putCacheRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Data) == 0 {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("data"))
			return
		}
		if !e.CacheData(r.Context(), vars["kind"], vars["key"], req.Data, req.Metadata) {
			apierr.WriteErrorWithContext(w, r, apierr.CacheWriteFailed(""))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteCached removes one entry. Missing entries are not an error.
// DELETE /api/cache/{kind}/{key}
func DeleteCached(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := e.RemoveCachedData(r.Context(), vars["kind"], vars["key"]); err != nil {
			logger.ErrorContext(r.Context(), "remove cached entry failed", "kind", vars["kind"], "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.CacheWriteFailed("Failed to remove cache entry"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ClearCache drops every entry. Pending operations are kept.
// DELETE /api/cache
func ClearCache(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !e.ClearAllCache(r.Context()) {
			apierr.WriteErrorWithContext(w, r, apierr.CacheWriteFailed("Failed to clear cache"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetCacheStats reports entry counts and serialized size.
// GET /api/cache/stats
func GetCacheStats(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.GetCacheStats(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "cache stats failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.CacheReadFailed(""))
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListKinds returns every kind that has indexed entries.
// GET /api/cache
func ListKinds(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kinds, err := e.Cache().Kinds(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "list kinds failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.CacheReadFailed(""))
			return
		}
		if kinds == nil {
			kinds = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"kinds": kinds})
	}
}

// ListKeys returns the indexed keys of one kind in insertion order. Keys may
// name entries that have since expired.
// GET /api/cache/{kind}
func ListKeys(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := mux.Vars(r)["kind"]
		keys, err := e.Cache().Keys(r.Context(), kind)
		if err != nil {
			logger.ErrorContext(r.Context(), "list keys failed", "kind", kind, "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.CacheReadFailed(""))
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "keys": keys, "count": len(keys)})
	}
}

// ClearKind drops every indexed entry of one kind.
// DELETE /api/cache/{kind}
func ClearKind(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := mux.Vars(r)["kind"]
		n, err := e.Cache().ClearKind(r.Context(), kind)
		if err != nil {
			logger.ErrorContext(r.Context(), "clear kind failed", "kind", kind, "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.CacheWriteFailed("Failed to clear kind"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "removed": n})
	}
}
