package handlers

import (
	"net/http"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/errorreporting"
	"github.com/onnwee/offline-sync/internal/logger"
)

// Health returns a simple JSON payload to indicate the API is alive.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the storage collaborator answers, along with the
// number of attached event streams and whether error reporting is on.
// GET /ready
func Ready(e *engine.Engine, hub *EventHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := e.Cache().Kinds(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "readiness check failed", "error", err)
			apierr.WriteErrorWithContext(w, r, apierr.SystemStorage("Storage unavailable"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ready",
			"event_clients":   hub.Clients(),
			"error_reporting": errorreporting.IsSentryEnabled(),
		})
	}
}

// GetStatus returns the engine's connection snapshot.
// GET /api/status
func GetStatus(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.GetConnectionStatus())
	}
}
