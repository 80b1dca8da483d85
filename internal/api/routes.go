package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/offline-sync/internal/api/handlers"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/middleware"
)

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	// Lifecycle is optional; without it POST /api/lifecycle/{state} returns 404.
	Lifecycle handlers.LifecycleSetter
}

// NewRouter mounts the local API over e. Events are streamed through hub,
// which the caller runs and subscribes to the engine.
func NewRouter(e *engine.Engine, hub *handlers.EventHub, cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Instrument)

	r.HandleFunc("/health", handlers.Health).Methods("GET")
	r.HandleFunc("/ready", handlers.Ready(e, hub)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	a := r.PathPrefix("/api").Subrouter()
	a.Use(middleware.LimitBody(cfg.MaxBodyBytes))

	// Status & events
	a.HandleFunc("/status", handlers.GetStatus(e)).Methods("GET")
	a.HandleFunc("/events", handlers.Events(hub, e)).Methods("GET")

	// Cache
	a.HandleFunc("/cache/stats", handlers.GetCacheStats(e)).Methods("GET")
	a.HandleFunc("/cache", handlers.ListKinds(e)).Methods("GET")
	a.HandleFunc("/cache", handlers.ClearCache(e)).Methods("DELETE")
	a.HandleFunc("/cache/{kind}", handlers.ListKeys(e)).Methods("GET")
	a.HandleFunc("/cache/{kind}", handlers.ClearKind(e)).Methods("DELETE")
	a.HandleFunc("/cache/{kind}/{key}", handlers.GetCached(e)).Methods("GET")
	a.HandleFunc("/cache/{kind}/{key}", handlers.PutCached(e)).Methods("PUT")
	a.HandleFunc("/cache/{kind}/{key}", handlers.DeleteCached(e)).Methods("DELETE")

	// Queue & sync
	a.Handle("/queue", middleware.ETag(handlers.ListOperations(e))).Methods("GET")
	a.HandleFunc("/queue", handlers.PostOperation(e)).Methods("POST")
	a.HandleFunc("/queue", handlers.ClearQueue(e)).Methods("DELETE")
	a.HandleFunc("/sync", handlers.PostSync(e)).Methods("POST")

	// Lifecycle
	a.HandleFunc("/lifecycle/{state}", handlers.PostLifecycle(cfg.Lifecycle)).Methods("POST")

	var h http.Handler = r
	h = middleware.Compress(h)
	h = middleware.CORS(middleware.NewCORSConfig(cfg.AllowedOrigins))(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RequestID(middleware.RecoverWithSentry(h))
	return h
}
