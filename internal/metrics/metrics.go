package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Entry store metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Total number of cache reads that returned a fresh entry",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Total number of cache reads that found no usable entry",
		},
		[]string{"kind", "reason"}, // reason: absent, expired, corrupt, error
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"status"}, // status: success, failed
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_cache_entries",
			Help: "Number of stored cache entries per kind",
		},
		[]string{"kind"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_cache_size_bytes",
			Help: "Sum of serialized cache entry sizes in bytes",
		},
	)

	SweepRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_sweep_removed_total",
			Help: "Total number of entries removed by expiry sweeps",
		},
	)

	// Storage collaborator metrics
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Duration of key-value storage operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_errors_total",
			Help: "Total number of failed key-value storage operations",
		},
		[]string{"backend", "operation"},
	)

	HotCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_hot_cache_requests_total",
			Help: "Reads served by the in-memory storage layer",
		},
		[]string{"result"}, // result: hit, miss
	)

	// Operation queue metrics
	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_queue_pending",
			Help: "Number of operations waiting to be replayed",
		},
	)

	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_queue_operations_total",
			Help: "Queue transitions by kind",
		},
		[]string{"event"}, // event: enqueued, acked, retried, dropped
	)

	// Sync coordinator metrics
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_passes_total",
			Help: "Total number of drain passes by final state",
		},
		[]string{"outcome"}, // outcome: success, error
	)

	SyncDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_drain_duration_seconds",
			Help:    "Duration of drain passes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	SyncOperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operation_failures_total",
			Help: "Failed operation replays by failure class",
		},
		[]string{"class"},
	)

	SyncRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_critical_refresh_total",
			Help: "Critical resource refresh attempts",
		},
		[]string{"status"}, // status: success, failed
	)

	// Remote service metrics
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_requests_total",
			Help: "Total number of requests made to the remote service",
		},
		[]string{"method", "status"}, // status: HTTP code, network, circuit_open
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_request_duration_seconds",
			Help:    "Duration of remote requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RemoteRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_rate_limit_waits_total",
			Help: "Total number of times a remote request waited for the rate limiter",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of times circuit breaker opened",
		},
		[]string{"component"},
	)

	// Connectivity metrics
	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connectivity_online",
			Help: "1 when the reachability provider reports connected",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connectivity_transitions_total",
			Help: "Reachability transitions",
		},
		[]string{"direction"}, // direction: online, offline, type_change
	)

	// Notification hub metrics
	NotifyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_total",
			Help: "Events published to subscribers",
		},
		[]string{"type"},
	)

	NotifyListenerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_listener_panics_total",
			Help: "Listener invocations that panicked and were isolated",
		},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Number of connected event stream clients",
		},
	)

	WebsocketMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Events dropped for slow event stream clients",
		},
	)

	// Local API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of local API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint", "method", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	MetricsCollectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_collection_errors_total",
			Help: "Total number of errors during metrics collection",
		},
		[]string{"source"},
	)
)
