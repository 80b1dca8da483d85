package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	// Local API
	Addr               string
	CORSAllowedOrigins []string // allowed CORS origins for local UI processes

	// Storage collaborator
	StorageBackend    string // sqlite, postgres, mysql, memory
	StorageDSN        string
	StorageTable      string
	StorageHotCacheMB int // ristretto read layer; 0 disables

	// Remote service
	RemoteBaseURL   string
	RemoteTimeout   time.Duration
	RemoteRPS       float64
	RemoteBurst     int
	RemoteAuthToken string
	BreakerFailures int
	BreakerTimeout  time.Duration

	// Sync
	SyncBatchSize   int
	SyncMaxRetries  int
	RefreshCritical bool

	// Cache expiry
	CacheDefaultMaxAge time.Duration
	SweepInterval      time.Duration
	SweepMaxAge        time.Duration

	// Reachability probing
	ReachabilityURL      string
	ReachabilityInterval time.Duration

	// Observability settings
	LogLevel          string  // log level: debug, info, warn, error
	MetricsInterval   time.Duration
	OTELEnabled       bool    // enable OpenTelemetry tracing
	OTELEndpoint      string  // OpenTelemetry collector endpoint
	OTELSampleRate    float64 // trace sampling rate (0.0 to 1.0)
	SentryDSN         string  // Sentry DSN for error reporting
	SentryEnvironment string  // Sentry environment (dev, staging, production)
	SentryRelease     string  // Sentry release version
	SentrySampleRate  float64 // Sentry error sampling rate (0.0 to 1.0)
}

var cached *Config

// Load reads env vars once and caches them.
func Load() *Config {
	if cached != nil {
		return cached
	}
	cached = &Config{
		Addr:               GetEnvAsString("SYNCD_ADDR", "127.0.0.1:8787"),
		CORSAllowedOrigins: GetEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}, ","),

		StorageBackend:    strings.ToLower(GetEnvAsString("STORAGE_BACKEND", "sqlite")),
		StorageDSN:        GetEnvAsString("STORAGE_DSN", ""),
		StorageTable:      GetEnvAsString("STORAGE_TABLE", "offline_kv"),
		StorageHotCacheMB: GetEnvAsInt("STORAGE_HOT_CACHE_MB", 16),

		RemoteBaseURL:   strings.TrimRight(GetEnvAsString("REMOTE_BASE_URL", "http://localhost:8000"), "/"),
		RemoteTimeout:   GetEnvAsMillis("REMOTE_TIMEOUT_MS", 15000),
		RemoteRPS:       GetEnvAsFloat("REMOTE_RPS", 5),
		RemoteBurst:     GetEnvAsInt("REMOTE_BURST", 5),
		RemoteAuthToken: strings.TrimSpace(os.Getenv("REMOTE_AUTH_TOKEN")),
		BreakerFailures: GetEnvAsInt("BREAKER_FAILURES", 5),
		BreakerTimeout:  GetEnvAsMillis("BREAKER_TIMEOUT_MS", 30000),

		SyncBatchSize:   GetEnvAsInt("SYNC_BATCH_SIZE", 20),
		SyncMaxRetries:  GetEnvAsInt("SYNC_MAX_RETRIES", 3),
		RefreshCritical: GetEnvAsBool("REFRESH_CRITICAL", true),

		CacheDefaultMaxAge: GetEnvAsMillis("CACHE_DEFAULT_MAX_AGE_MS", 24*60*60*1000),
		SweepInterval:      GetEnvAsMillis("SWEEP_INTERVAL_MS", 60*60*1000),
		SweepMaxAge:        GetEnvAsMillis("SWEEP_MAX_AGE_MS", 7*24*60*60*1000),

		ReachabilityURL:      GetEnvAsString("REACHABILITY_URL", ""),
		ReachabilityInterval: GetEnvAsMillis("REACHABILITY_INTERVAL_MS", 10000),

		LogLevel:          strings.ToLower(GetEnvAsString("LOG_LEVEL", "info")),
		MetricsInterval:   GetEnvAsMillis("METRICS_INTERVAL_MS", 30000),
		OTELEnabled:       GetEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:      GetEnvAsString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTELSampleRate:    GetEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryEnvironment: strings.TrimSpace(os.Getenv("SENTRY_ENVIRONMENT")),
		SentryRelease:     strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
		SentrySampleRate:  GetEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
	}

	if cached.StorageDSN == "" && cached.StorageBackend == "sqlite" {
		cached.StorageDSN = defaultSQLitePath()
	}
	if cached.ReachabilityURL == "" {
		cached.ReachabilityURL = cached.RemoteBaseURL + "/health"
	}
	if cached.SyncBatchSize <= 0 {
		cached.SyncBatchSize = 20
	}
	if cached.SyncMaxRetries <= 0 {
		cached.SyncMaxRetries = 3
	}
	if cached.SentryEnvironment == "" {
		if env := os.Getenv("ENV"); env != "" {
			cached.SentryEnvironment = env
		} else {
			cached.SentryEnvironment = "development"
		}
	}

	return cached
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() { cached = nil }

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".offline_sync.db"
	}
	return filepath.Join(home, ".offline_sync.db")
}
