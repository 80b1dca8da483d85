package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/logger"
)

// Snapshot is a point-in-time view of local state sampled into gauges.
type Snapshot struct {
	EntriesByKind map[string]int
	TotalBytes    int64
	Pending       int
}

// Source produces snapshots for the collector.
type Source interface {
	MetricsSnapshot(ctx context.Context) (Snapshot, error)
}

// Collector periodically collects and updates Prometheus metrics
type Collector struct {
	source   Source
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	seenKinds map[string]bool
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		source:    source,
		interval:  interval,
		stop:      make(chan struct{}),
		seenKinds: make(map[string]bool),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Collect samples the source once.
func (c *Collector) Collect(ctx context.Context) {
	snap, err := c.source.MetricsSnapshot(ctx)
	if err != nil {
		logger.WithComponent("metrics").Warn("metrics snapshot failed", "error", err)
		MetricsCollectionErrors.WithLabelValues("snapshot").Inc()
		CacheSizeBytes.Set(-1) // Signal stale data
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// kinds that disappeared since the last sample drop to zero
	for kind := range c.seenKinds {
		if _, ok := snap.EntriesByKind[kind]; !ok {
			CacheEntries.WithLabelValues(kind).Set(0)
		}
	}
	for kind, n := range snap.EntriesByKind {
		CacheEntries.WithLabelValues(kind).Set(float64(n))
		c.seenKinds[kind] = true
	}
	CacheSizeBytes.Set(float64(snap.TotalBytes))
	QueuePending.Set(float64(snap.Pending))
}
