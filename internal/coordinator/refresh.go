package coordinator

import (
	"context"
	"encoding/json"

	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
)

// RefreshSource tags entries written by the refresh pass.
const RefreshSource = "sync-refresh"

// RefreshCritical re-fetches the critical resources into the cache. Failures
// are logged and skipped. It returns how many resources were refreshed.
func (c *Coordinator) RefreshCritical(ctx context.Context) int {
	if !c.refresh || !c.reach.IsOnline() {
		return 0
	}
	refreshed := 0
	for _, res := range c.critical {
		if c.refreshOne(ctx, res) {
			refreshed++
		}
	}
	c.log.InfoContext(ctx, "critical data refreshed", "refreshed", refreshed, "total", len(c.critical))
	return refreshed
}

func (c *Coordinator) refreshOne(ctx context.Context, res CriticalResource) bool {
	resp, err := c.remote.Do(ctx, httpx.Request{Method: "GET", URL: res.URL})
	if err == nil {
		err = resp.Err()
	}
	if err == nil && !json.Valid(resp.Body) {
		err = ErrInvalidResponse
	}
	if err != nil {
		metrics.SyncRefreshes.WithLabelValues("failed").Inc()
		c.log.WarnContext(ctx, "critical refresh failed", "kind", res.Kind, "key", res.Key, "error", err)
		return false
	}

	meta := map[string]string{"source": RefreshSource, "version": resp.Header.Get("ETag")}
	if !c.cache.Put(ctx, res.Kind, res.Key, json.RawMessage(resp.Body), meta) {
		metrics.SyncRefreshes.WithLabelValues("failed").Inc()
		return false
	}
	metrics.SyncRefreshes.WithLabelValues("ok").Inc()
	c.pub.Publish(notify.Event{Type: notify.CacheRefreshed, Payload: notify.CachePayload{Kind: res.Kind, Key: res.Key}})
	return true
}
