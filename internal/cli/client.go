package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/offline-sync/internal/apierr"
	"github.com/onnwee/offline-sync/internal/httpx"
)

// Client talks to a running syncd.
type Client struct {
	base string
	doer httpx.Doer
}

// NewClient targets the API at addr, e.g. http://127.0.0.1:8787.
func NewClient(addr string, timeout time.Duration) *Client {
	addr = strings.TrimRight(addr, "/")
	return &Client{
		base: addr,
		doer: httpx.New(httpx.Options{BaseURL: addr, Timeout: timeout}),
	}
}

// APIError is a structured error returned by syncd.
type APIError struct {
	Status int
	Code   apierr.ErrorCode
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("syncd returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// call sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req := httpx.Request{Method: method, URL: path}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = raw
	}
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("cannot reach syncd at %s: %w", c.base, err)
	}
	if !resp.OK() {
		apiErr := &APIError{Status: resp.Status}
		var wrapped apierr.ErrorResponse
		if json.Unmarshal(resp.Body, &wrapped) == nil && wrapped.Error != nil {
			apiErr.Code = wrapped.Error.Code
			apiErr.Msg = wrapped.Error.Message
		}
		return apiErr
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.JSON(out)
}

// Status is GET /api/status.
type Status struct {
	IsOnline          bool       `json:"isOnline"`
	ConnectionType    string     `json:"connectionType"`
	SyncState         string     `json:"syncState"`
	PendingOperations int        `json:"pendingOperations"`
	LastSyncTime      *time.Time `json:"lastSyncTime"`
	LastError         string     `json:"lastError,omitempty"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, "GET", "/api/status", nil, &st)
	return st, err
}

// Stats is GET /api/cache/stats.
type Stats struct {
	TotalEntries   int            `json:"totalEntries"`
	TotalSizeBytes int64          `json:"totalSizeBytes"`
	PerKindCounts  map[string]int `json:"perKindCounts"`
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.call(ctx, "GET", "/api/cache/stats", nil, &st)
	return st, err
}

func entryPath(kind, key string) string {
	return "/api/cache/" + url.PathEscape(kind) + "/" + url.PathEscape(key)
}

// Get returns the annotated entry JSON.
func (c *Client) Get(ctx context.Context, kind, key string, maxAge time.Duration) (json.RawMessage, error) {
	path := entryPath(kind, key)
	if maxAge > 0 {
		path += "?max_age_ms=" + fmt.Sprint(maxAge.Milliseconds())
	}
	var raw json.RawMessage
	err := c.call(ctx, "GET", path, nil, &raw)
	return raw, err
}

func (c *Client) Put(ctx context.Context, kind, key string, data json.RawMessage, metadata map[string]string) error {
	body := map[string]any{"data": data}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return c.call(ctx, "PUT", entryPath(kind, key), body, nil)
}

func (c *Client) Remove(ctx context.Context, kind, key string) error {
	return c.call(ctx, "DELETE", entryPath(kind, key), nil, nil)
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.call(ctx, "DELETE", "/api/cache", nil, nil)
}

// Kinds lists kinds with indexed entries.
func (c *Client) Kinds(ctx context.Context) ([]string, error) {
	var out struct {
		Kinds []string `json:"kinds"`
	}
	err := c.call(ctx, "GET", "/api/cache", nil, &out)
	return out.Kinds, err
}

// Keys lists the indexed keys of kind.
func (c *Client) Keys(ctx context.Context, kind string) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	err := c.call(ctx, "GET", "/api/cache/"+url.PathEscape(kind), nil, &out)
	return out.Keys, err
}

// ClearKind removes every entry of kind and returns how many were indexed.
func (c *Client) ClearKind(ctx context.Context, kind string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.call(ctx, "DELETE", "/api/cache/"+url.PathEscape(kind), nil, &out)
	return out.Removed, err
}

// Operation is a queued operation as listed by GET /api/queue.
type Operation struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
	LastError  *string           `json:"lastError"`
}

func (c *Client) Enqueue(ctx context.Context, op Operation) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"method": op.Method, "url": op.URL}
	if len(op.Data) > 0 {
		body["data"] = op.Data
	}
	if len(op.Headers) > 0 {
		body["headers"] = op.Headers
	}
	err := c.call(ctx, "POST", "/api/queue", body, &out)
	return out.ID, err
}

func (c *Client) Queue(ctx context.Context) ([]Operation, error) {
	var out struct {
		Operations []Operation `json:"operations"`
	}
	err := c.call(ctx, "GET", "/api/queue", nil, &out)
	return out.Operations, err
}

func (c *Client) ClearQueue(ctx context.Context) error {
	return c.call(ctx, "DELETE", "/api/queue", nil, nil)
}

// SyncResult is POST /api/sync.
type SyncResult struct {
	Outcome struct {
		Started      bool   `json:"started"`
		Reason       string `json:"reason"`
		Processed    int    `json:"processed"`
		Acked        int    `json:"acked"`
		Retained     int    `json:"retained"`
		Dropped      int    `json:"dropped"`
		StoppedEarly bool   `json:"stoppedEarly"`
		State        string `json:"state"`
	} `json:"outcome"`
	Status Status `json:"status"`
}

func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var out SyncResult
	err := c.call(ctx, "POST", "/api/sync", nil, &out)
	return out, err
}

func (c *Client) SetLifecycle(ctx context.Context, state string) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	err := c.call(ctx, "POST", "/api/lifecycle/"+url.PathEscape(state), nil, &out)
	return out.State, err
}

// EventsURL is the websocket endpoint for the event stream.
func (c *Client) EventsURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + "/api/events"
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + "/api/events"
	}
	return c.base + "/api/events"
}
