// Package httpx is the client used to replay queued operations and refresh
// critical resources against the remote service.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/onnwee/offline-sync/internal/circuitbreaker"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/secrets"
	"github.com/onnwee/offline-sync/internal/tracing"
)

// maxBodyBytes caps how much of a response body is buffered.
const maxBodyBytes = 8 << 20

// Request is a fully specified HTTP intent. Relative URLs resolve against
// the client's base URL.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a buffered remote response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Err returns a *StatusError for non-2xx responses and nil otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &StatusError{Status: r.Status, RetryAfter: retryAfter(r.Header.Get("Retry-After"), time.Now())}
}

// Doer executes a single request.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// NetworkError is a transport-level failure: DNS, connect, timeout, reset.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string { return "HTTP " + strconv.Itoa(e.Status) }

// AttemptInfo describes a single attempt outcome.
type AttemptInfo struct {
	Method   string
	URL      string
	Status   int
	Err      error
	Wait     time.Duration
	Duration time.Duration
}

// Observer callback to report attempt telemetry.
type Observer func(info AttemptInfo)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	AuthToken string
	Breaker   *circuitbreaker.CircuitBreaker
	Observer  Observer
	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is a Doer with pacing, a circuit breaker and telemetry.
type Client struct {
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	token    string
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
	log      *slog.Logger
}

// New builds a Client. RPS <= 0 disables pacing.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		http:     hc,
		limiter:  limiter,
		token:    opts.AuthToken,
		breaker:  opts.Breaker,
		observer: opts.Observer,
		log:      logger.WithComponent("httpx"),
	}
}

// Resolve returns the absolute URL for raw.
func (c *Client) Resolve(raw string) string {
	if strings.HasPrefix(raw, "/") {
		return c.base + raw
	}
	return raw
}

// Do executes req once. Non-2xx statuses are returned as a Response with a
// nil error; only transport failures and an open breaker produce errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	target := c.Resolve(req.URL)

	ctx, span := tracing.StartSpan(ctx, "httpx.do", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", secrets.MaskURL(target)),
	))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	wait, err := c.pace(ctx)
	if err != nil {
		spanErr = err
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}

	var resp *Response
	start := time.Now()
	call := func() error {
		var callErr error
		resp, callErr = c.roundTrip(ctx, method, target, req)
		if callErr != nil {
			return callErr
		}
		// only server-side trouble counts against the breaker
		switch {
		case resp.Status >= 500 || resp.Status == http.StatusTooManyRequests:
			return resp.Err()
		case resp.Status >= 400:
			return circuitbreaker.Ignore(resp.Err())
		}
		return nil
	}
	if c.breaker != nil {
		err = c.breaker.Call(call)
	} else {
		err = call()
	}
	elapsed := time.Since(start)

	var statusErr *StatusError
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.RemoteRequests.WithLabelValues(method, "circuit_open").Inc()
		spanErr = err
		c.observe(AttemptInfo{Method: method, URL: target, Err: err, Wait: wait})
		return nil, fmt.Errorf("%s %s: %w", method, secrets.MaskURL(target), err)
	case errors.As(err, &statusErr), err == nil:
		metrics.RemoteRequests.WithLabelValues(method, strconv.Itoa(resp.Status)).Inc()
		metrics.RemoteRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		c.observe(AttemptInfo{Method: method, URL: target, Status: resp.Status, Wait: wait, Duration: elapsed})
		return resp, nil
	default:
		metrics.RemoteRequests.WithLabelValues(method, "error").Inc()
		metrics.RemoteRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		spanErr = err
		c.observe(AttemptInfo{Method: method, URL: target, Err: err, Wait: wait, Duration: elapsed})
		c.log.WarnContext(ctx, "remote request failed", "method", method, "url", secrets.MaskURL(target), "error", err)
		return nil, err
	}
}

func (c *Client) pace(ctx context.Context) (time.Duration, error) {
	if c.limiter == nil || c.limiter.Allow() {
		return 0, nil
	}
	metrics.RemoteRateLimitWaits.Inc()
	start := time.Now()
	err := c.limiter.Wait(ctx)
	return time.Since(start), err
}

func (c *Client) roundTrip(ctx context.Context, method, target string, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if c.token != "" && hreq.Header.Get("Authorization") == "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func (c *Client) observe(info AttemptInfo) {
	if c.observer != nil {
		c.observer(info)
	}
}

// retryAfter parses a Retry-After header as seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
