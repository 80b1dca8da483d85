package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/logger"
)

// ProbeType is the connection type reported by HTTPProbe.
const ProbeType = "http"

// HTTPProbeOptions configures an HTTPProbe.
type HTTPProbeOptions struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPProbe reports connected while GET URL answers 2xx within Timeout.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]func(State)
	nextID uint64
	last   *State

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHTTPProbe builds a probe; call Run to start polling.
func NewHTTPProbe(opts HTTPProbeOptions) *HTTPProbe {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPProbe{
		url:      opts.URL,
		interval: opts.Interval,
		client:   client,
		log:      logger.WithComponent("connectivity.probe"),
		subs:     make(map[uint64]func(State)),
		stop:     make(chan struct{}),
	}
}

func (p *HTTPProbe) Subscribe(fn func(State)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Fetch probes once without notifying subscribers.
func (p *HTTPProbe) Fetch(ctx context.Context) (State, error) {
	if err := p.check(ctx); err != nil {
		p.log.DebugContext(ctx, "probe failed", "url", p.url, "error", err)
		return State{IsConnected: false, Type: ProbeType}, nil
	}
	return State{IsConnected: true, Type: ProbeType}, nil
}

func (p *HTTPProbe) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// Run polls until ctx is done or Stop is called, emitting only changes.
func (p *HTTPProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll probes once and emits the result if it differs from the last one.
func (p *HTTPProbe) Poll(ctx context.Context) {
	st, _ := p.Fetch(ctx)

	p.mu.Lock()
	if p.last != nil && *p.last == st {
		p.mu.Unlock()
		return
	}
	p.last = &st
	fns := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Stop ends Run.
func (p *HTTPProbe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
