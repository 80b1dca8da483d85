// Package notify is the local pub/sub fan-out through which UI layers observe
// cache and sync state.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
)

// EventType names an event.
type EventType string

const (
	ConnectivityChanged EventType = "connectivity.changed"
	SyncStateChanged    EventType = "sync.state"
	PendingChanged      EventType = "queue.pending"
	PermanentFailure    EventType = "sync.permanent_failure"
	CacheUpdated        EventType = "cache.updated"
	CacheCleared        EventType = "cache.cleared"
	CacheRefreshed      EventType = "cache.refreshed"
)

// Event is delivered to every subscriber.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Listener receives events. It runs on the publisher's goroutine.
type Listener func(Event)

// Publisher is the sending side of a Hub.
type Publisher interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

type subscription struct {
	id uint64
	fn Listener
}

// Hub fans events out synchronously. The subscriber list is copy-on-write, so
// a Publish in flight keeps the snapshot it started with.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	now    func() time.Time
}

// NewHub returns an empty hub. A nil clock means time.Now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{now: now}
}

// Subscribe registers fn. The returned function unsubscribes and is safe to call more than once.
func (h *Hub) Subscribe(fn Listener) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	next := make([]subscription, len(h.subs), len(h.subs)+1)
	copy(next, h.subs)
	h.subs = append(next, subscription{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	h.subs = next
}

// Publish delivers ev to every current subscriber in subscription order.
// A panicking subscriber is logged and skipped.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.Lock()
	snapshot := h.subs
	h.mu.Unlock()

	metrics.NotifyEvents.WithLabelValues(string(ev.Type)).Inc()
	for _, s := range snapshot {
		deliver(s.fn, ev)
	}
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotifyListenerPanics.Inc()
			logger.WithComponent("notify").Error("listener panicked",
				"event", ev.Type,
				"panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
