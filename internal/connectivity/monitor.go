// Package connectivity tracks whether the remote service is reachable and
// turns provider emissions into edge-triggered transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
)

// State is one reachability reading.
type State struct {
	IsConnected bool   `json:"isConnected"`
	Type        string `json:"type"`
}

// Provider is the platform reachability collaborator.
type Provider interface {
	// Subscribe registers fn for every state the provider observes and
	// returns a function that removes it.
	Subscribe(fn func(State)) (unsubscribe func())
	// Fetch reads the current state once.
	Fetch(ctx context.Context) (State, error)
}

// TransitionFunc receives the previous and next online flag together with the
// new connection type. prev == next == true means only the type changed.
type TransitionFunc func(prev, next bool, connectionType string)

// Monitor exposes the current online flag and transition callbacks. Repeated
// readings are collapsed, so every callback is a real edge.
type Monitor struct {
	provider Provider
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	online  bool
	typ     string
	unsub   func()

	// emitMu keeps transitions delivered in the order they were observed.
	emitMu    sync.Mutex
	listenMu  sync.Mutex
	listeners map[uint64]TransitionFunc
	nextID    uint64
}

// NewMonitor wraps provider. The monitor reports offline until Start.
func NewMonitor(provider Provider) *Monitor {
	return &Monitor{
		provider:  provider,
		log:       logger.WithComponent("connectivity"),
		listeners: make(map[uint64]TransitionFunc),
	}
}

// Start subscribes to the provider and seeds the state with one Fetch. A
// failed fetch leaves the monitor offline until the provider emits.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	unsub := m.provider.Subscribe(m.apply)
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()

	st, err := m.provider.Fetch(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "initial reachability fetch failed, assuming offline", "error", err)
		return
	}
	m.apply(st)
}

// Stop detaches from the provider. Listeners stay registered.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.started = false
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// IsOnline reports the last observed reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ConnectionType is the last observed connection type.
func (m *Monitor) ConnectionType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typ
}

// OnTransition registers fn and returns an idempotent unsubscribe.
func (m *Monitor) OnTransition(fn TransitionFunc) func() {
	m.listenMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenMu.Lock()
			delete(m.listeners, id)
			m.listenMu.Unlock()
		})
	}
}

func (m *Monitor) apply(st State) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	prev, prevType := m.online, m.typ
	m.online, m.typ = st.IsConnected, st.Type
	// offline readings differing only in type are not edges
	if prev == st.IsConnected && (!prev || prevType == st.Type) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch {
	case !prev && st.IsConnected:
		metrics.ConnectivityTransitions.WithLabelValues("online").Inc()
	case prev && !st.IsConnected:
		metrics.ConnectivityTransitions.WithLabelValues("offline").Inc()
	case prev && st.IsConnected:
		metrics.ConnectivityTransitions.WithLabelValues("type_change").Inc()
	}
	if st.IsConnected {
		metrics.ConnectivityOnline.Set(1)
	} else {
		metrics.ConnectivityOnline.Set(0)
	}
	m.log.Info("connectivity changed", "was_online", prev, "is_online", st.IsConnected, "type", st.Type)

	m.listenMu.Lock()
	fns := make([]TransitionFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenMu.Unlock()

	for _, fn := range fns {
		m.call(fn, prev, st)
	}
}

func (m *Monitor) call(fn TransitionFunc, prev bool, st State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("transition listener panicked", "panic", r)
		}
	}()
	fn(prev, st.IsConnected, st.Type)
}
