// Package lifecycle reports app foreground/background transitions.
package lifecycle

import (
	"fmt"
	"strings"
	"sync"
)

// State is the app lifecycle phase.
type State string

const (
	Active     State = "active"
	Background State = "background"
	Inactive   State = "inactive"
)

// ParseState accepts the three lifecycle names, case-insensitively.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case Active, Background, Inactive:
		return st, nil
	default:
		return "", fmt.Errorf("unknown lifecycle state %q", s)
	}
}

// Provider emits lifecycle transitions.
type Provider interface {
	Subscribe(fn func(State)) (unsubscribe func())
}

type subscribers struct {
	mu     sync.Mutex
	fns    map[uint64]func(State)
	nextID uint64
}

func (s *subscribers) add(fn func(State)) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(State))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) emit(st State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Manual is a Provider driven by Set. Repeating the current state is a no-op.
type Manual struct {
	subs    subscribers
	mu      sync.Mutex
	current State
}

// NewManual starts in Active.
func NewManual() *Manual { return &Manual{current: Active} }

func (m *Manual) Subscribe(fn func(State)) func() { return m.subs.add(fn) }

// Set moves to st and notifies subscribers synchronously.
func (m *Manual) Set(st State) {
	m.mu.Lock()
	if m.current == st {
		m.mu.Unlock()
		return
	}
	m.current = st
	m.mu.Unlock()
	m.subs.emit(st)
}

// Current is the last state set.
func (m *Manual) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
