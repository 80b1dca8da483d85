package connectivity

import (
	"context"
	"sync"
)

// Manual is a Provider driven by explicit Set calls.
type Manual struct {
	mu     sync.Mutex
	state  State
	subs   map[uint64]func(State)
	nextID uint64
	err    error
}

// NewManual returns a provider reporting initial.
func NewManual(initial State) *Manual {
	return &Manual{state: initial, subs: make(map[uint64]func(State))}
}

// Set records a new reading and delivers it to subscribers synchronously.
func (p *Manual) Set(connected bool, connectionType string) {
	st := State{IsConnected: connected, Type: connectionType}
	p.mu.Lock()
	p.state = st
	fns := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// FailFetch makes Fetch return err until called again with nil.
func (p *Manual) FailFetch(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Manual) Subscribe(fn func(State)) func() {
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

func (p *Manual) Fetch(ctx context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return State{}, p.err
	}
	return p.state, nil
}
