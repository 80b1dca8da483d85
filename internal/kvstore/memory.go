package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a goroutine-safe in-process Store. Tests use its failure hooks
// and Snapshot to simulate storage faults and process restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool

	readErr    error
	writeFails []writeFailure
}

type writeFailure struct {
	prefix string
	err    error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// NewMemoryStoreFrom returns a store seeded with a copy of data.
func NewMemoryStoreFrom(data map[string]string) *MemoryStore {
	m := NewMemoryStore()
	for k, v := range data {
		m.data[k] = v
	}
	return m
}

func (m *MemoryStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readable(); err != nil {
		return "", false, err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) SetItem(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(key); err != nil {
		return err
	}
	m.data[key] = value
	return nil
}

func (m *MemoryStore) RemoveItem(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(key); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) GetAllKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readable(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// MultiRemove is all-or-nothing: a failing key aborts before anything is removed.
func (m *MemoryStore) MultiRemove(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if err := m.writable(k); err != nil {
			return err
		}
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailReads makes reads return err until called again with nil.
func (m *MemoryStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every write return err. Passing nil clears all write failures.
func (m *MemoryStore) FailWrites(err error) {
	m.FailWritesFor("", err)
}

// FailWritesFor makes writes to keys starting with prefix return err.
// Passing a nil err clears all write failures.
func (m *MemoryStore) FailWritesFor(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.writeFails = nil
		return
	}
	m.writeFails = append(m.writeFails, writeFailure{prefix: prefix, err: err})
}

// Snapshot returns a copy of the stored data.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) readable() error {
	if m.closed {
		return ErrClosed
	}
	return m.readErr
}

func (m *MemoryStore) writable(key string) error {
	if m.closed {
		return ErrClosed
	}
	for _, f := range m.writeFails {
		if strings.HasPrefix(key, f.prefix) {
			return f.err
		}
	}
	return nil
}
