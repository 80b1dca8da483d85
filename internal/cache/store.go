// Package cache is the expiring, kind-partitioned entry store and its
// category index.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/offline-sync/internal/codec"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
)

// DefaultMaxAge applies when a read passes a non-positive maxAge.
const DefaultMaxAge = 24 * time.Hour

// Options tunes a Store.
type Options struct {
	Now           func() time.Time
	DefaultMaxAge time.Duration
	Publisher     notify.Publisher
}

// Store is the entry store. Reads and writes for one key are last-write-wins;
// index mutations are serialized.
type Store struct {
	kv            kvstore.Store
	now           func() time.Time
	defaultMaxAge time.Duration
	pub           notify.Publisher
	log           *slog.Logger

	indexMu sync.Mutex
}

// New returns a Store persisting into kv.
func New(kv kvstore.Store, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultMaxAge <= 0 {
		opts.DefaultMaxAge = DefaultMaxAge
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard
	}
	return &Store{
		kv:            kv,
		now:           opts.Now,
		defaultMaxAge: opts.DefaultMaxAge,
		pub:           opts.Publisher,
		log:           logger.WithComponent("cache"),
	}
}

// Put stores data under (kind, key). It returns false when data cannot be
// serialized or the write fails; the failure is logged, never raised.
func (s *Store) Put(ctx context.Context, kind, key string, data any, metadata map[string]string) bool {
	storageKey := EntryKey(kind, key)
	if kind == "" || key == "" {
		s.writeFailed(ctx, &StorageError{Op: "put", Key: storageKey, Err: errors.New("kind and key are required")})
		return false
	}

	payload, err := marshalData(data)
	if err != nil {
		s.writeFailed(ctx, &StorageError{Op: "serialize", Key: storageKey, Err: err})
		return false
	}
	raw, err := codec.EncodeEntry(codec.Entry{
		Data:     payload,
		StoredAt: s.now(),
		Kind:     kind,
		Metadata: metadata,
	})
	if err != nil {
		s.writeFailed(ctx, &StorageError{Op: "serialize", Key: storageKey, Err: err})
		return false
	}

	// Sweeps and purges compare-and-delete under indexMu.
	s.indexMu.Lock()
	prev, hadPrev := s.peekEntry(ctx, storageKey)
	if err := s.kv.SetItem(ctx, storageKey, raw); err != nil {
		s.indexMu.Unlock()
		s.writeFailed(ctx, &StorageError{Op: "put", Key: storageKey, Err: err})
		return false
	}
	if hadPrev && prev.Kind != kind {
		s.log.WarnContext(ctx, "cache entry replaced an entry of another kind",
			"key", storageKey, "kind", kind, "previous_kind", prev.Kind)
		if prevKey, ok := KeyFromEntryKey(storageKey, prev.Kind); ok {
			if err := s.indexRemoveLocked(ctx, prev.Kind, prevKey); err != nil {
				s.log.WarnContext(ctx, "index remove failed", "kind", prev.Kind, "key", prevKey, "error", err)
			}
		}
	}
	if err := s.indexAddLocked(ctx, kind, key); err != nil {
		// the entry is readable without its index entry
		s.log.WarnContext(ctx, "index add failed", "kind", kind, "key", key, "error", err)
	}
	s.indexMu.Unlock()
	metrics.CacheWrites.WithLabelValues("success").Inc()

	s.pub.Publish(notify.Event{Type: notify.CacheUpdated, Payload: notify.CachePayload{Kind: kind, Key: key}})
	return true
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("data is not valid JSON")
		}
		return raw, nil
	}
	return json.Marshal(data)
}

func (s *Store) writeFailed(ctx context.Context, err *StorageError) {
	metrics.CacheWrites.WithLabelValues("failed").Inc()
	s.log.ErrorContext(ctx, "cache write failed", "op", err.Op, "key", err.Key, "error", err.Err)
}

// Get returns the entry for (kind, key) if it is no older than maxAge
// (DefaultMaxAge when maxAge <= 0). Expired and undecodable entries are
// deleted on the spot and reported as misses.
func (s *Store) Get(ctx context.Context, kind, key string, maxAge time.Duration) (*Result, bool) {
	if maxAge <= 0 {
		maxAge = s.defaultMaxAge
	}
	storageKey := EntryKey(kind, key)

	raw, ok, err := s.kv.GetItem(ctx, storageKey)
	if err != nil {
		metrics.CacheMisses.WithLabelValues(kind, "error").Inc()
		s.log.ErrorContext(ctx, "cache read failed", "key", storageKey, "error", &StorageError{Op: "get", Key: storageKey, Err: err})
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(kind, "absent").Inc()
		return nil, false
	}

	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		metrics.CacheMisses.WithLabelValues(kind, "corrupt").Inc()
		s.log.WarnContext(ctx, "dropping corrupt cache entry", "key", storageKey, "error", err)
		s.purge(ctx, kind, key, raw)
		return nil, false
	}
	if entry.Kind != kind {
		// (a_b, c) and (a, b_c) share a storage key; the entry belongs to
		// the other pair and stays put.
		metrics.CacheMisses.WithLabelValues(kind, "kind_mismatch").Inc()
		s.log.DebugContext(ctx, "cache entry belongs to another kind", "key", storageKey, "kind", kind, "stored_kind", entry.Kind)
		return nil, false
	}

	age := s.now().Truncate(time.Millisecond).Sub(entry.StoredAt)
	if age > maxAge {
		metrics.CacheMisses.WithLabelValues(kind, "expired").Inc()
		s.purge(ctx, kind, key, raw)
		return nil, false
	}

	metrics.CacheHits.WithLabelValues(kind).Inc()
	return &Result{
		Data:     entry.Data,
		Cached:   true,
		CacheAge: max(age, 0),
		Metadata: entry.Metadata,
		StoredAt: entry.StoredAt,
	}, true
}

// Fetch is a typed Get. A payload that does not fit T is reported as a miss.
func Fetch[T any](ctx context.Context, s *Store, kind, key string, maxAge time.Duration) (T, *Result, bool) {
	var zero T
	res, ok := s.Get(ctx, kind, key, maxAge)
	if !ok {
		return zero, nil, false
	}
	var v T
	if err := res.Decode(&v); err != nil {
		s.log.WarnContext(ctx, "cached payload does not match requested type",
			"key", EntryKey(kind, key), "type", fmt.Sprintf("%T", zero), "error", err)
		return zero, nil, false
	}
	return v, res, true
}

// purge removes an entry found stale or corrupt during a read, unless a
// writer replaced it after seen was read.
func (s *Store) purge(ctx context.Context, kind, key, seen string) {
	storageKey := EntryKey(kind, key)
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	current, ok, err := s.kv.GetItem(ctx, storageKey)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to purge cache entry", "key", storageKey, "error", err)
		return
	}
	if ok && current != seen {
		return
	}
	if err := s.kv.RemoveItem(ctx, storageKey); err != nil {
		s.log.ErrorContext(ctx, "failed to purge cache entry", "key", storageKey, "error", err)
	}
	if err := s.indexRemoveLocked(ctx, kind, key); err != nil {
		s.log.ErrorContext(ctx, "failed to purge cache index entry", "key", storageKey, "error", err)
	}
}

// Remove deletes the entry and its index entry. Index removal is attempted
// even if the entry removal fails.
func (s *Store) Remove(ctx context.Context, kind, key string) error {
	storageKey := EntryKey(kind, key)
	var errs []error
	if err := s.kv.RemoveItem(ctx, storageKey); err != nil {
		errs = append(errs, &StorageError{Op: "remove", Key: storageKey, Err: err})
	}
	if err := s.indexRemove(ctx, kind, key); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
