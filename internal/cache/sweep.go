package cache

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/offline-sync/internal/codec"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/notify"
	"github.com/onnwee/offline-sync/internal/tracing"
)

// Stats summarizes every stored entry, expired or not.
type Stats struct {
	TotalEntries   int            `json:"totalEntries"`
	TotalSizeBytes int64          `json:"totalSizeBytes"`
	PerKindCounts  map[string]int `json:"perKindCounts"`
}

// SweepExpired deletes every entry older than maxAge and every entry that
// fails to decode, then drops their index entries. It returns the number of
// entries removed.
func (s *Store) SweepExpired(ctx context.Context, maxAge time.Duration) (removed int, err error) {
	ctx, span := tracing.StartSpan(ctx, "cache.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("cache.removed", removed))
		tracing.EndSpan(span, err)
	}()

	if maxAge <= 0 {
		maxAge = s.defaultMaxAge
	}
	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return 0, &StorageError{Op: "list", Key: EntryPrefix + "*", Err: err}
	}

	now := s.now().Truncate(time.Millisecond)
	seen := make(map[string]string)
	for _, storageKey := range all {
		if !IsEntryKey(storageKey) {
			continue
		}
		raw, ok, err := s.kv.GetItem(ctx, storageKey)
		if err != nil {
			s.log.WarnContext(ctx, "sweep read failed", "key", storageKey, "error", err)
			continue
		}
		if !ok {
			continue
		}
		entry, err := codec.DecodeEntry(raw)
		if err != nil || now.Sub(entry.StoredAt) > maxAge {
			seen[storageKey] = raw
		}
	}
	if len(seen) == 0 {
		return 0, nil
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	// Entries rewritten since the scan are fresh and survive.
	doomed := make([]string, 0, len(seen))
	for storageKey, raw := range seen {
		current, ok, err := s.kv.GetItem(ctx, storageKey)
		if err != nil {
			s.log.WarnContext(ctx, "sweep read failed", "key", storageKey, "error", err)
			continue
		}
		if ok && current == raw {
			doomed = append(doomed, storageKey)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	slices.Sort(doomed)

	if err := s.kv.MultiRemove(ctx, doomed); err != nil {
		return 0, &StorageError{Op: "sweep", Key: EntryPrefix + "*", Err: err}
	}
	metrics.SweepRemoved.Add(float64(len(doomed)))

	// Corrupt entries carry no trustworthy kind, so the indexes are filtered
	// against the removed storage keys instead.
	if err := s.pruneIndexesLocked(ctx, doomed); err != nil {
		s.log.WarnContext(ctx, "index prune after sweep failed", "error", err)
	}
	s.log.InfoContext(ctx, "expired entries swept", "removed", len(doomed), "max_age", maxAge)
	return len(doomed), nil
}

// pruneIndexesLocked drops removed storage keys from every index. indexMu
// must be held.
func (s *Store) pruneIndexesLocked(ctx context.Context, removed []string) error {
	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return &StorageError{Op: "list", Key: IndexPrefix + "*", Err: err}
	}
	gone := make(map[string]bool, len(removed))
	for _, k := range removed {
		gone[k] = true
	}
	var firstErr error
	for _, storageKey := range all {
		kind, ok := KindFromIndexKey(storageKey)
		if !ok {
			continue
		}
		keys, err := s.readIndex(ctx, kind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return gone[EntryKey(kind, k)] })
		if len(kept) == len(keys) {
			continue
		}
		if err := s.writeIndex(ctx, kind, kept); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats counts stored entries and their serialized size. Entries that fail to
// decode are inert and excluded.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{PerKindCounts: make(map[string]int)}
	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return stats, &StorageError{Op: "list", Key: EntryPrefix + "*", Err: err}
	}
	for _, storageKey := range all {
		if !IsEntryKey(storageKey) {
			continue
		}
		raw, ok, err := s.kv.GetItem(ctx, storageKey)
		if err != nil {
			return stats, &StorageError{Op: "get", Key: storageKey, Err: err}
		}
		if !ok {
			continue
		}
		entry, err := codec.DecodeEntry(raw)
		if err != nil {
			continue
		}
		stats.TotalEntries++
		stats.TotalSizeBytes += int64(len(raw))
		stats.PerKindCounts[entry.Kind]++
	}
	return stats, nil
}

// Clear removes every cache entry and every index. The operation queue is not
// touched.
func (s *Store) Clear(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return &StorageError{Op: "list", Key: "*", Err: err}
	}
	var doomed []string
	entries := 0
	for _, k := range all {
		switch {
		case IsEntryKey(k):
			entries++
			doomed = append(doomed, k)
		case IsIndexKey(k):
			doomed = append(doomed, k)
		}
	}
	if err := s.kv.MultiRemove(ctx, doomed); err != nil {
		return &StorageError{Op: "clear", Key: "*", Err: err}
	}
	s.log.InfoContext(ctx, "cache cleared", "entries", entries)
	s.publishCleared("", entries)
	return nil
}

func (s *Store) publishCleared(kind string, count int) {
	s.pub.Publish(notify.Event{Type: notify.CacheCleared, Payload: notify.CachePayload{Kind: kind, Count: count}})
}
