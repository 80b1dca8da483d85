package cache

import (
	"context"
	"errors"
	"slices"

	"github.com/onnwee/offline-sync/internal/codec"
)

// readIndex loads the key list for kind. A corrupt index reads as empty; it is
// rewritten by the next mutation.
func (s *Store) readIndex(ctx context.Context, kind string) ([]string, error) {
	indexKey := IndexKey(kind)
	raw, ok, err := s.kv.GetItem(ctx, indexKey)
	if err != nil {
		return nil, &StorageError{Op: "index read", Key: indexKey, Err: err}
	}
	if !ok {
		return nil, nil
	}
	keys, err := codec.DecodeIndex(raw)
	if err != nil {
		s.log.WarnContext(ctx, "corrupt category index, treating as empty", "kind", kind, "error", err)
		return nil, nil
	}
	return keys, nil
}

func (s *Store) writeIndex(ctx context.Context, kind string, keys []string) error {
	indexKey := IndexKey(kind)
	if len(keys) == 0 {
		if err := s.kv.RemoveItem(ctx, indexKey); err != nil {
			return &StorageError{Op: "index write", Key: indexKey, Err: err}
		}
		return nil
	}
	raw, err := codec.EncodeIndex(keys)
	if err != nil {
		return &StorageError{Op: "index write", Key: indexKey, Err: err}
	}
	if err := s.kv.SetItem(ctx, indexKey, raw); err != nil {
		return &StorageError{Op: "index write", Key: indexKey, Err: err}
	}
	return nil
}

// indexAddLocked appends key to the index of kind. indexMu must be held.
func (s *Store) indexAddLocked(ctx context.Context, kind, key string) error {
	keys, err := s.readIndex(ctx, kind)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return s.writeIndex(ctx, kind, append(keys, key))
}

func (s *Store) indexRemove(ctx context.Context, kind, key string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.indexRemoveLocked(ctx, kind, key)
}

func (s *Store) indexRemoveLocked(ctx context.Context, kind, key string) error {
	keys, err := s.readIndex(ctx, kind)
	if err != nil {
		return err
	}
	i := slices.Index(keys, key)
	if i < 0 {
		return nil
	}
	return s.writeIndex(ctx, kind, slices.Delete(keys, i, i+1))
}

// Kinds lists every kind with a non-empty index, sorted.
func (s *Store) Kinds(ctx context.Context) ([]string, error) {
	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: IndexPrefix + "*", Err: err}
	}
	var kinds []string
	for _, k := range all {
		if kind, ok := KindFromIndexKey(k); ok {
			kinds = append(kinds, kind)
		}
	}
	slices.Sort(kinds)
	return kinds, nil
}

// Keys lists the indexed keys of kind in insertion order.
func (s *Store) Keys(ctx context.Context, kind string) ([]string, error) {
	return s.readIndex(ctx, kind)
}

// ClearKind removes every indexed entry of kind along with its index.
func (s *Store) ClearKind(ctx context.Context, kind string) (int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	keys, err := s.readIndex(ctx, kind)
	if err != nil {
		return 0, err
	}
	storageKeys := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		storageKeys = append(storageKeys, EntryKey(kind, k))
	}
	storageKeys = append(storageKeys, IndexKey(kind))
	if err := s.kv.MultiRemove(ctx, storageKeys); err != nil {
		return 0, &StorageError{Op: "clear kind", Key: IndexKey(kind), Err: err}
	}
	s.publishCleared(kind, len(keys))
	return len(keys), nil
}

// Rebuild reconstructs every index from the stored entries and drops indexes
// of kinds that no longer have entries. Undecodable entries are skipped.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	all, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return 0, &StorageError{Op: "list", Key: "*", Err: err}
	}

	byKind := make(map[string][]string)
	staleIndexes := make(map[string]bool)
	for _, storageKey := range all {
		if kind, ok := KindFromIndexKey(storageKey); ok {
			staleIndexes[kind] = true
			continue
		}
		if !IsEntryKey(storageKey) {
			continue
		}
		entry, ok := s.peekEntry(ctx, storageKey)
		if !ok {
			continue
		}
		if key, ok := KeyFromEntryKey(storageKey, entry.Kind); ok {
			byKind[entry.Kind] = append(byKind[entry.Kind], key)
		}
	}

	var errs []error
	for kind, keys := range byKind {
		delete(staleIndexes, kind)
		if err := s.writeIndex(ctx, kind, keys); err != nil {
			errs = append(errs, err)
		}
	}
	for kind := range staleIndexes {
		if err := s.writeIndex(ctx, kind, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return len(byKind), errors.Join(errs...)
}

// peekEntry decodes a stored entry without any expiry handling.
func (s *Store) peekEntry(ctx context.Context, storageKey string) (codec.Entry, bool) {
	raw, ok, err := s.kv.GetItem(ctx, storageKey)
	if err != nil || !ok {
		return codec.Entry{}, false
	}
	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		return codec.Entry{}, false
	}
	return entry, true
}
