package cache

import "strings"

const (
	// EntryPrefix starts every persisted cache entry key.
	EntryPrefix = "offline_cache_"
	// IndexPrefix starts every per-kind index key.
	IndexPrefix = "cache_index_"
)

// EntryKey is the storage key of the entry for (kind, key).
func EntryKey(kind, key string) string {
	return EntryPrefix + kind + "_" + key
}

// IndexKey is the storage key of the index for kind.
func IndexKey(kind string) string {
	return IndexPrefix + kind
}

// IsEntryKey reports whether a storage key holds a cache entry.
func IsEntryKey(storageKey string) bool {
	return strings.HasPrefix(storageKey, EntryPrefix)
}

// IsIndexKey reports whether a storage key holds a kind index.
func IsIndexKey(storageKey string) bool {
	return strings.HasPrefix(storageKey, IndexPrefix)
}

// KindFromIndexKey recovers the kind from an index key.
func KindFromIndexKey(storageKey string) (string, bool) {
	if !IsIndexKey(storageKey) {
		return "", false
	}
	kind := strings.TrimPrefix(storageKey, IndexPrefix)
	return kind, kind != ""
}

// KeyFromEntryKey recovers the caller key from an entry key once its kind is
// known. Kinds may contain underscores, so the kind must come from the entry
// itself rather than from splitting the storage key.
func KeyFromEntryKey(storageKey, kind string) (string, bool) {
	prefix := EntryPrefix + kind + "_"
	if !strings.HasPrefix(storageKey, prefix) {
		return "", false
	}
	return strings.TrimPrefix(storageKey, prefix), true
}
