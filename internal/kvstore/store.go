// Package kvstore is the persistent key-value storage collaborator behind the
// offline cache and the operation queue.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Store is an asynchronous string key-value store. A missing key is reported as
// ok=false with a nil error; removing a missing key is not an error.
type Store interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	GetAllKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
	Close() error
}

// Backend names a storage implementation.
type Backend string

const (
	SQLiteBackend   Backend = "sqlite"
	PostgresBackend Backend = "postgres"
	MySQLBackend    Backend = "mysql"
	MemoryBackend   Backend = "memory"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifiers interpolated into SQL.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name: %s (must match pattern %s)", name, tableNamePattern)
	}
	return nil
}

// ParseBackend normalizes a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "sqlite", "sqlite3":
		return SQLiteBackend, nil
	case "postgres", "postgresql":
		return PostgresBackend, nil
	case "mysql":
		return MySQLBackend, nil
	case "memory":
		return MemoryBackend, nil
	default:
		return "", fmt.Errorf("unsupported storage backend: %s. Must be sqlite, postgres, mysql, or memory", s)
	}
}
