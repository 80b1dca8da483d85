package kvstore

import (
	"context"
	"fmt"

	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/secrets"
)

// Options selects and tunes the storage backend.
type Options struct {
	Backend    string
	DSN        string
	Table      string
	HotCacheMB int
}

// Open builds the configured Store, wrapped in a hot read layer when HotCacheMB > 0.
func Open(ctx context.Context, opts Options) (Store, error) {
	backend, err := ParseBackend(opts.Backend)
	if err != nil {
		return nil, err
	}
	table := opts.Table
	if table == "" {
		table = "offline_kv"
	}

	log := logger.WithComponent("kvstore")

	var store Store
	if backend == MemoryBackend {
		log.Warn("using in-memory storage; nothing survives a restart")
		store = NewMemoryStore()
	} else {
		s, err := NewSQLStore(ctx, backend, opts.DSN, table)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if opts.HotCacheMB > 0 {
		cached, err := NewCached(store, int64(opts.HotCacheMB))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("hot cache: %w", err)
		}
		store = cached
	}

	log.Info("storage opened",
		"backend", backend,
		"dsn", secrets.MaskURL(opts.DSN),
		"table", table,
		"hot_cache_mb", opts.HotCacheMB)
	return store, nil
}
