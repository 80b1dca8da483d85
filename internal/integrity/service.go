// Package integrity detects and repairs drift between cache entries, their
// kind indexes and the persisted operation queue.
package integrity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/offline-sync/internal/cache"
	"github.com/onnwee/offline-sync/internal/codec"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/queue"
)

// maxSamples bounds the example keys attached to a result.
const maxSamples = 10

// Service provides data integrity operations
type Service struct {
	kv    kvstore.Store
	cache *cache.Store
	now   func() time.Time
}

// NewService creates a new integrity service. store must persist into kv.
func NewService(kv kvstore.Store, store *cache.Store) *Service {
	return &Service{kv: kv, cache: store, now: time.Now}
}

// CheckResult contains the result of an integrity check
type CheckResult struct {
	CheckName  string    `json:"checkName"`
	IssueCount int64     `json:"issueCount"`
	Details    string    `json:"details"`
	CheckedAt  time.Time `json:"checkedAt"`
	HasIssues  bool      `json:"hasIssues"`
	Samples    []string  `json:"samples,omitempty"`
}

// RepairResult summarizes a Repair run.
type RepairResult struct {
	CorruptRemoved int `json:"corruptRemoved"`
	KindsIndexed   int `json:"kindsIndexed"`
}

type scan struct {
	entries        map[string]codec.Entry // storage key -> decoded entry
	corrupt        []string
	indexes        map[string][]string // kind -> keys
	corruptIndexes []string
	queueErr       error
	quarantined    []string
}

func (s *Service) scan(ctx context.Context) (*scan, error) {
	keys, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)

	sc := &scan{entries: make(map[string]codec.Entry), indexes: make(map[string][]string)}
	for _, k := range keys {
		switch {
		case cache.IsEntryKey(k):
			raw, ok, err := s.kv.GetItem(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", k, err)
			}
			if !ok {
				continue
			}
			entry, err := codec.DecodeEntry(raw)
			if err != nil {
				sc.corrupt = append(sc.corrupt, k)
				continue
			}
			sc.entries[k] = entry
		case cache.IsIndexKey(k):
			kind, _ := cache.KindFromIndexKey(k)
			raw, ok, err := s.kv.GetItem(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", k, err)
			}
			if !ok {
				continue
			}
			idx, err := codec.DecodeIndex(raw)
			if err != nil {
				sc.corruptIndexes = append(sc.corruptIndexes, k)
				continue
			}
			sc.indexes[kind] = idx
		case k == queue.StorageKey:
			raw, ok, err := s.kv.GetItem(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", k, err)
			}
			if ok {
				_, sc.queueErr = codec.DecodeQueue(raw)
			}
		case strings.HasPrefix(k, queue.CorruptKeyPrefix):
			sc.quarantined = append(sc.quarantined, k)
		}
	}
	return sc, nil
}

// CheckAll runs all integrity checks
func (s *Service) CheckAll(ctx context.Context) ([]CheckResult, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var orphans []string
	for kind, keys := range sc.indexes {
		for _, key := range keys {
			if _, ok := sc.entries[cache.EntryKey(kind, key)]; !ok {
				orphans = append(orphans, cache.EntryKey(kind, key))
			}
		}
	}
	sort.Strings(orphans)

	var unindexed []string
	for storageKey, entry := range sc.entries {
		key, ok := cache.KeyFromEntryKey(storageKey, entry.Kind)
		if !ok || !contains(sc.indexes[entry.Kind], key) {
			unindexed = append(unindexed, storageKey)
		}
	}
	sort.Strings(unindexed)

	queueIssues := int64(0)
	queueDetails := "Operation queue snapshot decodes"
	if sc.queueErr != nil {
		queueIssues = 1
		queueDetails = "Operation queue snapshot is unreadable: " + sc.queueErr.Error()
	}
	if len(sc.quarantined) > 0 {
		queueDetails += fmt.Sprintf("; %d quarantined snapshot(s) kept for inspection", len(sc.quarantined))
	}

	results := []CheckResult{
		result("orphan_index_keys", orphans, "Indexed keys without a stored entry", now),
		result("unindexed_entries", unindexed, "Stored entries missing from their kind index", now),
		result("corrupt_entries", sc.corrupt, "Entries that fail to decode", now),
		result("corrupt_indexes", sc.corruptIndexes, "Kind indexes that fail to decode", now),
		{
			CheckName:  "queue_snapshot",
			IssueCount: queueIssues,
			Details:    queueDetails,
			CheckedAt:  now,
			HasIssues:  queueIssues > 0,
			Samples:    sample(sc.quarantined),
		},
	}
	return results, nil
}

// Repair deletes corrupt entries and rebuilds every kind index. The queue is
// left alone; it quarantines a bad snapshot itself when it is next opened.
func (s *Service) Repair(ctx context.Context) (RepairResult, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return RepairResult{}, err
	}
	var res RepairResult
	if len(sc.corrupt) > 0 {
		if err := s.kv.MultiRemove(ctx, sc.corrupt); err != nil {
			return res, fmt.Errorf("failed to remove corrupt entries: %w", err)
		}
		res.CorruptRemoved = len(sc.corrupt)
	}
	kinds, err := s.cache.Rebuild(ctx)
	res.KindsIndexed = kinds
	if err != nil {
		return res, fmt.Errorf("failed to rebuild indexes: %w", err)
	}
	logger.InfoContext(ctx, "Integrity repair complete", "corrupt_removed", res.CorruptRemoved, "kinds_indexed", kinds)
	return res, nil
}

func result(name string, keys []string, details string, at time.Time) CheckResult {
	return CheckResult{
		CheckName:  name,
		IssueCount: int64(len(keys)),
		Details:    details,
		CheckedAt:  at,
		HasIssues:  len(keys) > 0,
		Samples:    sample(keys),
	}
}

func sample(keys []string) []string {
	if len(keys) > maxSamples {
		return keys[:maxSamples]
	}
	return keys
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
