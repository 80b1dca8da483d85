package cache

import (
	"bytes"
	"encoding/json"
	"time"
)

// Result is a fresh cache hit.
type Result struct {
	Data     json.RawMessage
	Cached   bool
	CacheAge time.Duration
	Metadata map[string]string
	StoredAt time.Time
}

// MarshalJSON merges the cache annotations into object payloads:
//
//	{...data, "_cached": true, "_cacheAge": <ms>, "_cacheMetadata": {...}}
//
// Non-object payloads are wrapped under "data".
func (r *Result) MarshalJSON() ([]byte, error) {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	annotations := map[string]any{
		"_cached":        r.Cached,
		"_cacheAge":      r.CacheAge.Milliseconds(),
		"_cacheMetadata": meta,
	}

	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(r.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &fields) == nil {
		for k, v := range annotations {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fields[k] = b
		}
		return json.Marshal(fields)
	}

	annotations["data"] = r.Data
	if len(trimmed) == 0 {
		annotations["data"] = json.RawMessage("null")
	}
	return json.Marshal(annotations)
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}
