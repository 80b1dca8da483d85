// Package codec is the single encode/decode boundary for every shape the
// engine persists. Decode failures wrap ErrCorrupt so callers can treat
// corruption uniformly.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is written into every cache entry.
const SchemaVersion = 1

// ErrCorrupt marks a stored payload that cannot be decoded.
var ErrCorrupt = errors.New("codec: corrupt payload")

func corrupt(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrCorrupt, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
}

// Entry is a cached payload with its provenance.
type Entry struct {
	Data     json.RawMessage
	StoredAt time.Time
	Kind     string
	Metadata map[string]string
}

type entryWire struct {
	SchemaVersion int               `json:"schemaVersion,omitempty"`
	Data          json.RawMessage   `json:"data"`
	StoredAt      int64             `json:"storedAt"`
	Kind          string            `json:"kind"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EncodeEntry serializes e. StoredAt is kept at millisecond precision.
func EncodeEntry(e Entry) (string, error) {
	if len(e.Data) == 0 {
		return "", fmt.Errorf("encode entry: empty data")
	}
	if !json.Valid(e.Data) {
		return "", fmt.Errorf("encode entry: data is not valid JSON")
	}
	b, err := json.Marshal(entryWire{
		SchemaVersion: SchemaVersion,
		Data:          e.Data,
		StoredAt:      e.StoredAt.UnixMilli(),
		Kind:          e.Kind,
		Metadata:      e.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	return string(b), nil
}

// DecodeEntry parses a stored entry. Entries written without a schema version
// are read as version 1; newer versions are rejected as corrupt.
func DecodeEntry(raw string) (Entry, error) {
	var w entryWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Entry{}, corrupt("entry", err)
	}
	switch {
	case w.SchemaVersion > SchemaVersion:
		return Entry{}, corrupt(fmt.Sprintf("entry schema version %d", w.SchemaVersion), nil)
	case len(w.Data) == 0:
		return Entry{}, corrupt("entry without data", nil)
	case w.StoredAt <= 0:
		return Entry{}, corrupt("entry without storedAt", nil)
	case w.Kind == "":
		return Entry{}, corrupt("entry without kind", nil)
	}
	return Entry{
		Data:     w.Data,
		StoredAt: time.UnixMilli(w.StoredAt),
		Kind:     w.Kind,
		Metadata: w.Metadata,
	}, nil
}

// EncodeIndex serializes the key list of one kind.
func EncodeIndex(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode index: %w", err)
	}
	return string(b), nil
}

// DecodeIndex parses an index value.
func DecodeIndex(raw string) ([]string, error) {
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, corrupt("index", err)
	}
	return keys, nil
}
