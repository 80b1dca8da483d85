package codec

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Operation is a fully specified HTTP intent waiting to be replayed.
type Operation struct {
	ID         string
	Method     string
	URL        string
	Data       json.RawMessage
	Headers    map[string]string
	EnqueuedAt time.Time
	Attempts   int
	LastError  *string
}

// Clone returns a deep copy of op.
func (op Operation) Clone() Operation {
	out := op
	if op.Data != nil {
		out.Data = append(json.RawMessage(nil), op.Data...)
	}
	if op.Headers != nil {
		out.Headers = maps.Clone(op.Headers)
	}
	if op.LastError != nil {
		s := *op.LastError
		out.LastError = &s
	}
	return out
}

type operationWire struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt int64             `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
	LastError  *string           `json:"lastError"`
}

// EncodeQueue serializes the full queue snapshot.
func EncodeQueue(ops []Operation) (string, error) {
	wire := make([]operationWire, len(ops))
	for i, op := range ops {
		wire[i] = operationWire{
			ID:         op.ID,
			Method:     op.Method,
			URL:        op.URL,
			Data:       op.Data,
			Headers:    op.Headers,
			EnqueuedAt: op.EnqueuedAt.UnixMilli(),
			Attempts:   op.Attempts,
			LastError:  op.LastError,
		}
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode queue: %w", err)
	}
	return string(b), nil
}

// DecodeQueue parses a queue snapshot. Any malformed operation makes the whole
// snapshot corrupt, since silently skipping one would lose user intent.
func DecodeQueue(raw string) ([]Operation, error) {
	var wire []operationWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, corrupt("queue", err)
	}
	ops := make([]Operation, 0, len(wire))
	seen := make(map[string]bool, len(wire))
	for i, w := range wire {
		if w.ID == "" || w.Method == "" || w.URL == "" {
			return nil, corrupt(fmt.Sprintf("queue operation %d incomplete", i), nil)
		}
		if seen[w.ID] {
			return nil, corrupt(fmt.Sprintf("queue operation id %s duplicated", w.ID), nil)
		}
		if w.Attempts < 0 {
			return nil, corrupt(fmt.Sprintf("queue operation %s has negative attempts", w.ID), nil)
		}
		seen[w.ID] = true
		ops = append(ops, Operation{
			ID:         w.ID,
			Method:     w.Method,
			URL:        w.URL,
			Data:       w.Data,
			Headers:    w.Headers,
			EnqueuedAt: time.UnixMilli(w.EnqueuedAt),
			Attempts:   w.Attempts,
			LastError:  w.LastError,
		})
	}
	return ops, nil
}
