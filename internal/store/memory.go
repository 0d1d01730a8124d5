package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	body  map[string]json.RawMessage
	index map[string]string
}

// MemoryCollection is an in-process Collection with the same matching and
// paging rules as the Postgres table.
type MemoryCollection[T any] struct {
	mu    sync.Mutex
	cfg   KindConfig[T]
	items map[string]memoryEntry
}

func NewMemoryCollection[T any](cfg KindConfig[T]) *MemoryCollection[T] {
	return &MemoryCollection[T]{cfg: cfg, items: map[string]memoryEntry{}}
}

func (m *MemoryCollection[T]) GetAll(context.Context) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0, len(m.items))
	for _, id := range m.sortedIDs() {
		item, err := m.decodeLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *MemoryCollection[T]) GetByID(_ context.Context, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		var zero T
		return zero, ErrNotFound
	}
	return m.decodeLocked(id)
}

func (m *MemoryCollection[T]) Put(_ context.Context, item T) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("%s body must be a json object: %w", m.cfg.Kind, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.cfg.ID(item)] = memoryEntry{body: body, index: m.cfg.indexKeys(item)}
	return nil
}

func (m *MemoryCollection[T]) UpdateFields(ctx context.Context, id string, fields Fields) error {
	_, err := m.UpdateFieldsIf(ctx, id, fields, nil)
	return err
}

func (m *MemoryCollection[T]) UpdateFieldsIf(_ context.Context, id string, fields, cond Fields) (bool, error) {
	patch, err := encodeFields(fields)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if !matchesEquals(entry.body, cond) {
		return false, nil
	}
	for k, v := range patch {
		entry.body[k] = v
	}
	return true, nil
}

func (m *MemoryCollection[T]) Scan(_ context.Context, f Filter, p Page) ([]T, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := p.limit()
	out := make([]T, 0, limit)
	last := ""
	for _, id := range m.sortedIDs() {
		if p.After != "" && id <= p.After {
			continue
		}
		entry := m.items[id]
		if !matchesEquals(entry.body, f.Equals) || !matchesBefore(entry.body, f.Before) {
			continue
		}
		item, err := m.decodeLocked(id)
		if err != nil {
			return nil, "", err
		}
		out = append(out, item)
		last = id
		if len(out) == limit {
			return out, last, nil
		}
	}
	return out, "", nil
}

func (m *MemoryCollection[T]) QueryByIndex(_ context.Context, index, key string) ([]T, error) {
	if !m.cfg.hasIndex(index) {
		return nil, fmt.Errorf("%s has no index %q", m.cfg.Kind, index)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0)
	for _, id := range m.sortedIDs() {
		if m.items[id].index[index] != key {
			continue
		}
		item, err := m.decodeLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *MemoryCollection[T]) sortedIDs() []string {
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *MemoryCollection[T]) decodeLocked(id string) (T, error) {
	raw, err := json.Marshal(m.items[id].body)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](m.cfg.Kind, raw)
}

func encodeFields(fields Fields) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func matchesEquals(body map[string]json.RawMessage, want map[string]any) bool {
	for k, v := range want {
		stored, ok := body[k]
		if !ok {
			return false
		}
		wantRaw, err := json.Marshal(v)
		if err != nil {
			return false
		}
		var a, b any
		if json.Unmarshal(stored, &a) != nil || json.Unmarshal(wantRaw, &b) != nil {
			return false
		}
		if !reflect.DeepEqual(a, b) {
			return false
		}
	}
	return true
}

func matchesBefore(body map[string]json.RawMessage, bounds map[string]time.Time) bool {
	for k, bound := range bounds {
		stored, ok := body[k]
		if !ok || string(stored) == "null" {
			return false
		}
		var ts time.Time
		if err := json.Unmarshal(stored, &ts); err != nil {
			return false
		}
		if !ts.Before(bound) {
			return false
		}
	}
	return true
}
