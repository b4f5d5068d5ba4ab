package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Memory is an in-process document store guarded by a single mutex. It is
// the default store for unit tests across every package in this module and
// satisfies read-your-writes within a single goroutine trivially, since all
// access is serialized.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) collection(name string) map[string]json.RawMessage {
	c, ok := m.data[name]
	if !ok {
		c = make(map[string]json.RawMessage)
		m.data[name] = c
	}
	return c
}

func (m *Memory) Get(_ context.Context, collection, id string, out any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.data[collection][id]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decoding document %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (m *Memory) Upsert(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = raw
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.data[collection]
	if !ok {
		return false, nil
	}
	if _, ok := c[id]; !ok {
		return false, nil
	}
	delete(c, id)
	return true, nil
}

func (m *Memory) Query(_ context.Context, collection string, pred Predicate, out any) error {
	outVal := reflect.ValueOf(out)
	if outVal.Kind() != reflect.Ptr || outVal.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("query: out must be a pointer to a slice")
	}
	sliceVal := outVal.Elem()
	elemType := sliceVal.Type().Elem()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, raw := range m.data[collection] {
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("decoding document in %s: %w", collection, err)
		}
		if !match(generic, pred) {
			continue
		}

		elemPtr := reflect.New(elemType)
		if err := json.Unmarshal(raw, elemPtr.Interface()); err != nil {
			return fmt.Errorf("decoding document in %s: %w", collection, err)
		}
		sliceVal.Set(reflect.Append(sliceVal, elemPtr.Elem()))
	}
	return nil
}
