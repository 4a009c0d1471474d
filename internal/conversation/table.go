// Package conversation implements per-flow state storage.
package conversation

import (
	"sync"

	"firestige.xyz/dissect/internal/core"
)

// Table maps a flow to per-conversation state of type V. Entries are created
// on first use and live until Delete or Reset. Callers canonicalize direction
// by building keys with core.NewFlowKey.
type Table[V any] struct {
	mu   sync.Mutex
	data map[core.FlowKey]V
}

// NewTable creates an empty table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{data: make(map[core.FlowKey]V)}
}

// Get retrieves state for the given key.
func (t *Table[V]) Get(key core.FlowKey) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok
}

// GetOrCreate returns existing state or stores the result of create.
func (t *Table[V]) GetOrCreate(key core.FlowKey, create func() V) V {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.data[key]; ok {
		return v
	}
	v := create()
	t.data[key] = v
	return v
}

// Set stores state for the given key, overwriting an existing value.
func (t *Table[V]) Set(key core.FlowKey, v V) {
	t.mu.Lock()
	t.data[key] = v
	t.mu.Unlock()
}

// Delete removes state for the given key.
func (t *Table[V]) Delete(key core.FlowKey) {
	t.mu.Lock()
	delete(t.data, key)
	t.mu.Unlock()
}

// Range iterates over a snapshot of the table. f returns false to stop.
func (t *Table[V]) Range(f func(key core.FlowKey, v V) bool) {
	t.mu.Lock()
	keys := make([]core.FlowKey, 0, len(t.data))
	vals := make([]V, 0, len(t.data))
	for k, v := range t.data {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	t.mu.Unlock()
	for i := range keys {
		if !f(keys[i], vals[i]) {
			return
		}
	}
}

// Count returns the number of conversations.
func (t *Table[V]) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// Reset drops every conversation.
func (t *Table[V]) Reset() {
	t.mu.Lock()
	t.data = make(map[core.FlowKey]V)
	t.mu.Unlock()
}
