package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. It survives a simulated process crash
// (a new manager over the same store) but not a real one; tests use it for
// exactly-once and recovery scenarios where restarting the manager is the
// crash model.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// failNextSave, when armed, makes the next Save fail. Models a
	// checkpoint store outage at a precise point.
	failNextSave bool
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Save atomically overwrites the checkpoint for flowID.
func (m *MemoryStore) Save(_ context.Context, flowID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNextSave {
		m.failNextSave = false
		return fmt.Errorf("save checkpoint %s: store unavailable", flowID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[flowID] = cp
	return nil
}

// Load reads the checkpoint for flowID.
func (m *MemoryStore) Load(_ context.Context, flowID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[flowID]
	if !ok {
		return nil, fmt.Errorf("load checkpoint %s: %w", flowID, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the checkpoint for flowID. Idempotent.
func (m *MemoryStore) Delete(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, flowID)
	return nil
}

// LoadAll returns every stored checkpoint ordered by flow id.
func (m *MemoryStore) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]Record, 0, len(m.data))
	for id, data := range m.data {
		cp := make([]byte, len(data))
		copy(cp, data)
		records = append(records, Record{FlowID: id, Data: cp})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].FlowID < records[j].FlowID })
	return records, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// FailNextSave arms a one-shot Save failure. Used by tests to hit the
// "checkpoint store unavailable" error path.
func (m *MemoryStore) FailNextSave() {
	m.mu.Lock()
	m.failNextSave = true
	m.mu.Unlock()
}

// Len returns the number of stored checkpoints. Used by tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Corrupt overwrites a stored checkpoint with garbage bytes. Used by tests
// to exercise the quarantine-at-recovery path.
func (m *MemoryStore) Corrupt(flowID string) {
	m.mu.Lock()
	m.data[flowID] = []byte("{corrupt")
	m.mu.Unlock()
}
