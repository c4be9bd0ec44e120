package store

import (
	"context"
	"sync"

	"github.com/holoforge/scenecast/internal/domain"
)

// MemoryStore is a concurrency-safe in-memory Store. It is not durable:
// contents are lost on process restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.SceneRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.SceneRecord)}
}

func (m *MemoryStore) Get(ctx context.Context, sceneID string) (*domain.SceneRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sceneID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec domain.SceneRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.SceneID]; exists {
		// Idempotent: second Put for the same sceneID is a no-op.
		return nil
	}
	m.records[rec.SceneID] = rec
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sceneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sceneID)
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, sceneID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[sceneID]
	return ok, nil
}

func (m *MemoryStore) All(ctx context.Context) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SceneRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return newSliceIterator(out), nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
