package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps records in process. Used when storage.driver is "memory"
// and in tests.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID: make(map[string]int),
		now:  time.Now,
	}
}

func (m *Memory) Create(_ context.Context, rec NewRecord) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	r := Record{
		ID:        uuid.NewString(),
		NewRecord: rec,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = len(m.records)
	m.records = append(m.records, r)
	return r, nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[i], nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Record{}
	for _, r := range m.records {
		if !f.matches(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
