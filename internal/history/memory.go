package history

import (
	"context"
	"sync"
)

// memoryStore keeps the newest runs in a bounded slice.
type memoryStore struct {
	mu   sync.Mutex
	keep int
	runs []Run
}

func newMemory(keep int) *memoryStore {
	return &memoryStore{keep: keep}
}

func (m *memoryStore) AppendRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	if len(m.runs) > m.keep {
		m.runs = m.runs[len(m.runs)-m.keep:]
	}
	return nil
}

func (m *memoryStore) RecentRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Run, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
