package locks

import (
	"context"
	"sync"
)

// MemoryLocker is a single-process Locker used in tests and single-node runs.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]bool)}
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key int64) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, nil
	}
	m.held[key] = true
	return &Lease{
		Key: key,
		release: func(ctx context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.held, key)
			return nil
		},
	}, nil
}

func (m *MemoryLocker) Close() error {
	return nil
}
