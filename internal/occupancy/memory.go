package occupancy

import (
	"context"
	"sync"
)

// MemoryPersistence keeps the count in process memory. It is used when no
// database is configured and in tests, where SetFailure simulates an
// unavailable backend.
type MemoryPersistence struct {
	mu    sync.Mutex
	count int
	err   error
}

// NewMemoryPersistence returns an empty in-memory backend.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// Init implements Persistence.
func (m *MemoryPersistence) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Set implements Persistence.
func (m *MemoryPersistence) Set(_ context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.count = count
	return nil
}

// Get implements Persistence.
func (m *MemoryPersistence) Get(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.count, nil
}

// SetFailure makes every subsequent call return err. Pass nil to recover.
func (m *MemoryPersistence) SetFailure(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
