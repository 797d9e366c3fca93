// internal/store/memory.go
package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps namespaces in process memory. It is used in tests and by
// the bench agent when no persistence is wanted.
type MemoryBackend struct {
	mu         sync.Mutex
	namespaces map[string]map[string]string

	// OpenErr, when set, is returned by the next Open call and then cleared.
	OpenErr error
	// CommitErr, when set, is returned by every Commit.
	CommitErr error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{namespaces: make(map[string]map[string]string)}
}

func (m *MemoryBackend) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.OpenErr
	m.OpenErr = nil
	return err
}

func (m *MemoryBackend) Load(ctx context.Context, namespace string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneValues(m.namespaces[namespace]), nil
}

func (m *MemoryBackend) Commit(ctx context.Context, changes Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	for ns, values := range changes {
		if len(values) == 0 {
			delete(m.namespaces, ns)
			continue
		}
		m.namespaces[ns] = cloneValues(values)
	}
	return nil
}

func (m *MemoryBackend) Erase(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces = make(map[string]map[string]string)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
