package params

import (
	"context"
	"sync"
)

// MemoryBackend keeps parameters in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Parameter
	history []Parameter
	// Err, when set, is returned from every call. Tests use it to simulate a
	// lost persistence medium.
	Err error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Parameter)}
}

func (m *MemoryBackend) Load(_ context.Context, key string) (Parameter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return Parameter{}, false, m.Err
	}
	p, ok := m.records[key]
	return p, ok, nil
}

func (m *MemoryBackend) LoadAll(_ context.Context) ([]Parameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Parameter, 0, len(m.records))
	for _, p := range m.records {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryBackend) Save(_ context.Context, p Parameter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if cur, ok := m.records[p.Key]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	m.records[p.Key] = p
	m.history = append(m.history, p)
	return nil
}

func (m *MemoryBackend) History(_ context.Context, key string, limit int) ([]Parameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Parameter
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Key != key {
			continue
		}
		out = append(out, m.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

// SetErr makes every later call fail with err.
func (m *MemoryBackend) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
