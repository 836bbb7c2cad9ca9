package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process. Waiting records do not survive a
// restart, so they simply lapse with the process.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Pending
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates a MemoryStore. Resolved records older than
// retention are pruned on the next Create; retention <= 0 keeps them.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{records: make(map[string]Pending), retention: retention, now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[p.ID]; ok {
		return ErrAlreadyExists
	}
	m.pruneLocked()
	m.records[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return Pending{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, r Resolution) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return Pending{}, false, ErrNotFound
	}
	if p.Status != StatusWaiting {
		return p, false, nil
	}
	p = r.apply(p)
	m.records[id] = p
	return p, true, nil
}

func (m *MemoryStore) List(_ context.Context, status Status) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, 0, len(m.records))
	for _, p := range m.records {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) pruneLocked() {
	if m.retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.retention)
	for id, p := range m.records {
		if p.Status.Terminal() && p.ResolvedAt.Before(cutoff) {
			delete(m.records, id)
		}
	}
}

func sortByCreated(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
