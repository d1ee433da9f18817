package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownRecord is returned when a store is asked to update a record it
// never created.
var ErrUnknownRecord = errors.New("audit: unknown record")

// MemoryStore keeps records in memory. It is the default store and the one
// tests inspect.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]RunRecord
	tables map[string]TableRecord
	closed map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   map[string]RunRecord{},
		tables: map[string]TableRecord{},
		closed: map[string]bool{},
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *MemoryStore) EndRun(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return errors.Wrap(ErrUnknownRecord, r.ID)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *MemoryStore) CreateTableLoad(_ context.Context, t TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.ID] = t
	return nil
}

func (m *MemoryStore) ArchiveTableLoad(_ context.Context, t TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[t.ID]; !ok {
		return errors.Wrap(ErrUnknownRecord, t.ID)
	}
	if m.closed[t.ID] {
		return errors.Wrap(ErrArchived, t.Table)
	}
	m.tables[t.ID] = t
	m.closed[t.ID] = true
	return nil
}

// Run returns the stored run record.
func (m *MemoryStore) Run(id string) (RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// TableLoads returns the stored table records of a run ordered by start
// time, then table name.
func (m *MemoryStore) TableLoads(runID string) []TableRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TableRecord
	for _, t := range m.tables {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Table < out[j].Table
	})
	return out
}

// Archived reports whether the table record was archived.
func (m *MemoryStore) Archived(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[id]
}
