// Package store provides RecordStore implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/allocation-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory mirrors the sqlite store's semantics: serial uniqueness among
// non-deleted records and optimistic revision checks on update.
type Memory struct {
	mu      sync.RWMutex
	records map[engine.RecordID]*engine.AllocationRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[engine.RecordID]*engine.AllocationRecord)}
}

func (m *Memory) Insert(_ context.Context, rec *engine.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Uniqueness constraint: (resource, day, sr_no) among non-deleted.
	day := dayKey(rec.AllocationDate)
	for _, existing := range m.records {
		if existing.IsDeleted {
			continue
		}
		if existing.ResourceID == rec.ResourceID && dayKey(existing.AllocationDate) == day && existing.SrNo == rec.SrNo {
			return &engine.ConflictError{RecordID: rec.ID, Op: "insert"}
		}
	}

	cp := rec.Clone()
	cp.Revision = 1
	m.records[rec.ID] = cp
	rec.Revision = 1
	return nil
}

func (m *Memory) Get(_ context.Context, id engine.RecordID) (*engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, rec *engine.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return engine.ErrNotFound
	}
	if stored.Revision != rec.Revision {
		return &engine.ConflictError{RecordID: rec.ID, Op: "update"}
	}

	cp := rec.Clone()
	cp.Revision = stored.Revision + 1
	m.records[rec.ID] = cp
	rec.Revision = cp.Revision
	return nil
}

func (m *Memory) Remove(_ context.Context, id engine.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return engine.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) MaxSerial(_ context.Context, resource engine.ResourceID, start, end time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	max := 0
	for _, rec := range m.records {
		if rec.IsDeleted || rec.ResourceID != resource {
			continue
		}
		if rec.AllocationDate.Before(start) || rec.AllocationDate.After(end) {
			continue
		}
		if rec.SrNo > max {
			max = rec.SrNo
		}
	}
	return max, nil
}

func (m *Memory) FindPrimary(_ context.Context, requestID, client string, scope engine.DuplicateScope, primaryCategories []string, exclude engine.RecordID) (*engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.IsDeleted || rec.ID == exclude {
			continue
		}
		if !strings.EqualFold(rec.RequestID, requestID) {
			continue
		}
		if scope == engine.ScopeClient && !strings.EqualFold(rec.Client, client) {
			continue
		}
		if isPrimary(rec.Category, primaryCategories) {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) ListByResourceDay(_ context.Context, resource engine.ResourceID, start, end time.Time) ([]*engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.AllocationRecord
	for _, rec := range m.records {
		if rec.IsDeleted || rec.ResourceID != resource {
			continue
		}
		if rec.AllocationDate.Before(start) || rec.AllocationDate.After(end) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SrNo < out[j].SrNo })
	return out, nil
}

func (m *Memory) ListByLocationMonth(_ context.Context, key string, month, year int) ([]*engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.AllocationRecord
	for _, rec := range m.records {
		if rec.IsDeleted {
			continue
		}
		if rec.SubprojectKey == key && rec.Month == month && rec.Year == year {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocationDate.Equal(out[j].AllocationDate) {
			return out[i].AllocationDate.Before(out[j].AllocationDate)
		}
		return out[i].SrNo < out[j].SrNo
	})
	return out, nil
}

func (m *Memory) ListPendingDeletes(_ context.Context) ([]*engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*engine.AllocationRecord
	for _, rec := range m.records {
		if rec.HasPendingDeleteRequest {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeleteRequest.RequestedAt.Before(out[j].DeleteRequest.RequestedAt)
	})
	return out, nil
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func isPrimary(category string, primaries []string) bool {
	for _, p := range primaries {
		if strings.EqualFold(p, category) {
			return true
		}
	}
	return false
}
