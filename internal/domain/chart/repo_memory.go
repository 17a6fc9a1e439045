package chart

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/pkg/entities"
)

type memoryChart struct {
	entries      []*Entry
	completeness map[entities.Area]AreaScore
	version      int64
	lastUpdated  time.Time
	decisions    []*Decision
}

// MemoryStore is an in-process Store. Reads return copies.
type MemoryStore struct {
	mu     sync.RWMutex
	charts map[uuid.UUID]*memoryChart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{charts: make(map[uuid.UUID]*memoryChart)}
}

func (s *MemoryStore) GetChart(_ context.Context, patientID uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(patientID), nil
}

func (s *MemoryStore) snapshot(patientID uuid.UUID) *Record {
	rec := NewRecord(patientID)
	c, ok := s.charts[patientID]
	if !ok {
		return rec
	}
	for _, e := range c.entries {
		rec.Entries = append(rec.Entries, e.clone())
	}
	for area, score := range c.completeness {
		rec.Completeness[area] = score
	}
	rec.Version = c.version
	rec.LastUpdated = c.lastUpdated
	return rec
}

func (s *MemoryStore) ApplyMergeDecisions(_ context.Context, patientID uuid.UUID, cs *ChangeSet) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.charts[patientID]
	if !ok {
		c = &memoryChart{completeness: map[entities.Area]AreaScore{}}
	}
	if c.version != cs.BaseVersion {
		return nil, ErrConcurrentChartWrite
	}
	s.charts[patientID] = c

	for _, up := range cs.Upserts {
		replaced := false
		for i, e := range c.entries {
			if e.ID == up.ID {
				c.entries[i] = up.clone()
				replaced = true
				break
			}
		}
		if !replaced {
			c.entries = append(c.entries, up.clone())
		}
	}
	for _, d := range cs.Decisions {
		cp := *d
		c.decisions = append(c.decisions, &cp)
	}
	if len(cs.Upserts) > 0 {
		c.version++
	}
	if cs.Completeness != nil {
		c.completeness = make(map[entities.Area]AreaScore, len(cs.Completeness))
		for area, score := range cs.Completeness {
			c.completeness[area] = score
		}
	}
	c.lastUpdated = cs.LastUpdated
	return s.snapshot(patientID), nil
}

func (s *MemoryStore) GetEntityHistory(_ context.Context, patientID uuid.UUID, area entities.Area) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Decision{}
	c, ok := s.charts[patientID]
	if !ok {
		return out, nil
	}
	for _, d := range c.decisions {
		if d.Area == area {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
