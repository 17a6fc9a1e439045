package review

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/pkg/entities"
)

type Repository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error)
	// FindPending returns the oldest pending item proposing proposed for the
	// entry, or ErrItemNotFound.
	FindPending(ctx context.Context, patientID uuid.UUID, section entities.Area, key string, proposed json.RawMessage) (*Item, error)
	// Resolve stores the resolution fields of it. It returns
	// ErrAlreadyResolved when the stored item is no longer pending.
	Resolve(ctx context.Context, it *Item) error
}

type memoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Item
}

// NewMemoryRepo returns an in-process Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[uuid.UUID]*Item)}
}

func (r *memoryRepo) Create(_ context.Context, it *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *it
	r.items[it.ID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (r *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Item
	for _, it := range r.items {
		if f.matches(it) {
			cp := *it
			matched = append(matched, &cp)
		}
	}
	// Urgent first, then oldest first.
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority == PriorityUrgent
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []*Item{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *memoryRepo) FindPending(_ context.Context, patientID uuid.UUID, section entities.Area, key string, proposed json.RawMessage) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Item
	for _, it := range r.items {
		if it.Status != StatusPending || it.PatientID != patientID || it.Section != section ||
			it.EntryKey != key || !bytes.Equal(it.ProposedValue, proposed) {
			continue
		}
		if found == nil || it.CreatedAt.Before(found.CreatedAt) {
			found = it
		}
	}
	if found == nil {
		return nil, ErrItemNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memoryRepo) Resolve(_ context.Context, it *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[it.ID]
	if !ok {
		return ErrItemNotFound
	}
	if cur.Status != StatusPending {
		return ErrAlreadyResolved
	}
	cp := *it
	r.items[it.ID] = &cp
	return nil
}
