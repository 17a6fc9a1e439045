package extraction

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error)
	// Finish stores the processing outcome of a pending document.
	Finish(ctx context.Context, doc *Document) error
}

// ErrAlreadyFinished is returned by Finish for a document that left pending.
var ErrAlreadyFinished = errors.New("extraction: document already processed")

type memoryRepo struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*Document
}

func NewMemoryRepo() Repository {
	return &memoryRepo{docs: make(map[uuid.UUID]*Document)}
}

func (r *memoryRepo) Create(_ context.Context, doc *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Document
	for _, d := range r.docs {
		if d.PatientID == patientID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return []*Document{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *memoryRepo) Finish(_ context.Context, doc *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.docs[doc.ID]
	if !ok {
		return ErrDocumentNotFound
	}
	if cur.Status != StatusPending {
		return ErrAlreadyFinished
	}
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}
