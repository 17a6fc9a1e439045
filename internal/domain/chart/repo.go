package chart

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/pkg/entities"
)

// Store persists charts and their merge history. ApplyMergeDecisions must be
// atomic per patient and return ErrConcurrentChartWrite when the chart is no
// longer at the change set's base version.
type Store interface {
	GetChart(ctx context.Context, patientID uuid.UUID) (*Record, error)
	ApplyMergeDecisions(ctx context.Context, patientID uuid.UUID, cs *ChangeSet) (*Record, error)
	GetEntityHistory(ctx context.Context, patientID uuid.UUID, area entities.Area) ([]*Decision, error)
}

// PatientLocker serializes chart writers for the same key.
type PatientLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Transactor runs fn in one unit of work.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReviewEmitter files conflicts for staff review and returns the item id.
// Pending reports a pending item that already proposes req's value for the
// same entry.
type ReviewEmitter interface {
	Enqueue(ctx context.Context, req ReviewRequest) (uuid.UUID, error)
	Pending(ctx context.Context, req ReviewRequest) (uuid.UUID, bool, error)
}
