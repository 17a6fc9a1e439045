package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/internal/platform/metrics"
	"github.com/clinic/chartmerge/pkg/entities"
)

// Applier re-enters an approved value into the chart.
type Applier interface {
	ApplyReviewed(ctx context.Context, patientID uuid.UUID, area entities.Area, value json.RawMessage, reviewer string, reviewItemID uuid.UUID) (*chart.Decision, error)
}

type Service struct {
	repo    Repository
	tx      chart.Transactor
	applier Applier
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, tx chart.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "review").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetApplier attaches the chart engine that approvals are applied through.
func (s *Service) SetApplier(a Applier) {
	s.applier = a
}

// Enqueue stores a new pending item and returns its id.
func (s *Service) Enqueue(ctx context.Context, it *Item) (uuid.UUID, error) {
	if !it.Section.Valid() {
		return uuid.Nil, fmt.Errorf("unknown section %q", it.Section)
	}
	if len(it.ProposedValue) == 0 {
		return uuid.Nil, fmt.Errorf("proposed value is required")
	}
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.Priority == "" {
		it.Priority = PriorityFor(it.Section, it.ProposedValue, it.ExistingValue)
	}
	it.Status = StatusPending
	it.CreatedAt = s.now()
	if err := s.repo.Create(ctx, it); err != nil {
		return uuid.Nil, err
	}
	metrics.RecordReviewEvent("enqueued")
	s.logger.Info().
		Str("review_item_id", it.ID.String()).
		Str("patient_id", it.PatientID.String()).
		Str("section", string(it.Section)).
		Str("priority", string(it.Priority)).
		Msg("review item enqueued")
	return it.ID, nil
}

// FindPending returns the pending item that already proposes proposed for
// the entry, or ErrItemNotFound.
func (s *Service) FindPending(ctx context.Context, patientID uuid.UUID, section entities.Area, key string, proposed json.RawMessage) (*Item, error) {
	return s.repo.FindPending(ctx, patientID, section, key, proposed)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.repo.GetByID(ctx, id)
}

// ListPending returns pending items, urgent first. patientID narrows the
// list to one patient when set.
func (s *Service) ListPending(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Item, int, error) {
	return s.repo.List(ctx, Filter{PatientID: patientID, Status: StatusPending}, limit, offset)
}

// Resolve records a staff disposition. Approve applies the proposed value,
// edit applies resolvedValue in its place, and reject discards it. The chart
// write and the resolution commit together.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, action Action, resolvedValue json.RawMessage, reviewer string) (*Item, error) {
	status, ok := action.status()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer identity is required", ErrInvalidAction)
	}

	var resolved *Item
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		it, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if it.Status != StatusPending {
			return ErrAlreadyResolved
		}

		var value json.RawMessage
		switch action {
		case ActionApprove:
			value = it.ProposedValue
		case ActionEdit:
			if len(resolvedValue) == 0 {
				return fmt.Errorf("%w: edit requires a resolved value", ErrInvalidAction)
			}
			if en, err := entities.Decode(it.Section, resolvedValue); err != nil || en == nil {
				return fmt.Errorf("%w: resolved value is not a %s entity", ErrInvalidAction, it.Section)
			}
			value = resolvedValue
			it.ResolvedValue = resolvedValue
		}

		if value != nil {
			if s.applier == nil {
				return errors.New("review: no chart applier configured")
			}
			d, err := s.applier.ApplyReviewed(ctx, it.PatientID, it.Section, value, reviewer, it.ID)
			if err != nil {
				return fmt.Errorf("apply reviewed value: %w", err)
			}
			it.ResolutionDecisionID = &d.ID
		}

		now := s.now()
		it.Status = status
		it.ResolvedBy = &reviewer
		it.ResolvedAt = &now
		it.ResolutionAction = &action
		if err := s.repo.Resolve(ctx, it); err != nil {
			return err
		}
		resolved = it
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReviewEvent(string(status))
	s.logger.Info().
		Str("review_item_id", id.String()).
		Str("patient_id", resolved.PatientID.String()).
		Str("action", string(action)).
		Str("reviewer", reviewer).
		Msg("review item resolved")
	return resolved, nil
}

// Emitter adapts the service to the chart engine's review hook.
type Emitter struct {
	svc *Service
}

func NewEmitter(svc *Service) *Emitter {
	return &Emitter{svc: svc}
}

func (e *Emitter) Enqueue(ctx context.Context, req chart.ReviewRequest) (uuid.UUID, error) {
	decisionID := req.DecisionID
	return e.svc.Enqueue(ctx, &Item{
		PatientID:     req.PatientID,
		DocumentID:    req.DocumentID,
		DecisionID:    &decisionID,
		Section:       req.Area,
		EntryKey:      req.Key,
		Source:        req.Source,
		Reason:        req.Reason,
		ProposedValue: req.Proposed,
		ExistingValue: req.Existing,
	})
}

func (e *Emitter) Pending(ctx context.Context, req chart.ReviewRequest) (uuid.UUID, bool, error) {
	it, err := e.svc.FindPending(ctx, req.PatientID, req.Area, req.Key, req.Proposed)
	if errors.Is(err, ErrItemNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return it.ID, true, nil
}
