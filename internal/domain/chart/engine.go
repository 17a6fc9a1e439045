package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/chartmerge/internal/platform/metrics"
	"github.com/clinic/chartmerge/pkg/entities"
)

// Engine reconciles candidate entities against patient charts. Every write
// runs under the patient's lock and inside one unit of work that also files
// the review items for any conflicts.
type Engine struct {
	store   Store
	locks   PatientLocker
	tx      Transactor
	reviews ReviewEmitter
	policy  AuthorityPolicy
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(store Store, locks PatientLocker, tx Transactor, reviews ReviewEmitter, policy AuthorityPolicy, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		locks:   locks,
		tx:      tx,
		reviews: reviews,
		policy:  policy,
		logger:  logger.With().Str("component", "chart").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetReviewEmitter replaces the emitter. The review service depends on the
// engine, so wiring sets the emitter after both exist.
func (e *Engine) SetReviewEmitter(r ReviewEmitter) {
	e.reviews = r
}

// Policy returns the engine's authority policy.
func (e *Engine) Policy() AuthorityPolicy { return e.policy }

func lockKey(patientID uuid.UUID) string {
	return "chart:" + patientID.String()
}

func (e *Engine) lock(ctx context.Context, patientID uuid.UUID) (func(), error) {
	unlock, err := e.locks.TryLock(ctx, lockKey(patientID))
	if err != nil {
		metrics.RecordChartWriteConflict()
		return nil, fmt.Errorf("%w: %v", ErrConcurrentChartWrite, err)
	}
	return unlock, nil
}

func (e *Engine) GetChart(ctx context.Context, patientID uuid.UUID) (*Record, error) {
	return e.store.GetChart(ctx, patientID)
}

func (e *Engine) GetEntityHistory(ctx context.Context, patientID uuid.UUID, area entities.Area) ([]*Decision, error) {
	if !area.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArea, area)
	}
	return e.store.GetEntityHistory(ctx, patientID, area)
}

// pendingConflict is a conflict decision waiting for its review item.
type pendingConflict struct {
	decision *Decision
	request  ReviewRequest
}

// plan accumulates the writes of one merge against a working copy of the
// chart.
type plan struct {
	base      *Record
	working   map[string]*Entry
	order     []*Entry
	upserts   map[uuid.UUID]*Entry
	upsertIDs []uuid.UUID
	decisions []*Decision
	conflicts []pendingConflict
	cleared   map[entities.Area]bool
}

func newPlan(rec *Record) *plan {
	p := &plan{
		base:    rec,
		working: make(map[string]*Entry, len(rec.Entries)),
		upserts: map[uuid.UUID]*Entry{},
		cleared: map[entities.Area]bool{},
	}
	for _, en := range rec.Entries {
		c := en.clone()
		p.working[workingKey(c.Area, c.Key)] = c
		p.order = append(p.order, c)
	}
	return p
}

func workingKey(area entities.Area, key string) string {
	return string(area) + "|" + key
}

func (p *plan) upsert(en *Entry) {
	replaced := false
	for i, o := range p.order {
		if o.ID == en.ID {
			p.order[i] = en
			replaced = true
			break
		}
	}
	if !replaced {
		p.order = append(p.order, en)
	}
	p.working[workingKey(en.Area, en.Key)] = en
	if _, seen := p.upserts[en.ID]; !seen {
		p.upsertIDs = append(p.upsertIDs, en.ID)
	}
	p.upserts[en.ID] = en
}

func (p *plan) changeSet(now time.Time) *ChangeSet {
	cs := &ChangeSet{
		BaseVersion:  p.base.Version,
		Decisions:    p.decisions,
		Completeness: Ratchet(p.base.Completeness, Score(p.order), p.cleared),
		LastUpdated:  p.base.LastUpdated,
	}
	for _, id := range p.upsertIDs {
		cs.Upserts = append(cs.Upserts, p.upserts[id])
	}
	if len(cs.Upserts) > 0 {
		cs.LastUpdated = now
	}
	return cs
}

// Merge evaluates every entity of b against the patient's chart and applies
// the resulting creates and updates. Conflicts leave the chart untouched and
// produce one review item each; a conflict matching a pending item is
// skipped and linked to that item.
func (e *Engine) Merge(ctx context.Context, patientID uuid.UUID, b Batch) (*Result, error) {
	if !b.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidValue, b.Source)
	}
	unlock, err := e.lock(ctx, patientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetChart(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load chart: %w", err)
	}
	if len(b.Entities) == 0 {
		return &Result{Decisions: []*Decision{}, Chart: rec}, nil
	}

	p := newPlan(rec)
	now := e.now()
	for _, cand := range b.Entities {
		if err := e.evaluate(p, patientID, b, cand, now); err != nil {
			return nil, err
		}
	}
	return e.commit(ctx, patientID, p)
}

func (e *Engine) evaluate(p *plan, patientID uuid.UUID, b Batch, cand entities.Entity, now time.Time) error {
	if cand == nil {
		return nil
	}
	raw, err := entities.Encode(cand)
	if err != nil {
		return err
	}
	d := &Decision{
		ID:           uuid.New(),
		PatientID:    patientID,
		DocumentID:   b.DocumentID,
		ReviewItemID: b.ReviewItemID,
		Area:         cand.Area(),
		Key:          cand.Key(),
		Source:       b.Source,
		Actor:        b.Actor,
		Candidate:    raw,
		CreatedAt:    now,
	}
	p.decisions = append(p.decisions, d)

	if !identified(cand) {
		d.Kind = DecisionSkipped
		d.Reason = "entity has no matching key"
		return nil
	}

	existing := p.working[workingKey(cand.Area(), cand.Key())]
	out := e.policy.Evaluate(existing, cand, b.Source)
	d.Kind, d.Reason = out.Kind, out.Reason

	switch out.Kind {
	case DecisionCreated:
		en := &Entry{
			ID:         uuid.New(),
			PatientID:  patientID,
			Area:       cand.Area(),
			Key:        cand.Key(),
			Entity:     out.Result,
			Source:     b.Source,
			DocumentID: b.DocumentID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		d.EntryID = &en.ID
		p.upsert(en)
	case DecisionUpdated:
		prev, err := entities.Encode(existing.Entity)
		if err != nil {
			return err
		}
		d.Previous = prev
		en := existing.clone()
		en.Entity = out.Result
		en.Source = b.Source
		en.DocumentID = b.DocumentID
		en.UpdatedAt = now
		d.EntryID = &en.ID
		p.upsert(en)
	case DecisionSkipped:
		if existing != nil {
			d.EntryID = &existing.ID
		}
	case DecisionConflict:
		req := ReviewRequest{
			PatientID:  patientID,
			DocumentID: b.DocumentID,
			DecisionID: d.ID,
			Area:       cand.Area(),
			Key:        cand.Key(),
			Source:     b.Source,
			Proposed:   raw,
			Reason:     out.Reason,
		}
		if existing != nil {
			cur, err := entities.Encode(existing.Entity)
			if err != nil {
				return err
			}
			d.Existing = cur
			d.EntryID = &existing.ID
			req.Existing = cur
		}
		p.conflicts = append(p.conflicts, pendingConflict{decision: d, request: req})
	}
	return nil
}

func identified(en entities.Entity) bool {
	switch en.Key() {
	case "", "name:", "code:":
		return false
	}
	return true
}

// commit files review items and writes the change set in one unit of work.
func (e *Engine) commit(ctx context.Context, patientID uuid.UUID, p *plan) (*Result, error) {
	cs := p.changeSet(e.now())

	var rec *Record
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, c := range p.conflicts {
			if e.reviews == nil {
				return errors.New("chart: no review emitter configured")
			}
			// A conflict already waiting for staff is not filed twice.
			id, pending, err := e.reviews.Pending(ctx, c.request)
			if err != nil {
				return fmt.Errorf("look up pending review: %w", err)
			}
			if pending {
				c.decision.Kind = DecisionSkipped
				c.decision.Reason = reasonPendingReview
			} else if id, err = e.reviews.Enqueue(ctx, c.request); err != nil {
				return fmt.Errorf("enqueue review item: %w", err)
			}
			c.decision.ReviewItemID = &id
		}
		var err error
		rec, err = e.store.ApplyMergeDecisions(ctx, patientID, cs)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentChartWrite) {
			metrics.RecordChartWriteConflict()
		}
		return nil, err
	}

	for _, d := range cs.Decisions {
		metrics.RecordMergeDecision(string(d.Area), string(d.Kind))
	}
	res := &Result{Decisions: cs.Decisions, Chart: rec}
	e.logger.Info().
		Str("patient_id", patientID.String()).
		Int("created", res.Count(DecisionCreated)).
		Int("updated", res.Count(DecisionUpdated)).
		Int("skipped", res.Count(DecisionSkipped)).
		Int("conflicts", res.Count(DecisionConflict)).
		Int64("version", rec.Version).
		Msg("chart merged")
	return res, nil
}

// SubmitPatientEdit proposes a patient-originated change. Edits to
// clinician-owned areas always become review items.
func (e *Engine) SubmitPatientEdit(ctx context.Context, patientID uuid.UUID, en entities.Entity, actor string) (*Decision, error) {
	if en == nil || !identified(en) {
		return nil, fmt.Errorf("%w: entity has no name or code", ErrInvalidValue)
	}
	res, err := e.Merge(ctx, patientID, Batch{
		Source:   SourcePatientSelfReport,
		Actor:    actor,
		Entities: []entities.Entity{en},
	})
	if err != nil {
		return nil, err
	}
	return res.Decisions[0], nil
}

// ApplyReviewed re-enters a staff-approved value through the normal merge
// path with staff-approved authority.
func (e *Engine) ApplyReviewed(ctx context.Context, patientID uuid.UUID, area entities.Area, value json.RawMessage, reviewer string, reviewItemID uuid.UUID) (*Decision, error) {
	if !area.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArea, area)
	}
	en, err := entities.Decode(area, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if en == nil || !identified(en) {
		return nil, fmt.Errorf("%w: approved value has no name or code", ErrInvalidValue)
	}
	res, err := e.Merge(ctx, patientID, Batch{
		ReviewItemID: &reviewItemID,
		Source:       SourceStaffApproved,
		Actor:        reviewer,
		Entities:     []entities.Entity{en},
	})
	if err != nil {
		return nil, err
	}
	return res.Decisions[0], nil
}

// FillMissingField sets one empty field of an existing entry. A field that
// already holds a value is never overwritten.
func (e *Engine) FillMissingField(ctx context.Context, patientID, entryID uuid.UUID, field, value, actor string) (*Decision, error) {
	if !entities.Populated(value) {
		return nil, fmt.Errorf("%w: fill value must not be empty", ErrInvalidValue)
	}
	return e.patchField(ctx, patientID, entryID, field, actor, func(p *plan, en *Entry) (string, error) {
		cur, _ := en.Entity.Field(field)
		if entities.Populated(cur) {
			return "", fmt.Errorf("%w: %s", ErrFieldPopulated, field)
		}
		en.Entity.SetField(field, value)
		return "missing field filled", nil
	})
}

// ClearField empties one field of an existing entry. It is the only
// operation that may lower a completeness score.
func (e *Engine) ClearField(ctx context.Context, patientID, entryID uuid.UUID, field, actor string) (*Decision, error) {
	return e.patchField(ctx, patientID, entryID, field, actor, func(p *plan, en *Entry) (string, error) {
		cur, _ := en.Entity.Field(field)
		if cur == "" {
			return "", fmt.Errorf("%w: %s is already empty", ErrInvalidValue, field)
		}
		en.Entity.SetField(field, "")
		p.cleared[en.Area] = true
		return "field cleared", nil
	})
}

func (e *Engine) patchField(ctx context.Context, patientID, entryID uuid.UUID, field, actor string,
	mutate func(p *plan, en *Entry) (string, error)) (*Decision, error) {
	unlock, err := e.lock(ctx, patientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetChart(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load chart: %w", err)
	}
	cur := rec.Entry(entryID)
	if cur == nil {
		return nil, ErrEntryNotFound
	}
	if !hasField(cur.Entity, field) {
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownField, field, cur.Area)
	}

	p := newPlan(rec)
	en := cur.clone()
	reason, err := mutate(p, en)
	if err != nil {
		return nil, err
	}
	if !identified(en.Entity) {
		return nil, fmt.Errorf("%w: %s identifies the entry", ErrInvalidValue, field)
	}
	if newKey := en.Entity.Key(); newKey != en.Key {
		if other := rec.Find(en.Area, newKey); other != nil && other.ID != en.ID {
			return nil, fmt.Errorf("%w: another entry already has key %s", ErrInvalidValue, newKey)
		}
		delete(p.working, workingKey(en.Area, en.Key))
		en.Key = newKey
	}

	now := e.now()
	prev, err := entities.Encode(cur.Entity)
	if err != nil {
		return nil, err
	}
	next, err := entities.Encode(en.Entity)
	if err != nil {
		return nil, err
	}
	// The entry keeps its source for ranking later merges; the staff
	// authority is recorded on the decision.
	en.UpdatedAt = now
	p.upsert(en)

	d := &Decision{
		ID:        uuid.New(),
		PatientID: patientID,
		EntryID:   &en.ID,
		Area:      en.Area,
		Key:       en.Key,
		Kind:      DecisionUpdated,
		Source:    SourceStaffEntered,
		Actor:     actor,
		Reason:    reason,
		Field:     field,
		Candidate: next,
		Previous:  prev,
		CreatedAt: now,
	}
	p.decisions = append(p.decisions, d)

	if _, err := e.commit(ctx, patientID, p); err != nil {
		return nil, err
	}
	return d, nil
}

func hasField(en entities.Entity, field string) bool {
	for _, f := range en.Fields() {
		if f == field {
			return true
		}
	}
	return false
}
