package review

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/pkg/entities"
)

var (
	ErrItemNotFound    = errors.New("review: item not found")
	ErrAlreadyResolved = errors.New("review: item already resolved")
	ErrInvalidAction   = errors.New("review: invalid action")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusEdited   Status = "edited"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Action is a staff disposition of a pending item.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionEdit    Action = "edit"
)

func (a Action) status() (Status, bool) {
	switch a {
	case ActionApprove:
		return StatusApproved, true
	case ActionReject:
		return StatusRejected, true
	case ActionEdit:
		return StatusEdited, true
	}
	return "", false
}

// Item is one change awaiting staff disposition.
type Item struct {
	ID            uuid.UUID       `json:"id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	DocumentID    *uuid.UUID      `json:"document_id,omitempty"`
	DecisionID    *uuid.UUID      `json:"decision_id,omitempty"`
	Section       entities.Area   `json:"section"`
	EntryKey      string          `json:"entry_key"`
	Priority      Priority        `json:"priority"`
	Source        chart.Source    `json:"source"`
	Reason        string          `json:"reason,omitempty"`
	ProposedValue json.RawMessage `json:"proposed_value"`
	ExistingValue json.RawMessage `json:"existing_value,omitempty"`
	Status        Status          `json:"status"`

	ResolvedBy           *string         `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	ResolutionAction     *Action         `json:"resolution_action,omitempty"`
	ResolvedValue        json.RawMessage `json:"resolved_value,omitempty"`
	ResolutionDecisionID *uuid.UUID      `json:"resolution_decision_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	PatientID *uuid.UUID
	Status    Status
}

func (f Filter) matches(it *Item) bool {
	if f.PatientID != nil && it.PatientID != *f.PatientID {
		return false
	}
	return f.Status == "" || it.Status == f.Status
}

// PriorityFor returns urgent for allergy items and for medication changes
// that flip the status of an existing medication.
func PriorityFor(section entities.Area, proposed, existing json.RawMessage) Priority {
	switch section {
	case entities.AreaAllergies:
		return PriorityUrgent
	case entities.AreaMedications:
		if statusChange(proposed, existing) {
			return PriorityUrgent
		}
	}
	return PriorityNormal
}

func statusChange(proposed, existing json.RawMessage) bool {
	if len(existing) == 0 {
		return false
	}
	p, err := entities.Decode(entities.AreaMedications, proposed)
	if err != nil || p == nil {
		return false
	}
	x, err := entities.Decode(entities.AreaMedications, existing)
	if err != nil || x == nil {
		return false
	}
	ps, _ := p.Field("status")
	xs, _ := x.Field("status")
	return entities.Populated(ps) && entities.CanonicalName(ps) != entities.CanonicalName(xs)
}
