package chart

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/pkg/entities"
)

var (
	// ErrConcurrentChartWrite is returned when another writer holds the
	// patient's chart or changed it since it was read. Callers retry.
	ErrConcurrentChartWrite = errors.New("chart: concurrent chart write detected")
	ErrEntryNotFound        = errors.New("chart: entry not found")
	ErrFieldPopulated       = errors.New("chart: field already populated")
	ErrUnknownField         = errors.New("chart: unknown field")
	ErrUnknownArea          = errors.New("chart: unknown clinical area")
	ErrInvalidValue         = errors.New("chart: invalid value")
)

// Source identifies where a proposed chart change came from.
type Source string

const (
	SourcePatientSelfReport Source = "patient_self_report"
	SourceAITranscript      Source = "ai_transcript"
	SourceClinicianDocument Source = "clinician_document"
	SourceStaffEntered      Source = "staff_entered"
	SourceStaffApproved     Source = "staff_approved"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourcePatientSelfReport, SourceAITranscript, SourceClinicianDocument,
		SourceStaffEntered, SourceStaffApproved:
		return true
	}
	return false
}

type DecisionKind string

const (
	DecisionCreated  DecisionKind = "created"
	DecisionUpdated  DecisionKind = "updated"
	DecisionSkipped  DecisionKind = "skipped"
	DecisionConflict DecisionKind = "conflict"
)

// Entry is one current entity in a patient's chart.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	PatientID  uuid.UUID       `json:"patient_id"`
	Area       entities.Area   `json:"area"`
	Key        string          `json:"key"`
	Entity     entities.Entity `json:"entity"`
	Source     Source          `json:"source"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Entity = entities.Clone(e.Entity)
	return &c
}

// Decision is the audit record of reconciling one entity against the chart.
// Previous is set for updates, Existing for conflicts. Field is set for
// targeted fill and clear operations.
type Decision struct {
	ID           uuid.UUID       `json:"id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	DocumentID   *uuid.UUID      `json:"document_id,omitempty"`
	EntryID      *uuid.UUID      `json:"entry_id,omitempty"`
	ReviewItemID *uuid.UUID      `json:"review_item_id,omitempty"`
	Area         entities.Area   `json:"area"`
	Key          string          `json:"key"`
	Kind         DecisionKind    `json:"kind"`
	Source       Source          `json:"source"`
	Actor        string          `json:"actor,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Field        string          `json:"field,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Previous     json.RawMessage `json:"previous,omitempty"`
	Existing     json.RawMessage `json:"existing,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AreaScore is the completeness of one clinical area: the percentage of
// entries with every required field populated.
type AreaScore struct {
	Score    int `json:"score"`
	Complete int `json:"complete"`
	Total    int `json:"total"`
}

// Record is a patient's chart as of Version.
type Record struct {
	PatientID    uuid.UUID                   `json:"patient_id"`
	Entries      []*Entry                    `json:"entries"`
	Completeness map[entities.Area]AreaScore `json:"completeness"`
	Version      int64                       `json:"version"`
	LastUpdated  time.Time                   `json:"last_updated"`
}

// NewRecord returns the empty chart of a patient with no entries.
func NewRecord(patientID uuid.UUID) *Record {
	return &Record{
		PatientID:    patientID,
		Entries:      []*Entry{},
		Completeness: map[entities.Area]AreaScore{},
	}
}

// Find returns the entry with the given area and key, or nil.
func (r *Record) Find(area entities.Area, key string) *Entry {
	for _, e := range r.Entries {
		if e.Area == area && e.Key == key {
			return e
		}
	}
	return nil
}

// Entry returns the entry with the given id, or nil.
func (r *Record) Entry(id uuid.UUID) *Entry {
	for _, e := range r.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Area returns the entries of one clinical area in chart order.
func (r *Record) Area(area entities.Area) []*Entry {
	var out []*Entry
	for _, e := range r.Entries {
		if e.Area == area {
			out = append(out, e)
		}
	}
	return out
}

// Batch is a set of candidate entities proposed by one source.
type Batch struct {
	DocumentID   *uuid.UUID
	ReviewItemID *uuid.UUID
	Source       Source
	Actor        string
	Entities     []entities.Entity
}

// ChangeSet is everything one merge writes. The store applies it only if
// the chart is still at BaseVersion.
type ChangeSet struct {
	BaseVersion  int64
	Decisions    []*Decision
	Upserts      []*Entry
	Completeness map[entities.Area]AreaScore
	LastUpdated  time.Time
}

// Result is the outcome of a merge.
type Result struct {
	Decisions []*Decision `json:"decisions"`
	Chart     *Record     `json:"chart"`
}

// Count returns the number of decisions of the given kind.
func (r *Result) Count(kind DecisionKind) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// ReviewRequest asks staff to dispose of a conflicting change.
type ReviewRequest struct {
	PatientID  uuid.UUID
	DocumentID *uuid.UUID
	DecisionID uuid.UUID
	Area       entities.Area
	Key        string
	Source     Source
	Proposed   json.RawMessage
	Existing   json.RawMessage
	Reason     string
}
