package chart

import (
	"github.com/clinic/chartmerge/pkg/entities"
)

// AuthorityPolicy decides which source may overwrite which. A change from a
// source ranked below the entry's current source is a conflict, as is any
// patient-originated change to a clinician-owned area.
type AuthorityPolicy struct {
	Ranks          map[Source]int
	ClinicianOwned map[entities.Area]bool
}

// DefaultPolicy ranks patient self-report lowest and staff-approved values
// highest. Every area except vitals is clinician-owned.
func DefaultPolicy() AuthorityPolicy {
	return AuthorityPolicy{
		Ranks: map[Source]int{
			SourcePatientSelfReport: 10,
			SourceAITranscript:      20,
			SourceClinicianDocument: 30,
			SourceStaffEntered:      40,
			SourceStaffApproved:     50,
		},
		ClinicianOwned: map[entities.Area]bool{
			entities.AreaMedications: true,
			entities.AreaLabs:        true,
			entities.AreaDiagnoses:   true,
			entities.AreaAllergies:   true,
			entities.AreaProcedures:  true,
		},
	}
}

// Rank returns the authority of s. Unranked sources rank below everything.
func (p AuthorityPolicy) Rank(s Source) int {
	if r, ok := p.Ranks[s]; ok {
		return r
	}
	return -1
}

// Owned reports whether only clinicians and staff may change area directly.
func (p AuthorityPolicy) Owned(area entities.Area) bool {
	return p.ClinicianOwned[area]
}

// Outcome is the evaluation of one candidate. Result is the entity to
// store for creates and updates.
type Outcome struct {
	Kind   DecisionKind
	Reason string
	Result entities.Entity
}

const (
	reasonDuplicate      = "duplicate of existing entry"
	reasonNoNewInfo      = "no new information"
	reasonPatientEdit    = "patient edit to clinician-owned area"
	reasonLowerAuthority = "source less authoritative than existing entry"
	reasonPendingReview  = "pending review"
)

// Evaluate decides what to do with candidate given the chart's current entry
// for the same key, which may be nil.
func (p AuthorityPolicy) Evaluate(existing *Entry, candidate entities.Entity, src Source) Outcome {
	patientOwned := src == SourcePatientSelfReport && p.Owned(candidate.Area())

	if existing == nil {
		if patientOwned {
			return Outcome{Kind: DecisionConflict, Reason: reasonPatientEdit}
		}
		return Outcome{Kind: DecisionCreated, Result: entities.Clone(candidate)}
	}

	if entities.Duplicate(existing.Entity, candidate) {
		return Outcome{Kind: DecisionSkipped, Reason: reasonDuplicate}
	}
	merged, changed := entities.Overlay(existing.Entity, candidate)
	if !changed {
		return Outcome{Kind: DecisionSkipped, Reason: reasonNoNewInfo}
	}
	if patientOwned {
		return Outcome{Kind: DecisionConflict, Reason: reasonPatientEdit}
	}
	if p.Rank(src) < p.Rank(existing.Source) {
		return Outcome{Kind: DecisionConflict, Reason: reasonLowerAuthority}
	}
	return Outcome{Kind: DecisionUpdated, Result: merged}
}
