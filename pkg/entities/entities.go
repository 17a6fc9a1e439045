// Package entities defines the structured clinical facts produced by the
// document extractors and reconciled into a patient's chart.
package entities

import (
	"sort"
	"strings"
)

// Area identifies the clinical area (chart section) an entity belongs to.
type Area string

const (
	AreaMedications Area = "medications"
	AreaLabs        Area = "labs"
	AreaDiagnoses   Area = "diagnoses"
	AreaAllergies   Area = "allergies"
	AreaVitals      Area = "vitals"
	AreaProcedures  Area = "procedures"
)

// Areas lists every clinical area in chart order.
var Areas = []Area{
	AreaMedications, AreaLabs, AreaDiagnoses, AreaAllergies, AreaVitals, AreaProcedures,
}

// Valid reports whether a is a known clinical area.
func (a Area) Valid() bool {
	for _, known := range Areas {
		if a == known {
			return true
		}
	}
	return false
}

// Medication status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Unknown marks a value the source mentioned but did not state.
const Unknown = "unknown"

// Entity is one structured clinical fact. Implementations are plain structs
// addressed by pointer; they are never mutated once handed to the merge engine,
// callers work on a Clone.
type Entity interface {
	Area() Area
	// Key is the canonical matching key within the entity's area.
	Key() string
	// Fields lists the entity's field names in a stable order.
	Fields() []string
	// Required lists the fields that must be populated for the entity to
	// count as complete.
	Required() []string
	Field(name string) (string, bool)
	SetField(name, value string) bool
}

// Medication is a medication line from a list, a CCD substance administration
// or a transcript.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Route     string `json:"route,omitempty"`
	Sig       string `json:"sig,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (m *Medication) Area() Area         { return AreaMedications }
func (m *Medication) Key() string        { return CanonicalName(m.Name) }
func (m *Medication) Fields() []string   { return []string{"name", "dosage", "frequency", "route", "sig", "status"} }
func (m *Medication) Required() []string { return []string{"name", "dosage", "frequency"} }

func (m *Medication) Field(name string) (string, bool) {
	switch name {
	case "name":
		return m.Name, true
	case "dosage":
		return m.Dosage, true
	case "frequency":
		return m.Frequency, true
	case "route":
		return m.Route, true
	case "sig":
		return m.Sig, true
	case "status":
		return m.Status, true
	}
	return "", false
}

func (m *Medication) SetField(name, value string) bool {
	switch name {
	case "name":
		m.Name = value
	case "dosage":
		m.Dosage = value
	case "frequency":
		m.Frequency = value
	case "route":
		m.Route = value
	case "sig":
		m.Sig = value
	case "status":
		m.Status = value
	default:
		return false
	}
	return true
}

// LabResult is a single lab observation.
type LabResult struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ObservedDate   string `json:"observed_date,omitempty"`
	Flag           string `json:"flag,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
}

func (l *LabResult) Area() Area         { return AreaLabs }
func (l *LabResult) Key() string        { return CanonicalName(l.Name) }
func (l *LabResult) Required() []string { return []string{"name", "value", "unit"} }

func (l *LabResult) Fields() []string {
	return []string{"name", "value", "unit", "observed_date", "flag", "reference_range"}
}

func (l *LabResult) Field(name string) (string, bool) {
	switch name {
	case "name":
		return l.Name, true
	case "value":
		return l.Value, true
	case "unit":
		return l.Unit, true
	case "observed_date":
		return l.ObservedDate, true
	case "flag":
		return l.Flag, true
	case "reference_range":
		return l.ReferenceRange, true
	}
	return "", false
}

func (l *LabResult) SetField(name, value string) bool {
	switch name {
	case "name":
		l.Name = value
	case "value":
		l.Value = value
	case "unit":
		l.Unit = value
	case "observed_date":
		l.ObservedDate = value
	case "flag":
		l.Flag = value
	case "reference_range":
		l.ReferenceRange = value
	default:
		return false
	}
	return true
}

// Diagnosis is a coded (ICD-10) or named problem.
type Diagnosis struct {
	Code   string `json:"code,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func (d *Diagnosis) Area() Area         { return AreaDiagnoses }
func (d *Diagnosis) Key() string        { return codeOrName(d.Code, d.Name) }
func (d *Diagnosis) Fields() []string   { return []string{"code", "name", "status"} }
func (d *Diagnosis) Required() []string { return []string{"code", "name"} }

func (d *Diagnosis) Field(name string) (string, bool) {
	switch name {
	case "code":
		return d.Code, true
	case "name":
		return d.Name, true
	case "status":
		return d.Status, true
	}
	return "", false
}

func (d *Diagnosis) SetField(name, value string) bool {
	switch name {
	case "code":
		d.Code = value
	case "name":
		d.Name = value
	case "status":
		d.Status = value
	default:
		return false
	}
	return true
}

// Allergy is an allergen with an optional reaction.
type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
}

func (a *Allergy) Area() Area         { return AreaAllergies }
func (a *Allergy) Key() string        { return CanonicalName(a.Allergen) }
func (a *Allergy) Fields() []string   { return []string{"allergen", "reaction"} }
func (a *Allergy) Required() []string { return []string{"allergen", "reaction"} }

func (a *Allergy) Field(name string) (string, bool) {
	switch name {
	case "allergen":
		return a.Allergen, true
	case "reaction":
		return a.Reaction, true
	}
	return "", false
}

func (a *Allergy) SetField(name, value string) bool {
	switch name {
	case "allergen":
		a.Allergen = value
	case "reaction":
		a.Reaction = value
	default:
		return false
	}
	return true
}

// Vital is one vital-sign measurement. Blood pressure carries "systolic/diastolic"
// in Value.
type Vital struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

func (v *Vital) Area() Area         { return AreaVitals }
func (v *Vital) Key() string        { return CanonicalName(v.Kind) }
func (v *Vital) Fields() []string   { return []string{"kind", "value", "unit"} }
func (v *Vital) Required() []string { return []string{"kind", "value"} }

func (v *Vital) Field(name string) (string, bool) {
	switch name {
	case "kind":
		return v.Kind, true
	case "value":
		return v.Value, true
	case "unit":
		return v.Unit, true
	}
	return "", false
}

func (v *Vital) SetField(name, value string) bool {
	switch name {
	case "kind":
		v.Kind = value
	case "value":
		v.Value = value
	case "unit":
		v.Unit = value
	default:
		return false
	}
	return true
}

// Procedure is a coded (CPT) or named procedure.
type Procedure struct {
	Code string `json:"code,omitempty"`
	Name string `json:"name"`
	Date string `json:"date,omitempty"`
}

func (p *Procedure) Area() Area         { return AreaProcedures }
func (p *Procedure) Key() string        { return codeOrName(p.Code, p.Name) }
func (p *Procedure) Fields() []string   { return []string{"code", "name", "date"} }
func (p *Procedure) Required() []string { return []string{"code", "name"} }

func (p *Procedure) Field(name string) (string, bool) {
	switch name {
	case "code":
		return p.Code, true
	case "name":
		return p.Name, true
	case "date":
		return p.Date, true
	}
	return "", false
}

func (p *Procedure) SetField(name, value string) bool {
	switch name {
	case "code":
		p.Code = value
	case "name":
		p.Name = value
	case "date":
		p.Date = value
	default:
		return false
	}
	return true
}

// Symptom is a transcript-only finding. Severity may be inferred from
// qualitative language.
type Symptom struct {
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Set is the output of one extractor run against one document.
type Set struct {
	Medications []*Medication     `json:"medications"`
	Labs        []*LabResult      `json:"labs"`
	Diagnoses   []*Diagnosis      `json:"diagnoses"`
	Allergies   []*Allergy        `json:"allergies"`
	Vitals      map[string]*Vital `json:"vitals"`
	Procedures  []*Procedure      `json:"procedures"`

	ChiefComplaint string    `json:"chief_complaint,omitempty"`
	Symptoms       []Symptom `json:"symptoms,omitempty"`
	FamilyHistory  []string  `json:"family_history,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

// NewSet returns an empty set with non-nil collections so it serializes as
// empty arrays rather than null.
func NewSet() *Set {
	return &Set{
		Medications: []*Medication{},
		Labs:        []*LabResult{},
		Diagnoses:   []*Diagnosis{},
		Allergies:   []*Allergy{},
		Vitals:      map[string]*Vital{},
		Procedures:  []*Procedure{},
	}
}

// All flattens the set into merge candidates in chart order. Vitals are
// ordered by kind.
func (s *Set) All() []Entity {
	if s == nil {
		return nil
	}
	var out []Entity
	for _, m := range s.Medications {
		out = append(out, m)
	}
	for _, l := range s.Labs {
		out = append(out, l)
	}
	for _, d := range s.Diagnoses {
		out = append(out, d)
	}
	for _, a := range s.Allergies {
		out = append(out, a)
	}
	kinds := make([]string, 0, len(s.Vitals))
	for k := range s.Vitals {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		out = append(out, s.Vitals[k])
	}
	for _, p := range s.Procedures {
		out = append(out, p)
	}
	return out
}

// Count returns the number of structured entities in the set.
func (s *Set) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Medications) + len(s.Labs) + len(s.Diagnoses) +
		len(s.Allergies) + len(s.Vitals) + len(s.Procedures)
}

// Empty reports whether the set carries no structured entities.
func (s *Set) Empty() bool { return s.Count() == 0 }

// Add appends e to the collection matching its area.
func (s *Set) Add(e Entity) {
	switch v := e.(type) {
	case *Medication:
		s.Medications = append(s.Medications, v)
	case *LabResult:
		s.Labs = append(s.Labs, v)
	case *Diagnosis:
		s.Diagnoses = append(s.Diagnoses, v)
	case *Allergy:
		s.Allergies = append(s.Allergies, v)
	case *Vital:
		if s.Vitals == nil {
			s.Vitals = map[string]*Vital{}
		}
		s.Vitals[v.Key()] = v
	case *Procedure:
		s.Procedures = append(s.Procedures, v)
	}
}

func codeOrName(code, name string) string {
	if c := CanonicalCode(code); c != "" {
		return "code:" + c
	}
	return "name:" + CanonicalName(name)
}

// Populated reports whether v carries a real value. Blank and "unknown"
// values do not count.
func Populated(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, Unknown)
}
