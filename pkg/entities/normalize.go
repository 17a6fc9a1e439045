package entities

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalName is the matching key for name-keyed entities: NFKC-folded,
// lowercase, with runs of whitespace collapsed to one space.
func CanonicalName(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CanonicalCode is the matching key for coded entities.
func CanonicalCode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// Missing returns the required fields of e that are not populated.
func Missing(e Entity) []string {
	var out []string
	for _, f := range e.Required() {
		v, _ := e.Field(f)
		if !Populated(v) {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether every required field of e is populated.
func Complete(e Entity) bool { return len(Missing(e)) == 0 }

// Clone returns a deep copy of e.
func Clone(e Entity) Entity {
	switch v := e.(type) {
	case *Medication:
		c := *v
		return &c
	case *LabResult:
		c := *v
		return &c
	case *Diagnosis:
		c := *v
		return &c
	case *Allergy:
		c := *v
		return &c
	case *Vital:
		c := *v
		return &c
	case *Procedure:
		c := *v
		return &c
	}
	return nil
}

// New returns a zero entity for area.
func New(area Area) (Entity, error) {
	switch area {
	case AreaMedications:
		return &Medication{}, nil
	case AreaLabs:
		return &LabResult{}, nil
	case AreaDiagnoses:
		return &Diagnosis{}, nil
	case AreaAllergies:
		return &Allergy{}, nil
	case AreaVitals:
		return &Vital{}, nil
	case AreaProcedures:
		return &Procedure{}, nil
	}
	return nil, fmt.Errorf("unknown clinical area %q", area)
}

// Encode marshals e to JSON for storage.
func Encode(e Entity) (json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s entity: %w", e.Area(), err)
	}
	return b, nil
}

// Decode unmarshals raw into a new entity of the given area.
func Decode(area Area, raw []byte) (Entity, error) {
	e, err := New(area)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode %s entity: %w", area, err)
	}
	return e, nil
}

// Overlay copies every populated field of incoming onto a copy of existing.
// Fields incoming leaves blank keep their existing value. changed reports
// whether any field differs from existing.
func Overlay(existing, incoming Entity) (result Entity, changed bool) {
	result = Clone(existing)
	for _, f := range result.Fields() {
		nv, _ := incoming.Field(f)
		nv = strings.TrimSpace(nv)
		if nv == "" {
			continue
		}
		ov, _ := result.Field(f)
		if strings.EqualFold(nv, Unknown) && ov != "" {
			continue
		}
		if !sameValue(f, ov, nv) {
			result.SetField(f, nv)
			changed = true
		}
	}
	return result, changed
}

// Duplicate reports whether candidate carries nothing the existing entity
// does not. Labs are duplicates when name, observed date, value and unit
// match; other areas compare every field.
func Duplicate(existing, candidate Entity) bool {
	if existing == nil || candidate == nil {
		return false
	}
	if existing.Area() != candidate.Area() || existing.Key() != candidate.Key() {
		return false
	}
	fields := existing.Fields()
	if existing.Area() == AreaLabs {
		fields = []string{"name", "observed_date", "value", "unit"}
	}
	for _, f := range fields {
		a, _ := existing.Field(f)
		b, _ := candidate.Field(f)
		if !sameValue(f, a, b) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have identical field values.
func Equal(a, b Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Area() != b.Area() {
		return false
	}
	for _, f := range a.Fields() {
		x, _ := a.Field(f)
		y, _ := b.Field(f)
		if !sameValue(f, x, y) {
			return false
		}
	}
	return true
}

func sameValue(field, a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if field == "code" {
		return CanonicalCode(a) == CanonicalCode(b)
	}
	return CanonicalName(a) == CanonicalName(b)
}

// Dedup drops entities whose key repeats an earlier entity of the same area.
// The first occurrence wins. Vitals are keyed by kind already.
func Dedup(s *Set) *Set {
	if s == nil {
		return NewSet()
	}
	out := NewSet()
	out.ChiefComplaint = s.ChiefComplaint
	out.Symptoms = s.Symptoms
	out.FamilyHistory = s.FamilyHistory
	out.Notes = s.Notes
	seen := map[Area]map[string]bool{}
	for _, e := range s.All() {
		if e.Key() == "" || e.Key() == "name:" || e.Key() == "code:" {
			continue
		}
		if seen[e.Area()] == nil {
			seen[e.Area()] = map[string]bool{}
		}
		if seen[e.Area()][e.Key()] {
			continue
		}
		seen[e.Area()][e.Key()] = true
		out.Add(e)
	}
	return out
}
