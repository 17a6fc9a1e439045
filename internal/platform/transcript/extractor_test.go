package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/clinic/chartmerge/pkg/entities"
)

func findMed(s *entities.Set, name string) *entities.Medication {
	for _, m := range s.Medications {
		if m.Key() == name {
			return m
		}
	}
	return nil
}

func findLab(s *entities.Set, name string) *entities.LabResult {
	for _, l := range s.Labs {
		if l.Key() == name {
			return l
		}
	}
	return nil
}

type stubAI struct {
	reply string
	err   error
	calls int
	input string
}

func (s *stubAI) Extract(_ context.Context, instruction, text string, schema []byte) (string, error) {
	s.calls++
	s.input = text
	return s.reply, s.err
}

func TestExtract_ReportedLabWithoutUnit(t *testing.T) {
	ai := &stubAI{reply: `{"labs":[{"name":"cortisol","value":1.4,"unit":"unknown"}]}`}
	set, err := NewExtractor(ai).Extract(context.Background(), "My cortisol was 1.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ai.input != "My cortisol was 1.4" {
		t.Errorf("transcript not forwarded, got %q", ai.input)
	}
	lab := findLab(set, "cortisol")
	if lab == nil {
		t.Fatalf("expected cortisol lab, got %+v", set.Labs)
	}
	if lab.Value != "1.4" || lab.Unit != "" {
		t.Errorf("unexpected lab %+v", lab)
	}
}

func TestExtract_FullReply(t *testing.T) {
	ai := &stubAI{reply: `{
		"chief_complaint": "fatigue",
		"symptoms": [{"name": "fatigue", "severity": "severe", "duration": "3 weeks"}],
		"medications": [
			{"name": "Glucophage", "dosage": "500 mg", "frequency": "twice daily", "status": "taking"},
			{"name": "Aspirin", "dosage": "n/a", "frequency": "unknown"}
		],
		"diagnoses": [{"name": "type 2 diabetes", "code": "E11.9"}],
		"allergies": [{"allergen": "penicillin", "reaction": "hives"}],
		"vitals": [{"kind": "Blood Pressure", "value": "130/85", "unit": "mmHg"}],
		"family_history": ["father: heart disease", "unknown"],
		"notes": "follow up in 3 months"
	}`}
	set, err := NewExtractor(ai).Extract(context.Background(), "transcript")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if set.ChiefComplaint != "fatigue" || len(set.Symptoms) != 1 || set.Symptoms[0].Severity != "severe" {
		t.Errorf("unexpected narrative fields: %q %+v", set.ChiefComplaint, set.Symptoms)
	}
	med := findMed(set, "metformin")
	if med == nil {
		t.Fatalf("expected brand name to map to metformin, got %+v", set.Medications)
	}
	if med.Name != "metformin" || med.Status != entities.StatusActive {
		t.Errorf("unexpected medication %+v", med)
	}
	asp := findMed(set, "aspirin")
	if asp == nil || asp.Dosage != entities.Unknown || asp.Frequency != entities.Unknown {
		t.Errorf("expected unknown dosage and frequency, got %+v", asp)
	}
	if len(set.Diagnoses) != 1 || len(set.Allergies) != 1 {
		t.Errorf("expected one diagnosis and one allergy, got %d/%d", len(set.Diagnoses), len(set.Allergies))
	}
	if v := set.Vitals["blood_pressure"]; v == nil || v.Value != "130/85" {
		t.Errorf("unexpected vitals %+v", set.Vitals)
	}
	if len(set.FamilyHistory) != 1 {
		t.Errorf("expected unknown family history entry dropped, got %v", set.FamilyHistory)
	}
}

func TestExtract_CodeFencedReply(t *testing.T) {
	ai := &stubAI{reply: "Here you go:\n```json\n{\"labs\":[{\"name\":\"TSH\",\"value\":\"2.1\",\"unit\":\"mIU/L\"}]}\n```"}
	set, err := NewExtractor(ai).Extract(context.Background(), "tsh 2.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lab := findLab(set, "tsh"); lab == nil || lab.Unit != "mIU/L" {
		t.Errorf("unexpected labs %+v", set.Labs)
	}
}

func TestExtract_SchemaValidationFailure(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose", "I could not find any labs."},
		{"array", `[{"name":"tsh"}]`},
		{"wrong shape", `{"labs":"tsh 2.1"}`},
		{"bad fence", "```json\n{not json}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExtractor(&stubAI{reply: tt.reply}).Extract(context.Background(), "x")
			if !errors.Is(err, ErrExtractionFailed) {
				t.Fatalf("expected ErrExtractionFailed, got %v", err)
			}
			var efe *ExtractionFailedError
			if !errors.As(err, &efe) || !efe.IsSchemaValidation() {
				t.Errorf("expected schema validation failure, got %v", err)
			}
		})
	}
}

func TestExtract_ServiceFailure(t *testing.T) {
	cause := errors.New("connection refused")
	_, err := NewExtractor(&stubAI{err: cause}).Extract(context.Background(), "x")
	var efe *ExtractionFailedError
	if !errors.As(err, &efe) {
		t.Fatalf("expected ExtractionFailedError, got %v", err)
	}
	if efe.IsSchemaValidation() {
		t.Error("service failure is not a schema validation failure")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be preserved")
	}
}

func TestExtract_EmptyTranscriptSkipsService(t *testing.T) {
	ai := &stubAI{}
	set, err := NewExtractor(ai).Extract(context.Background(), "   \n")
	if err != nil || !set.Empty() {
		t.Fatalf("expected empty set, got %+v %v", set, err)
	}
	if ai.calls != 0 {
		t.Errorf("expected no service call, got %d", ai.calls)
	}
}

func TestWithGenericNames(t *testing.T) {
	ai := &stubAI{reply: `{"medications":[{"name":"Glucophage","dosage":"500 mg","frequency":"daily"}]}`}
	set, err := NewExtractor(ai, WithGenericNames(map[string]string{"Zestril": "lisinopril"})).
		Extract(context.Background(), "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if findMed(set, "glucophage") == nil {
		t.Errorf("custom map should replace defaults, got %+v", set.Medications)
	}
}

func TestSchema_IsValidJSON(t *testing.T) {
	var v map[string]any
	if err := json.Unmarshal(Schema(), &v); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}
	if v["type"] != "object" {
		t.Errorf("expected object schema, got %v", v["type"])
	}
}
