package labtext

import (
	"strings"
	"testing"

	"github.com/clinic/chartmerge/pkg/entities"
)

func testDictionary() *Dictionary {
	return NewDictionary(
		[]string{"A1c", "Glucose", "TSH", "Cortisol", "BUN", "LDL", "Vitamin B12"},
		[]string{"%", "mg/dL", "uIU/mL", "ug/dL", "pg/mL"},
	)
}

func findLab(s *entities.Set, name string) *entities.LabResult {
	for _, l := range s.Labs {
		if strings.EqualFold(l.Name, name) {
			return l
		}
	}
	return nil
}

func TestExtract_KnownTestLookahead(t *testing.T) {
	text := "A1c\nResult\nFlag\n8.77\n%\n"
	out := NewExtractor(testDictionary()).Extract(text)

	lab := findLab(out, "A1c")
	if lab == nil {
		t.Fatalf("expected A1c lab, got %+v", out.Labs)
	}
	if lab.Value != "8.77" || lab.Unit != "%" {
		t.Errorf("expected 8.77 %%, got %q %q", lab.Value, lab.Unit)
	}
}

func TestExtract_LookaheadStopsAtNextTest(t *testing.T) {
	text := "TSH\nGlucose\n104\nmg/dL\n"
	out := NewExtractor(testDictionary()).Extract(text)

	if findLab(out, "TSH") != nil {
		t.Error("TSH must not steal the glucose value")
	}
	g := findLab(out, "Glucose")
	if g == nil || g.Value != "104" || g.Unit != "mg/dL" {
		t.Errorf("unexpected glucose %+v", g)
	}
}

func TestExtract_LookaheadWindow(t *testing.T) {
	lines := []string{"Cortisol"}
	for i := 0; i < 11; i++ {
		lines = append(lines, "-")
	}
	lines = append(lines, "12.1")
	out := NewExtractor(testDictionary()).Extract(strings.Join(lines, "\n"))
	if findLab(out, "Cortisol") != nil {
		t.Error("value beyond the lookahead window must not be used")
	}
}

func TestExtract_TablePatterns(t *testing.T) {
	text := strings.Join([]string{
		"Glucose 110 mg/dL H 70-99",
		"LDL 130 mg/dL",
		"Ferritin 85 12-150",
		"Patient 12 mg/dL",
		"Page 1 of 2",
	}, "\n")
	out := NewExtractor(testDictionary()).Extract(text)

	g := findLab(out, "Glucose")
	if g == nil {
		t.Fatal("expected glucose")
	}
	if g.Value != "110" || g.Unit != "mg/dL" || g.Flag != "H" || g.ReferenceRange != "70-99" {
		t.Errorf("unexpected glucose %+v", g)
	}
	if l := findLab(out, "LDL"); l == nil || l.Unit != "mg/dL" {
		t.Errorf("unexpected LDL %+v", l)
	}
	if f := findLab(out, "Ferritin"); f == nil || f.Value != "85" || f.ReferenceRange != "12-150" || f.Unit != "" {
		t.Errorf("unexpected ferritin %+v", f)
	}
	if findLab(out, "Patient") != nil {
		t.Error("structural words must be rejected")
	}
	if len(out.Labs) != 3 {
		t.Errorf("expected 3 labs, got %d: %+v", len(out.Labs), out.Labs)
	}
}

func TestExtract_NameLengthBand(t *testing.T) {
	out := NewExtractor(testDictionary()).Extract("Hb 13 mg/dL\n" + strings.Repeat("x", 60) + " 13 mg/dL")
	if len(out.Labs) != 0 {
		t.Errorf("names outside [3,60) must be rejected, got %+v", out.Labs)
	}
}

func TestExtract_CodedEntities(t *testing.T) {
	text := strings.Join([]string{
		"E11.9 Type 2 diabetes mellitus without complications",
		"Essential hypertension (I10)",
		"99213 Office outpatient visit",
		"B12 450 pg/mL",
		"12345 67890",
	}, "\n")
	out := NewExtractor(testDictionary()).Extract(text)

	if len(out.Diagnoses) != 2 {
		t.Fatalf("expected 2 diagnoses, got %+v", out.Diagnoses)
	}
	if out.Diagnoses[0].Code != "E11.9" || !strings.HasPrefix(out.Diagnoses[0].Name, "Type 2") {
		t.Errorf("unexpected diagnosis %+v", out.Diagnoses[0])
	}
	if out.Diagnoses[1].Code != "I10" || out.Diagnoses[1].Name != "Essential hypertension" {
		t.Errorf("unexpected inline diagnosis %+v", out.Diagnoses[1])
	}
	if len(out.Procedures) != 1 || out.Procedures[0].Code != "99213" {
		t.Errorf("unexpected procedures %+v", out.Procedures)
	}
	if findLab(out, "B12") == nil {
		t.Error("numeric description must fall through to the lab patterns")
	}
}

func TestExtract_Medications(t *testing.T) {
	text := strings.Join([]string{
		"Medications:",
		"1. Metformin 500 mg PO BID with meals",
		"- Lisinopril 10mg once daily",
		"Amoxicillin 250 mg/5 mL oral three times daily",
	}, "\n")
	out := NewExtractor(testDictionary()).Extract(text)

	if len(out.Medications) != 3 {
		t.Fatalf("expected 3 medications, got %+v", out.Medications)
	}
	m := out.Medications[0]
	if m.Name != "Metformin" || m.Dosage != "500 mg" || m.Route != "PO" || m.Frequency != "BID" {
		t.Errorf("unexpected metformin %+v", m)
	}
	if m.Status != entities.StatusActive {
		t.Errorf("expected active status, got %q", m.Status)
	}
	if l := out.Medications[1]; l.Dosage != "10 mg" || l.Frequency != "once daily" {
		t.Errorf("unexpected lisinopril %+v", l)
	}
	if a := out.Medications[2]; a.Dosage != "250 mg/5mL" || a.Route != "oral" || a.Frequency != "three times daily" {
		t.Errorf("unexpected amoxicillin %+v", a)
	}
}

func TestExtract_LabLineIsNotMedication(t *testing.T) {
	out := NewExtractor(testDictionary()).Extract("Glucose 110 mg/dL")
	if len(out.Medications) != 0 {
		t.Errorf("mg/dL lab line must not produce a medication: %+v", out.Medications)
	}
	if len(out.Labs) != 1 {
		t.Errorf("expected one lab, got %+v", out.Labs)
	}
}

func TestExtract_Vitals(t *testing.T) {
	text := "BP: 128/82  Pulse 72 bpm\nWeight: 182 lbs\nHeight: 5'10\"\nTemp 98.6 F\nBP 140/90"
	out := NewExtractor(testDictionary()).Extract(text)

	want := map[string]string{
		"blood_pressure": "128/82",
		"pulse":          "72",
		"weight":         "182",
		"height":         "5'10\"",
		"temperature":    "98.6",
	}
	for kind, value := range want {
		v, ok := out.Vitals[kind]
		if !ok {
			t.Errorf("missing vital %s", kind)
			continue
		}
		if v.Value != value {
			t.Errorf("%s = %q, want %q", kind, v.Value, value)
		}
	}
	if out.Vitals["blood_pressure"].Unit != "mmHg" {
		t.Error("blood pressure should carry mmHg")
	}
}

func TestExtract_ColonFallback(t *testing.T) {
	text := strings.Join([]string{
		"BUN: 15",
		"Magnesium: 2.1 mg/dL",
		"Room: 12",
		"Insurance: 4",
	}, "\n")
	out := NewExtractor(testDictionary()).Extract(text)

	if findLab(out, "BUN") == nil {
		t.Error("known lab without unit should be accepted")
	}
	if m := findLab(out, "Magnesium"); m == nil || m.Unit != "mg/dL" {
		t.Errorf("unknown lab with unit should be accepted, got %+v", m)
	}
	if findLab(out, "Insurance") != nil || findLab(out, "Room") != nil {
		t.Error("arbitrary field lines must be rejected")
	}
}

func TestExtract_Allergies(t *testing.T) {
	out := NewExtractor(testDictionary()).Extract("Allergies: Penicillin (rash), Sulfa - hives; Latex")
	if len(out.Allergies) != 3 {
		t.Fatalf("expected 3 allergies, got %+v", out.Allergies)
	}
	if out.Allergies[0].Allergen != "Penicillin" || out.Allergies[0].Reaction != "rash" {
		t.Errorf("unexpected allergy %+v", out.Allergies[0])
	}
	if out.Allergies[1].Allergen != "Sulfa" || out.Allergies[1].Reaction != "hives" {
		t.Errorf("unexpected allergy %+v", out.Allergies[1])
	}

	none := NewExtractor(testDictionary()).Extract("Allergies: NKDA")
	if len(none.Allergies) != 0 {
		t.Errorf("NKDA should yield no allergies, got %+v", none.Allergies)
	}
}

func TestExtract_SectionHintForBareItems(t *testing.T) {
	text := "Allergies\nCodeine (nausea)\nProblem List\nHypertension\nGlucose 99 mg/dL"
	out := NewExtractor(testDictionary()).Extract(text)

	if len(out.Allergies) != 1 || out.Allergies[0].Allergen != "Codeine" {
		t.Errorf("unexpected allergies %+v", out.Allergies)
	}
	if len(out.Diagnoses) != 1 || out.Diagnoses[0].Name != "Hypertension" {
		t.Errorf("unexpected diagnoses %+v", out.Diagnoses)
	}
	if findLab(out, "Glucose") == nil {
		t.Error("section hint must not gate lab extraction")
	}
}

func TestExtract_KeywordItemsAreNotHeaders(t *testing.T) {
	out := NewExtractor(testDictionary()).Extract("Problem List\nType 2 diabetes\nAllergic rhinitis\nEssential hypertension\nAsthma")

	if len(out.Allergies) != 0 {
		t.Errorf("problem-list items must not become allergies, got %+v", out.Allergies)
	}
	want := []string{"Type 2 diabetes", "Allergic rhinitis", "Essential hypertension", "Asthma"}
	if len(out.Diagnoses) != len(want) {
		t.Fatalf("expected %d diagnoses, got %+v", len(want), out.Diagnoses)
	}
	for i, name := range want {
		if out.Diagnoses[i].Name != name {
			t.Errorf("diagnosis %d: expected %q, got %q", i, name, out.Diagnoses[i].Name)
		}
	}

	out = NewExtractor(testDictionary()).Extract("Diagnosis\nLab abnormality\nMedication side effect")
	if len(out.Diagnoses) != 2 {
		t.Errorf("expected 2 diagnoses, got %+v", out.Diagnoses)
	}
}

func TestSectionHeader(t *testing.T) {
	tests := []struct {
		line string
		want section
		ok   bool
	}{
		{"Problem List", sectionDiagnoses, true},
		{"ALLERGIES", sectionAllergies, true},
		{"Lab Results:", sectionLabs, true},
		{"Current Outpatient Medications:", sectionMedications, true},
		{"Allergic rhinitis", sectionNone, false},
		{"Medication side effect", sectionNone, false},
		{"Lab abnormality", sectionNone, false},
		{"Medications 2024:", sectionNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := sectionHeader(tt.line)
			if got != tt.want || ok != tt.ok {
				t.Errorf("sectionHeader(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtract_DedupWithinDocument(t *testing.T) {
	text := "Glucose 110 mg/dL\nGLUCOSE 110 mg/dL\nE11.9 Type 2 diabetes\nE11.9 Diabetes mellitus type 2\nMetformin 500 mg BID\nmetformin 500 mg BID"
	out := NewExtractor(testDictionary()).Extract(text)

	if len(out.Labs) != 1 || len(out.Diagnoses) != 1 || len(out.Medications) != 1 {
		t.Errorf("expected one of each, got labs=%d dx=%d meds=%d",
			len(out.Labs), len(out.Diagnoses), len(out.Medications))
	}
}

func TestExtract_GarbageInput(t *testing.T) {
	out := NewExtractor(testDictionary()).Extract("%%%\n\x00\x01\n::::\n12\n")
	if !out.Empty() {
		t.Errorf("expected empty set, got %+v", out)
	}
}

func TestDefaultDictionary(t *testing.T) {
	d := DefaultDictionary()
	if d.Size() == 0 {
		t.Fatal("bundled dictionary is empty")
	}
	if !d.KnownLab("hemoglobin a1c") {
		t.Error("expected hemoglobin a1c to be known")
	}
	if !d.IsUnit("MG/DL") || d.Unit("mg/dl") != "mg/dL" {
		t.Error("unit lookup should be case-insensitive and return the canonical form")
	}
	if d.IsUnit("mg") {
		t.Error("bare mg is a dose unit, not a lab unit")
	}
}
